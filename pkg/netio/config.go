// Package netio асинхронная подсистема сетевого ввода-вывода relay.
//
// Пул отправителей принимает датаграммы без блокировки вызывающего и
// пишет их в сокеты из собственных горутин. Сокеты создаются с
// настройками для голосового трафика (буферы, DSCP, приоритет).
package netio

import (
	"fmt"
	"log/slog"
)

const (
	// DefaultSenders количество горутин-отправителей по умолчанию
	DefaultSenders = 4

	// DefaultSenderQueue глубина очереди одного отправителя
	DefaultSenderQueue = 256

	// DefaultBufferSize размер датаграммы по умолчанию (MTU Ethernet)
	DefaultBufferSize = 1500

	// VoiceRecvBuffer размер буфера приема сокета для голоса
	VoiceRecvBuffer = 64 * 1024

	// VoiceSendBuffer размер буфера отправки сокета для голоса
	VoiceSendBuffer = 64 * 1024

	// DSCPExpeditedForwarding EF (RFC 4594) для интерактивного аудио
	DSCPExpeditedForwarding = 46
)

// SocketConfig настройки UDP сокета
type SocketConfig struct {
	BufferSize   int    // Размер датаграммы, от него считаются буферы сокета
	DSCP         int    // DSCP маркировка (0 = не ставить)
	ReusePort    bool   // SO_REUSEPORT
	BindToDevice string // Привязка к интерфейсу (только Linux)
}

// Config конфигурация пула отправителей
type Config struct {
	Senders   int          // Количество горутин-отправителей
	QueueSize int          // Глубина очереди каждого отправителя
	Socket    SocketConfig // Настройки сокетов, создаваемых ListenUDP
	Logger    *slog.Logger // Логгер; по умолчанию slog.Default()
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Senders:   DefaultSenders,
		QueueSize: DefaultSenderQueue,
		Socket: SocketConfig{
			BufferSize: DefaultBufferSize,
			DSCP:       DSCPExpeditedForwarding,
		},
	}
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if c.Senders <= 0 {
		return fmt.Errorf("количество отправителей должно быть положительным: %d", c.Senders)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("размер очереди должен быть положительным: %d", c.QueueSize)
	}
	return c.Socket.Validate()
}

// Validate проверяет настройки сокета
func (c SocketConfig) Validate() error {
	if c.BufferSize < 0 {
		return fmt.Errorf("размер буфера не может быть отрицательным")
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		return fmt.Errorf("DSCP должен быть в диапазоне 0-63")
	}
	return nil
}
