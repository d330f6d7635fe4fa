package dtlsconn

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/dtls/v2/pkg/crypto/selfsign"

	"github.com/arzzra/dtls_gw/pkg/srtpsuite"
)

const (
	// DefaultMTU размер датаграммы рукопожатия
	DefaultMTU = 1400

	// FallbackMTU минимальный размер датаграммы рукопожатия
	FallbackMTU = 548

	// DefaultFlightInterval начальный интервал повторной передачи
	DefaultFlightInterval = time.Second

	// DefaultMaxFlightInterval предел интервала повторной передачи
	DefaultMaxFlightInterval = 8 * time.Second

	// DefaultMaxRetransmits лимит срабатываний таймера без ответа удаленной стороны
	DefaultMaxRetransmits = 6
)

// Config конфигурация DTLS соединений.
// Сертификат общий для всех соединений модуля.
type Config struct {
	Certificate         tls.Certificate // Локальный сертификат
	FlightInterval      time.Duration   // Начальный интервал повторной передачи
	MaxFlightInterval   time.Duration   // Предел интервала повторной передачи
	MaxRetransmits      int             // Лимит повторных передач
	MTU                 int             // Размер датаграммы рукопожатия
	ReplayWindow        uint            // Окно защиты от повторов SRTP
	AllowUnverifiedPeer bool            // Разрешить рукопожатие без отпечатка удаленной стороны
	Logger              *slog.Logger
}

// DefaultConfig возвращает конфигурацию по умолчанию с новым
// самоподписанным сертификатом.
func DefaultConfig() (Config, error) {
	cert, err := selfsign.GenerateSelfSigned()
	if err != nil {
		return Config{}, fmt.Errorf("не удалось создать сертификат: %w", err)
	}
	return Config{
		Certificate:       cert,
		FlightInterval:    DefaultFlightInterval,
		MaxFlightInterval: DefaultMaxFlightInterval,
		MaxRetransmits:    DefaultMaxRetransmits,
		MTU:               DefaultMTU,
		ReplayWindow:      srtpsuite.DefaultReplayWindow,
	}, nil
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if len(c.Certificate.Certificate) == 0 {
		return fmt.Errorf("сертификат обязателен")
	}
	if c.FlightInterval <= 0 {
		return fmt.Errorf("интервал повторной передачи должен быть положительным")
	}
	if c.MaxFlightInterval < c.FlightInterval {
		return fmt.Errorf("предел интервала меньше начального интервала")
	}
	if c.MaxRetransmits < 0 {
		return fmt.Errorf("лимит повторных передач не может быть отрицательным")
	}
	if c.MTU < FallbackMTU || c.MTU > 8192 {
		return fmt.Errorf("MTU должен быть в диапазоне %d-8192: %d", FallbackMTU, c.MTU)
	}
	return nil
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
