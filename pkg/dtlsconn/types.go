// Package dtlsconn DTLS-SRTP соединение одной ассоциации relay.
//
// Соединение ведет конечный автомат рукопожатия (init, connecting, up,
// dead), по завершении рукопожатия выводит ключи SRTP и затем шифрует
// исходящие и расшифровывает входящие медиапакеты.
//
// Состояние меняют две горутины: обработчик очереди пакетов и горутина
// таймера повторной передачи. Обе работают под блокировкой соединения,
// блокировка никогда не удерживается во время сетевой отправки.
package dtlsconn

import (
	"fmt"

	"github.com/arzzra/dtls_gw/pkg/relay"
)

// State состояние DTLS соединения
type State int

const (
	StateInit State = iota
	StateConnecting
	StateUp
	StateDead
)

// имена состояний в конечном автомате
const (
	stateInit       = "init"
	stateConnecting = "connecting"
	stateUp         = "up"
	stateDead       = "dead"
)

func (s State) String() string {
	switch s {
	case StateInit:
		return stateInit
	case StateConnecting:
		return stateConnecting
	case StateUp:
		return stateUp
	case StateDead:
		return stateDead
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

func parseState(name string) State {
	switch name {
	case stateConnecting:
		return StateConnecting
	case stateUp:
		return StateUp
	case stateDead:
		return StateDead
	default:
		return StateInit
	}
}

// Mode роль стороны в рукопожатии
type Mode int

const (
	ModeActPass Mode = iota
	ModeActive
	ModePassive
	ModeError
)

func (m Mode) String() string {
	switch m {
	case ModeActPass:
		return "actpass"
	case ModeActive:
		return "active"
	case ModePassive:
		return "passive"
	default:
		return "error"
	}
}

// PeerSpec параметры, которые удаленная сторона сообщила через сигнализацию
type PeerSpec struct {
	PeerMode    Mode   // Роль, которую предлагает удаленная сторона
	Algorithm   string // Алгоритм отпечатка, например "sha-256"
	Fingerprint string // Отпечаток сертификата удаленной стороны
	SSRC        string // Десятичный SSRC для фильтра входящего SRTP; пусто = любой
}

// Connection операции DTLS соединения, доступные владельцу ассоциации
type Connection interface {
	// HandshakeIn передает входящую DTLS запись в движок рукопожатия
	HandshakeIn(pkt *relay.Packet) error
	// DecryptIn расшифровывает входящий SRTP пакет и отправляет его в открытый поток
	DecryptIn(pkt *relay.Packet) error
	// EncryptOut шифрует исходящий RTP пакет и отправляет его в зашифрованный поток
	EncryptOut(pkt *relay.Packet) error
	// SetMode согласует роль; nil возвращает текущую роль без изменений
	SetMode(spec *PeerSpec) (Mode, error)

	ID() string
	State() State
	Mode() Mode
	LocalFingerprint() string
	Close()
}
