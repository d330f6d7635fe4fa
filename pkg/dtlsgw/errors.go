package dtlsgw

import (
	"errors"
	"fmt"
)

// GatewayErrorCode типизированный код ошибки модуля
type GatewayErrorCode int

const (
	// Ошибки команд сигнализации
	ErrorCodeBadArgCount GatewayErrorCode = iota + 2000
	ErrorCodeBadVerb
	ErrorCodeModeRejected
	ErrorCodeSocketSetup

	// Ошибки ассоциаций
	ErrorCodeNoSlot
	ErrorCodeStreamClosed
	ErrorCodeConnCreate

	// Ошибки очереди
	ErrorCodeQueueStopped
)

// String возвращает строковое представление кода ошибки
func (code GatewayErrorCode) String() string {
	switch code {
	case ErrorCodeBadArgCount:
		return "BadArgCount"
	case ErrorCodeBadVerb:
		return "BadVerb"
	case ErrorCodeModeRejected:
		return "ModeRejected"
	case ErrorCodeSocketSetup:
		return "SocketSetup"
	case ErrorCodeNoSlot:
		return "NoSlot"
	case ErrorCodeStreamClosed:
		return "StreamClosed"
	case ErrorCodeConnCreate:
		return "ConnCreate"
	case ErrorCodeQueueStopped:
		return "QueueStopped"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// ErrCommand общая ошибка команды сигнализации. Ответ на такую команду
// не содержит тела.
var ErrCommand = errors.New("команда dtls_gw отклонена")

// GatewayError ошибка модуля с кодом и потоком, к которому она относится
type GatewayError struct {
	Code     GatewayErrorCode
	Message  string
	StreamID uint64
	Wrapped  error
}

// Error реализует интерфейс error
func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("[dtls_gw:%d] %s", e.Code, e.Message)
	if e.StreamID != 0 {
		msg = fmt.Sprintf("[dtls_gw:%d] поток %d: %s", e.Code, e.StreamID, e.Message)
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap возвращает обернутую ошибку
func (e *GatewayError) Unwrap() error {
	return e.Wrapped
}

// Is сравнивает ошибки по коду. Все ошибки, кроме остановки очереди,
// совпадают с ErrCommand.
func (e *GatewayError) Is(target error) bool {
	if t, ok := target.(*GatewayError); ok {
		return e.Code == t.Code
	}
	return target == ErrCommand && e.Code != ErrorCodeQueueStopped
}

func newError(code GatewayErrorCode, msg string, wrapped error) *GatewayError {
	return &GatewayError{Code: code, Message: msg, Wrapped: wrapped}
}

// HasCode сообщает, содержит ли цепочка ошибок GatewayError с кодом code
func HasCode(err error, code GatewayErrorCode) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Code == code
}
