package dtlsconn

import (
	"errors"
	"fmt"
)

// Ошибки согласования роли. Состояние соединения при них не меняется.
var (
	ErrModeChange           = errors.New("роль уже зафиксирована")
	ErrUnsupportedAlgorithm = errors.New("неподдерживаемый алгоритм отпечатка")
	ErrBadFingerprint       = errors.New("неверный формат отпечатка")
	ErrBadSSRC              = errors.New("неверный SSRC")
	ErrBadPeerMode          = errors.New("неверная роль удаленной стороны")
	ErrHandshakeStart       = errors.New("не удалось начать рукопожатие")
)

// Ошибки рукопожатия. Переводят соединение в dead.
var (
	ErrRenegotiation       = errors.New("повторное рукопожатие не поддерживается")
	ErrFingerprintMismatch = errors.New("отпечаток сертификата не совпадает")
	ErrNoPeerFingerprint   = errors.New("отпечаток удаленной стороны не задан")
	ErrNoPeerCertificate   = errors.New("удаленная сторона не предъявила сертификат")
	ErrRetransmitBudget    = errors.New("исчерпан лимит повторных передач")
	ErrEngineClosed        = errors.New("движок рукопожатия закрыт")
)

// Ошибки обработки пакетов. Пакет отбрасывается, состояние не меняется.
var (
	ErrConnDead       = errors.New("соединение в состоянии dead")
	ErrNotEstablished = errors.New("соединение не установлено")
	ErrDecrypt        = errors.New("ошибка расшифровки SRTP")
	ErrEncrypt        = errors.New("ошибка шифрования SRTP")
	ErrSSRCMismatch   = errors.New("SSRC не совпадает с фильтром")
	ErrStreamGone     = errors.New("поток недоступен")
	ErrPacketTooLarge = errors.New("пакет рукопожатия слишком большой")
	ErrUseAfterClose  = errors.New("обращение к закрытому соединению")
)

// RoleError ошибка согласования роли
type RoleError struct {
	Mode Mode // Роль, которую пытались установить
	Err  error
}

func (e *RoleError) Error() string {
	return fmt.Sprintf("согласование роли %s: %v", e.Mode, e.Err)
}

func (e *RoleError) Unwrap() error {
	return e.Err
}

func modeError(m Mode, err error) error {
	return &RoleError{Mode: m, Err: err}
}
