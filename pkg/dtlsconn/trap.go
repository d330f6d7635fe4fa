package dtlsconn

import (
	"fmt"

	"github.com/arzzra/dtls_gw/pkg/relay"
)

// trap заменяет закрытое соединение у владельца: любая операция
// завершается ошибкой ErrUseAfterClose, а в отладочной сборке паникой.
type trap struct {
	id string
}

// Trap возвращает заглушку для соединения id после его уничтожения
func Trap(id string) Connection {
	return trap{id: id}
}

func (t trap) fail(op string) error {
	if debugChecks {
		panic(fmt.Sprintf("dtlsconn %s: %s после закрытия", t.id, op))
	}
	return fmt.Errorf("%s: %w", op, ErrUseAfterClose)
}

func (t trap) HandshakeIn(*relay.Packet) error { return t.fail("HandshakeIn") }
func (t trap) DecryptIn(*relay.Packet) error   { return t.fail("DecryptIn") }
func (t trap) EncryptOut(*relay.Packet) error  { return t.fail("EncryptOut") }

func (t trap) SetMode(*PeerSpec) (Mode, error) {
	return ModeError, t.fail("SetMode")
}

func (t trap) ID() string               { return t.id }
func (t trap) State() State             { return StateDead }
func (t trap) Mode() Mode               { return ModeError }
func (t trap) LocalFingerprint() string { return "" }
func (t trap) Close()                   {}
