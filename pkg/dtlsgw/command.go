package dtlsgw

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/arzzra/dtls_gw/pkg/dtlsconn"
	"github.com/arzzra/dtls_gw/pkg/relay"
)

// Command команда сигнализации для модуля.
//
//	a <алгоритм> <отпечаток> [ssrc]  удаленная сторона active
//	p <алгоритм> <отпечаток> [ssrc]  удаленная сторона passive
//	s                                только статус
type Command struct {
	Args      []string
	StreamIn  relay.Stream
	StreamOut relay.Stream
	// Session создает сокет зашифрованного потока, когда мы active.
	// nil означает, что сокет уже есть.
	Session relay.SocketSetup
}

// ParseArgs разбирает аргументы команды. Для статуса возвращает nil spec.
func ParseArgs(args []string) (verb string, spec *dtlsconn.PeerSpec, err error) {
	if n := len(args); n != 1 && n != 3 && n != 4 {
		return "", nil, newError(ErrorCodeBadArgCount, fmt.Sprintf("ожидается 1, 3 или 4 аргумента: %d", n), nil)
	}
	if len(args[0]) != 1 {
		return "", nil, newError(ErrorCodeBadVerb, fmt.Sprintf("неверная роль %q", args[0]), nil)
	}

	verb = strings.ToLower(args[0])
	switch verb {
	case "a", "p":
		if len(args) == 1 {
			return "", nil, newError(ErrorCodeBadArgCount, "для a и p нужны алгоритм и отпечаток", nil)
		}
		spec = &dtlsconn.PeerSpec{
			PeerMode:    dtlsconn.ModeActive,
			Algorithm:   args[1],
			Fingerprint: args[2],
		}
		if verb == "p" {
			spec.PeerMode = dtlsconn.ModePassive
		}
		if len(args) == 4 {
			spec.SSRC = args[3]
		}
		return verb, spec, nil
	case "s":
		if len(args) != 1 {
			return "", nil, newError(ErrorCodeBadArgCount, "статус не принимает аргументов", nil)
		}
		return verb, nil, nil
	default:
		return "", nil, newError(ErrorCodeBadVerb, fmt.Sprintf("неверная роль %q", args[0]), nil)
	}
}

// HandleCommand выполняет команду сигнализации и возвращает строку ответа
// "<роль> <отпечаток>". Любая ошибка сопоставима с ErrCommand.
func (m *Module) HandleCommand(cmd *Command) (string, error) {
	resp, verb, err := m.handleCommand(cmd)
	result := "ok"
	if err != nil {
		result = "error"
		m.logger.Warn("команда отклонена",
			slog.Any("args", cmd.Args),
			slog.String("error", err.Error()))
	}
	if verb == "" {
		verb = "invalid"
	}
	m.metrics.commandsTotal.WithLabelValues(verb, result).Inc()
	return resp, err
}

func (m *Module) handleCommand(cmd *Command) (string, string, error) {
	verb, spec, err := ParseArgs(cmd.Args)
	if err != nil {
		return "", "", err
	}

	// статус отвечает о встречном направлении
	enc, plain := cmd.StreamIn, cmd.StreamOut
	if spec == nil {
		enc, plain = cmd.StreamOut, cmd.StreamIn
	}
	if enc == nil || plain == nil {
		return "", verb, newError(ErrorCodeNoSlot, "команда без пары потоков", nil)
	}

	assoc, _, err := m.registry.Attach(enc, plain)
	if err != nil {
		return "", verb, err
	}

	// мы active: отправлять рукопожатие будем первыми, нужен сокет
	if spec != nil && spec.PeerMode == dtlsconn.ModePassive && cmd.Session != nil {
		if err := cmd.Session.EnsureSocket(enc); err != nil {
			return "", verb, &GatewayError{Code: ErrorCodeSocketSetup, Message: "сокет не создан", StreamID: uint64(enc.ID()), Wrapped: err}
		}
	}

	mode, err := assoc.Conn().SetMode(spec)
	if err != nil {
		return "", verb, &GatewayError{Code: ErrorCodeModeRejected, Message: "роль не согласована", StreamID: uint64(enc.ID()), Wrapped: err}
	}
	return mode.String() + " " + m.localFP, verb, nil
}
