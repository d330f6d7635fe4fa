package dtlsconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pion/srtp/v2"

	"github.com/arzzra/dtls_gw/pkg/relay"
	"github.com/arzzra/dtls_gw/pkg/srtpsuite"
	"github.com/arzzra/dtls_gw/pkg/timed"
)

// события конечного автомата
const (
	evConnect   = "connect"
	evEstablish = "establish"
	evFail      = "fail"
)

var errClosedByOwner = errors.New("соединение закрыто владельцем")

// StateObserver получает переходы состояний. Вызывается под блокировкой
// соединения и не должен обращаться к нему.
type StateObserver func(id string, from, to State)

// Params зависимости соединения
type Params struct {
	Config    Config
	Engine    EngineFactory   // nil = NewPionEngine
	Scheduler timed.Scheduler // Таймеры повторной передачи
	Pool      relay.SenderPool
	Directory relay.Directory // Поиск зашифрованного потока по идентификатору
	// EncryptedID поток, через который идут DTLS и SRTP. Соединение хранит
	// только идентификатор: поток сам владеет соединением.
	EncryptedID relay.StreamID
	// Plain поток открытого RTP
	Plain    relay.Stream
	Observer StateObserver
}

var _ Connection = (*Conn)(nil)

// Conn DTLS-SRTP соединение одной ассоциации
type Conn struct {
	mu sync.Mutex

	id      string
	machine *fsm.FSM
	mode    Mode
	engine  Engine
	suite   *srtpsuite.Suite
	srtpIn  *inboundContext
	srtpOut *srtp.Context
	timer   *timerToken
	cause   error

	peerFP  string
	ssrc    uint32
	hasSSRC bool
	localFP string

	cfg      Config
	sched    timed.Scheduler
	pool     relay.SenderPool
	dir      relay.Directory
	encID    relay.StreamID
	plain    relay.Stream
	observer StateObserver
	logger   *slog.Logger
}

// New создает соединение в состоянии init. Создание не запускает
// горутин, не ставит таймеров и ничего не отправляет.
func New(p Params) (*Conn, error) {
	if err := p.Config.Validate(); err != nil {
		return nil, fmt.Errorf("неверная конфигурация DTLS: %w", err)
	}
	if p.Scheduler == nil || p.Pool == nil || p.Directory == nil || p.Plain == nil {
		return nil, fmt.Errorf("не заданы зависимости соединения")
	}

	localFP, err := CertificateFingerprint(p.Config.Certificate.Certificate[0])
	if err != nil {
		return nil, err
	}

	c := &Conn{
		id:       uuid.NewString(),
		mode:     ModeActPass,
		localFP:  localFP,
		cfg:      p.Config,
		sched:    p.Scheduler,
		pool:     p.Pool,
		dir:      p.Directory,
		encID:    p.EncryptedID,
		plain:    p.Plain,
		observer: p.Observer,
	}
	c.logger = p.Config.logger().With(
		slog.String("component", "dtls_conn"),
		slog.String("conn_id", c.id))

	c.machine = fsm.NewFSM(
		stateInit,
		fsm.Events{
			{Name: evConnect, Src: []string{stateInit}, Dst: stateConnecting},
			{Name: evEstablish, Src: []string{stateConnecting}, Dst: stateUp},
			{Name: evFail, Src: []string{stateInit, stateConnecting, stateUp}, Dst: stateDead},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.onEnterState(parseState(e.Src), parseState(e.Dst))
			},
		},
	)

	factory := p.Engine
	if factory == nil {
		factory = NewPionEngine
	}
	c.engine, err = factory(EngineParams{
		Config: p.Config,
		Write:  c.writeHandshake,
		Notify: c.onEngineEvent,
		Logger: c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("не удалось создать движок рукопожатия: %w", err)
	}
	return c, nil
}

// ID возвращает идентификатор соединения
func (c *Conn) ID() string { return c.id }

// LocalFingerprint возвращает отпечаток локального сертификата "sha-256 AB:..."
func (c *Conn) LocalFingerprint() string { return FormatFingerprint(c.localFP) }

// State возвращает текущее состояние
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state()
}

// Mode возвращает текущую роль
func (c *Conn) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Cause возвращает причину перехода в dead
func (c *Conn) Cause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

func (c *Conn) state() State {
	return parseState(c.machine.Current())
}

func (c *Conn) fire(event string) {
	if err := c.machine.Event(context.Background(), event); err != nil {
		c.invariantViolation("недопустимый переход", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func (c *Conn) onEnterState(from, to State) {
	c.checkInvariants(to)
	c.logger.Debug("переход состояния",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("mode", c.mode.String()))
	if c.observer != nil {
		c.observer(c.id, from, to)
	}
}

// checkInvariants контексты SRTP есть только в up, таймер только в connecting
func (c *Conn) checkInvariants(st State) {
	up := st == StateUp
	if (c.srtpIn != nil) != up || (c.srtpOut != nil) != up {
		c.invariantViolation("контексты SRTP не соответствуют состоянию", slog.String("state", st.String()))
	}
	if c.timer != nil && st != StateConnecting {
		c.invariantViolation("таймер вне состояния connecting", slog.String("state", st.String()))
	}
}

func (c *Conn) invariantViolation(msg string, attrs ...any) {
	c.logger.Error(msg, attrs...)
	if debugChecks {
		panic(fmt.Sprintf("dtlsconn %s: %s", c.id, msg))
	}
}

// pickMode локальная роль противоположна роли удаленной стороны;
// на actpass отвечаем passive.
func pickMode(peer Mode) (Mode, error) {
	switch peer {
	case ModeActive, ModeActPass:
		return ModePassive, nil
	case ModePassive:
		return ModeActive, nil
	default:
		return ModeError, fmt.Errorf("%w: %s", ErrBadPeerMode, peer)
	}
}

// SetMode согласует роль по параметрам удаленной стороны.
// При ошибке проверки состояние не меняется.
func (c *Conn) SetMode(spec *PeerSpec) (Mode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if spec == nil {
		return c.mode, nil
	}

	local, err := pickMode(spec.PeerMode)
	if err != nil {
		return ModeError, modeError(spec.PeerMode, err)
	}
	fp, err := normalizeFingerprint(spec.Algorithm, spec.Fingerprint)
	if err != nil {
		return ModeError, modeError(local, err)
	}
	var ssrc uint64
	if spec.SSRC != "" {
		// только десятичные цифры: без знака и пробелов
		ssrc, err = strconv.ParseUint(spec.SSRC, 10, 32)
		if err != nil {
			return ModeError, modeError(local, fmt.Errorf("%w: %q", ErrBadSSRC, spec.SSRC))
		}
	}

	st := c.state()
	if st != StateInit && c.mode != local {
		return ModeError, modeError(local, fmt.Errorf("%w: %s, запрошена %s", ErrModeChange, c.mode, local))
	}

	c.peerFP = fp
	c.hasSSRC = spec.SSRC != ""
	c.ssrc = uint32(ssrc)
	if c.srtpIn != nil {
		c.srtpIn.setFilter(c.ssrc, c.hasSSRC)
	}

	if st != StateInit {
		return c.mode, nil
	}

	c.mode = local
	if local == ModeActive {
		c.fire(evConnect)
		if err := c.engine.Connect(); err != nil {
			c.goDead(err)
			return ModeError, modeError(local, fmt.Errorf("%w: %v", ErrHandshakeStart, err))
		}
		if err := c.checkTimer(); err != nil {
			c.goDead(err)
			return ModeError, modeError(local, fmt.Errorf("%w: %v", ErrHandshakeStart, err))
		}
		c.logger.Info("рукопожатие начато в роли active")
	}
	return c.mode, nil
}

// HandshakeIn передает входящую DTLS запись движку
func (c *Conn) HandshakeIn(pkt *relay.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state() {
	case StateDead:
		c.logger.Debug("запись рукопожатия для dead соединения отброшена", slog.Int("size", pkt.Size()))
		return ErrConnDead
	case StateUp:
		// повтор последнего полета и close_notify тоже завершают соединение
		c.goDead(ErrRenegotiation)
		return ErrRenegotiation
	case StateInit:
		if c.mode == ModeActPass {
			c.mode = ModePassive
		}
		c.fire(evConnect)
	}

	if c.mode == ModePassive {
		if err := c.engine.Accept(); err != nil {
			c.goDead(err)
			return err
		}
	}
	if err := c.engine.Feed(pkt.Data); err != nil {
		c.logger.Warn("запись рукопожатия не принята движком", slog.String("error", err.Error()))
		return err
	}
	return c.step()
}

// onEngineEvent вызывается движком из его горутины
func (c *Conn) onEngineEvent() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state() != StateConnecting {
		return
	}
	_ = c.step()
}

// step обрабатывает состояние движка после очередного шага рукопожатия
func (c *Conn) step() error {
	status, err := c.engine.Status()
	switch status {
	case HandshakeFailed:
		if err == nil {
			err = errors.New("рукопожатие провалено")
		}
		c.goDead(err)
		return err
	case HandshakeComplete:
		return c.finish()
	}

	if err := c.checkTimer(); err != nil {
		c.goDead(err)
		return err
	}
	return nil
}

// finish выводит ключи, проверяет удаленную сторону и строит контексты SRTP
func (c *Conn) finish() error {
	profile, ok := c.engine.SelectedProfile()
	if !ok {
		err := fmt.Errorf("%w: профиль не согласован", srtpsuite.ErrUnknownProfile)
		c.logger.Error("рукопожатие завершено без профиля SRTP")
		c.goDead(err)
		return err
	}
	suite, err := srtpsuite.Lookup(profile)
	if err != nil {
		c.logger.Error("согласован профиль вне таблицы наборов", slog.String("error", err.Error()))
		c.goDead(err)
		return err
	}

	if err := c.verifyPeer(); err != nil {
		c.goDead(err)
		return err
	}

	out, in, err := deriveKeys(c.engine, suite, c.mode == ModeActive)
	if err != nil {
		c.goDead(err)
		return err
	}
	defer out.wipe()
	defer in.wipe()

	outCtx, err := suite.NewContext(out.key, out.salt, c.cfg.ReplayWindow)
	if err != nil {
		c.goDead(err)
		return err
	}
	inCtx, err := suite.NewContext(in.key, in.salt, c.cfg.ReplayWindow)
	if err != nil {
		c.goDead(err)
		return err
	}

	c.cancelTimer()
	c.suite = suite
	c.srtpOut = outCtx
	c.srtpIn = &inboundContext{ctx: inCtx}
	c.srtpIn.setFilter(c.ssrc, c.hasSSRC)
	c.fire(evEstablish)

	c.logger.Info("DTLS-SRTP соединение установлено",
		slog.String("suite", suite.Name),
		slog.String("mode", c.mode.String()))
	return nil
}

func (c *Conn) verifyPeer() error {
	if c.peerFP == "" {
		if !c.cfg.AllowUnverifiedPeer {
			return ErrNoPeerFingerprint
		}
		c.logger.Warn("сертификат удаленной стороны не проверяется")
		return nil
	}

	der, err := c.engine.PeerCertificate()
	if err != nil {
		return err
	}
	got, err := CertificateFingerprint(der)
	if err != nil {
		return err
	}
	if got != c.peerFP {
		return fmt.Errorf("%w: ожидался %s, получен %s", ErrFingerprintMismatch, c.peerFP, got)
	}
	return nil
}

// goDead переводит соединение в терминальное состояние
func (c *Conn) goDead(cause error) {
	if c.state() == StateDead {
		return
	}
	c.cancelTimer()
	c.srtpIn = nil
	c.srtpOut = nil
	c.engine.Close()
	c.cause = cause

	if errors.Is(cause, errClosedByOwner) {
		c.logger.Debug("соединение закрыто")
	} else {
		c.logger.Warn("соединение переходит в dead", slog.String("cause", cause.Error()))
	}
	c.fire(evFail)
}

// Close закрывает соединение. Повторные вызовы ничего не делают.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.goDead(errClosedByOwner)
}
