package dtlsconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/dtls/v2"

	"github.com/arzzra/dtls_gw/pkg/srtpsuite"
)

var errEngineStarted = errors.New("рукопожатие уже запущено в другой роли")

// pionEngine движок рукопожатия на pion/dtls.
//
// pion ведет рукопожатие в своей горутине поверх endpoint и сам
// повторяет полеты. Deadline и HandleTimeout реализуют сторожевой таймер:
// если удаленная сторона молчит дольше бюджета повторных передач,
// рукопожатие считается проваленным.
type pionEngine struct {
	params EngineParams
	cfg    *dtls.Config
	ep     *endpoint
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	started  bool
	client   bool
	closed   bool
	status   HandshakeStatus
	err      error
	conn     *dtls.Conn
	state    *dtls.State
	armedAt  time.Time
	attempts int
}

// NewPionEngine создает движок pion/dtls. Горутина рукопожатия
// запускается только в Connect или Accept.
func NewPionEngine(p EngineParams) (Engine, error) {
	if p.Write == nil || p.Notify == nil {
		return nil, fmt.Errorf("функции Write и Notify обязательны")
	}
	logger := p.Logger
	if logger == nil {
		logger = p.Config.logger()
	}

	mtu := p.Config.MTU
	if mtu == 0 {
		mtu = DefaultMTU
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &pionEngine{
		params: p,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		ep:     newEndpoint(uuid.NewString(), p.Write),
	}
	e.cfg = &dtls.Config{
		Certificates:           []tls.Certificate{p.Config.Certificate},
		SRTPProtectionProfiles: srtpsuite.Advertised(),
		ExtendedMasterSecret:   dtls.RequestExtendedMasterSecret,
		ClientAuth:             dtls.RequireAnyClientCert,
		// цепочка не проверяется: сертификаты самоподписанные,
		// удаленная сторона проверяется по отпечатку после рукопожатия
		InsecureSkipVerify: true,
		FlightInterval:     p.Config.FlightInterval,
		MTU:                mtu,
		LoggerFactory:      NewSlogLoggerFactory(logger),
	}
	return e, nil
}

func (e *pionEngine) start(client bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	if e.started {
		if e.client != client {
			return errEngineStarted
		}
		return nil
	}
	e.started = true
	e.client = client
	e.armedAt = time.Now()

	go e.run(client)
	return nil
}

func (e *pionEngine) Connect() error { return e.start(true) }

func (e *pionEngine) Accept() error { return e.start(false) }

func (e *pionEngine) run(client bool) {
	var (
		conn *dtls.Conn
		err  error
	)
	if client {
		conn, err = dtls.ClientWithContext(e.ctx, e.ep, e.cfg)
	} else {
		conn, err = dtls.ServerWithContext(e.ctx, e.ep, e.cfg)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		if e.status == HandshakePending {
			e.status = HandshakeFailed
			e.err = fmt.Errorf("рукопожатие DTLS: %w", err)
		}
	} else {
		st := conn.ConnectionState()
		e.conn = conn
		e.state = &st
		e.status = HandshakeComplete
	}
	e.mu.Unlock()

	e.params.Notify()
}

func (e *pionEngine) Feed(b []byte) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.attempts = 0
	e.armedAt = time.Now()
	e.mu.Unlock()

	if err := e.ep.deliver(b); err != nil {
		return fmt.Errorf("буфер рукопожатия: %w", err)
	}
	return nil
}

func (e *pionEngine) Status() (HandshakeStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, e.err
}

func (e *pionEngine) interval() time.Duration {
	d := e.params.Config.FlightInterval
	if d <= 0 {
		d = DefaultFlightInterval
	}
	limit := e.params.Config.MaxFlightInterval
	if limit < d {
		limit = d
	}
	for i := 0; i < e.attempts && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	return d
}

func (e *pionEngine) Deadline() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.closed || e.status != HandshakePending {
		return time.Time{}, false
	}
	return e.armedAt.Add(e.interval()), true
}

func (e *pionEngine) HandleTimeout(now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if e.status != HandshakePending {
		return nil
	}
	// Feed мог сдвинуть срок после постановки таймера
	if now.Before(e.armedAt.Add(e.interval())) {
		return nil
	}

	e.attempts++
	e.armedAt = now
	if e.attempts > e.params.Config.MaxRetransmits {
		e.status = HandshakeFailed
		e.err = ErrRetransmitBudget
		e.cancel()
		return ErrRetransmitBudget
	}
	e.logger.Debug("нет ответа на полет рукопожатия",
		slog.Int("attempt", e.attempts),
		slog.Duration("next", e.interval()))
	return nil
}

func (e *pionEngine) SelectedProfile() (dtls.SRTPProtectionProfile, bool) {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return 0, false
	}
	return conn.SelectedSRTPProtectionProfile()
}

func (e *pionEngine) ExportKeyingMaterial(label string, n int) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, fmt.Errorf("рукопожатие не завершено")
	}
	return e.state.ExportKeyingMaterial(label, nil, n)
}

func (e *pionEngine) PeerCertificate() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil || len(e.state.PeerCertificates) == 0 {
		return nil, ErrNoPeerCertificate
	}
	return e.state.PeerCertificates[0], nil
}

func (e *pionEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conn := e.conn
	e.mu.Unlock()

	e.cancel()
	// dtls.Conn.Close ждет свои горутины и пишет close_notify
	go func() {
		if conn != nil {
			conn.Close()
		}
		e.ep.Close()
	}()
	return nil
}
