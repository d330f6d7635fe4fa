// Package dtlsgw модуль relay, который переводит медиаплечо на DTLS-SRTP.
//
// Модуль встраивается в конвейер обработки пакетов relay: классификатор
// забирает пакеты потоков с ассоциацией, единственный рабочий передает их
// DTLS соединению. Команды сигнализации создают ассоциации и согласуют роль.
package dtlsgw

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/dtls_gw/pkg/dtlsconn"
	"github.com/arzzra/dtls_gw/pkg/relay"
	"github.com/arzzra/dtls_gw/pkg/timed"
)

// Deps внешние подсистемы relay, которыми пользуется модуль
type Deps struct {
	Pool      relay.SenderPool // Асинхронная отправка
	Directory relay.Directory  // Поиск потоков по идентификатору
	Scheduler timed.Scheduler  // Таймеры повторной передачи
	Pipeline  *relay.Pipeline  // Конвейер, в котором регистрируется модуль; может быть nil
}

// Module DTLS-SRTP шлюз
type Module struct {
	cfg      Config
	deps     Deps
	registry *Registry
	worker   *Worker
	metrics  *metrics
	localFP  string
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
}

var _ relay.Processor = (*Module)(nil)

// New создает модуль. Рабочий и регистрация в конвейере запускаются в Start.
func New(cfg Config, deps Deps) (*Module, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("неверная конфигурация %s: %w", ModuleName, err)
	}
	if deps.Pool == nil || deps.Directory == nil || deps.Scheduler == nil {
		return nil, fmt.Errorf("%s: не заданы пул отправителей, каталог потоков или планировщик", ModuleName)
	}

	fp, err := dtlsconn.CertificateFingerprint(cfg.Conn.Certificate.Certificate[0])
	if err != nil {
		return nil, err
	}

	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Module{
		cfg:     cfg,
		deps:    deps,
		metrics: newMetrics(reg, cfg.Namespace),
		localFP: dtlsconn.FormatFingerprint(fp),
		logger:  cfg.logger().With(slog.String("component", ModuleName)),
	}
	if cfg.Conn.Logger == nil {
		m.cfg.Conn.Logger = cfg.logger()
	}
	m.registry = newRegistry(cfg.ModuleIndex, m.newConn, m.metrics, m.logger)
	m.worker = newWorker(cfg.QueueSize, m.process, func(n int) {
		m.metrics.queueDepth.Set(float64(n))
	})
	return m, nil
}

// LocalFingerprint отпечаток сертификата модуля "sha-256 AB:..."
func (m *Module) LocalFingerprint() string { return m.localFP }

// Registry возвращает реестр ассоциаций
func (m *Module) Registry() *Registry { return m.registry }

// Start запускает рабочего и регистрирует модуль в конвейере.
// Остановленный модуль повторно не запускается.
func (m *Module) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running || m.stopped {
		return
	}
	m.running = true
	m.worker.Start()
	if m.deps.Pipeline != nil {
		m.deps.Pipeline.Register(m)
	}
	m.logger.Info("модуль запущен",
		slog.String("fingerprint", m.localFP),
		slog.Int("queue_size", m.cfg.QueueSize))
}

// Stop снимает модуль с конвейера и дожидается разбора очереди.
// Ассоциации живут до уничтожения своих потоков.
func (m *Module) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.stopped = true
	if m.deps.Pipeline != nil {
		m.deps.Pipeline.Unregister(m)
	}
	m.worker.Stop()
	m.logger.Info("модуль остановлен")
}

// newConn создает соединение; вызывается реестром до публикации
func (m *Module) newConn(enc, plain relay.Stream, obs dtlsconn.StateObserver) (dtlsconn.Connection, error) {
	return dtlsconn.New(dtlsconn.Params{
		Config:      m.cfg.Conn,
		Engine:      m.cfg.Engine,
		Scheduler:   m.deps.Scheduler,
		Pool:        m.deps.Pool,
		Directory:   m.deps.Directory,
		EncryptedID: enc.ID(),
		Plain:       plain,
		Observer:    obs,
	})
}

// process обрабатывает один элемент очереди в горутине рабочего
func (m *Module) process(item workItem) {
	defer item.assoc.Release()

	conn := item.assoc.Conn()
	var err error
	switch item.dir {
	case DirHandshakeIn:
		err = conn.HandshakeIn(item.pkt)
	case DirMediaIn:
		err = conn.DecryptIn(item.pkt)
	case DirMediaOut:
		err = conn.EncryptOut(item.pkt)
	default:
		panic(fmt.Sprintf("dtlsgw: неизвестное направление %d", item.dir))
	}

	dir := item.dir.String()
	if err == nil {
		m.metrics.packetsTotal.WithLabelValues(dir).Inc()
		return
	}
	m.metrics.packetsDropped.WithLabelValues(dir, dropReason(err)).Inc()
	m.logger.Debug("пакет отброшен",
		slog.String("direction", dir),
		slog.Uint64("stream_id", uint64(item.strm.ID())),
		slog.Int("size", item.pkt.Size()),
		slog.String("error", err.Error()))
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, dtlsconn.ErrConnDead):
		return "dead"
	case errors.Is(err, dtlsconn.ErrNotEstablished):
		return "not_established"
	case errors.Is(err, dtlsconn.ErrDecrypt), errors.Is(err, dtlsconn.ErrEncrypt):
		return "transform"
	case errors.Is(err, dtlsconn.ErrSSRCMismatch):
		return "ssrc"
	case errors.Is(err, dtlsconn.ErrRenegotiation):
		return "renegotiation"
	case errors.Is(err, dtlsconn.ErrUseAfterClose):
		return "closed"
	default:
		return "other"
	}
}
