package netio

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

var (
	// ErrQueueFull очередь отправителя заполнена, датаграмма отброшена
	ErrQueueFull = errors.New("очередь отправителя заполнена")
	// ErrPoolClosed пул остановлен
	ErrPoolClosed = errors.New("пул отправителей закрыт")
)

type sendJob struct {
	w    net.PacketConn
	to   net.Addr
	data []byte
}

// Sender одна горутина-отправитель со своей очередью
type Sender struct {
	id     int
	jobs   chan sendJob
	pool   *Pool
	sent   atomic.Uint64
	errors atomic.Uint64
}

// Enqueue ставит датаграмму в очередь отправителя. Вызов не блокируется:
// при заполненной очереди датаграмма отбрасывается.
// Владение data переходит отправителю.
func (s *Sender) Enqueue(w net.PacketConn, to net.Addr, data []byte) error {
	if w == nil || to == nil {
		return fmt.Errorf("отправитель %d: не задан сокет или адрес", s.id)
	}

	s.pool.mu.RLock()
	defer s.pool.mu.RUnlock()
	if s.pool.closed {
		return ErrPoolClosed
	}

	select {
	case s.jobs <- sendJob{w: w, to: to, data: data}:
		return nil
	default:
		s.pool.dropped.Add(1)
		return ErrQueueFull
	}
}

func (s *Sender) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for job := range s.jobs {
		if _, err := job.w.WriteTo(job.data, job.to); err != nil {
			s.errors.Add(1)
			s.pool.logger.Debug("ошибка отправки датаграммы",
				slog.Int("sender", s.id),
				slog.String("to", job.to.String()),
				slog.String("error", err.Error()))
			continue
		}
		s.sent.Add(1)
	}
}

// Pool пул отправителей. Pick выбирает отправителя по кругу.
type Pool struct {
	senders []*Sender
	next    atomic.Uint64
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	logger *slog.Logger
}

// Stats статистика пула
type Stats struct {
	Sent    uint64
	Errors  uint64
	Dropped uint64
	Queued  int
}

// NewPool создает и запускает пул отправителей
func NewPool(cfg Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("неверная конфигурация пула: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		senders: make([]*Sender, cfg.Senders),
		logger:  logger.With(slog.String("component", "netio")),
	}
	for i := range p.senders {
		p.senders[i] = &Sender{
			id:   i,
			jobs: make(chan sendJob, cfg.QueueSize),
			pool: p,
		}
		p.wg.Add(1)
		go p.senders[i].run(&p.wg)
	}

	p.logger.Info("пул отправителей запущен", slog.Int("senders", cfg.Senders))
	return p, nil
}

// Pick возвращает следующего отправителя
func (p *Pool) Pick() *Sender {
	n := p.next.Add(1)
	return p.senders[(n-1)%uint64(len(p.senders))]
}

// Stats возвращает суммарную статистику отправителей
func (p *Pool) Stats() Stats {
	st := Stats{Dropped: p.dropped.Load()}
	for _, s := range p.senders {
		st.Sent += s.sent.Load()
		st.Errors += s.errors.Load()
		st.Queued += len(s.jobs)
	}
	return st
}

// Close останавливает отправителей после отправки уже поставленных датаграмм
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.closed = true
	for _, s := range p.senders {
		close(s.jobs)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("пул отправителей остановлен")
	return nil
}
