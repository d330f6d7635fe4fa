package dtlsgw

import (
	"sync"

	"github.com/arzzra/dtls_gw/pkg/relay"
)

// workItem пакет с маршрутом и удержанной ассоциацией
type workItem struct {
	pkt   *relay.Packet
	dir   Direction
	assoc *Association
	strm  relay.Stream
	stop  bool // сигнал остановки рабочего
}

// Worker единственная горутина, которая разбирает входную очередь по порядку
type Worker struct {
	queue  chan workItem
	handle func(workItem)
	depth  func(int)

	mu      sync.RWMutex
	started bool
	stopped bool
	done    chan struct{}
}

// newWorker создает рабочего с очередью емкостью size. depth получает
// длину очереди после каждого изменения и может быть nil.
func newWorker(size int, handle func(workItem), depth func(int)) *Worker {
	if depth == nil {
		depth = func(int) {}
	}
	return &Worker{
		queue:  make(chan workItem, size),
		handle: handle,
		depth:  depth,
		done:   make(chan struct{}),
	}
}

// Start запускает горутину рабочего. Повторные вызовы ничего не делают.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.stopped {
		return
	}
	w.started = true
	go w.run()
}

func (w *Worker) run() {
	defer close(w.done)
	for item := range w.queue {
		w.depth(len(w.queue))
		if item.stop {
			return
		}
		w.handle(item)
	}
}

// Put ставит элемент в очередь. Полная очередь блокирует вызывающего,
// пока рабочий ее не разберет.
func (w *Worker) Put(item workItem) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return &GatewayError{Code: ErrorCodeQueueStopped, Message: "рабочий остановлен"}
	}
	w.queue <- item
	w.depth(len(w.queue))
	return nil
}

// Stop ставит в очередь сигнал остановки и ждет, пока рабочий разберет
// все, что было поставлено до него.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	started := w.started
	w.mu.Unlock()

	if !started {
		// рабочий не запускался: освобождаем накопленное сами
		for {
			select {
			case item := <-w.queue:
				if item.assoc != nil {
					item.assoc.Release()
				}
			default:
				return
			}
		}
	}
	w.queue <- workItem{stop: true}
	<-w.done
}
