package relay

import "sync"

// Action решение процессора о дальнейшей судьбе пакета
type Action int

const (
	// ActionPass пакет продолжает обычную пересылку
	ActionPass Action = iota
	// ActionTake процессор забрал пакет себе
	ActionTake
)

// PktCtx контекст пакета в конвейере обработки
type PktCtx struct {
	Packet    *Packet
	StreamIn  Stream // поток, на который пришел пакет
	StreamOut Stream // поток, через который пакет уйдет дальше; может быть nil
	Aux       any    // данные, которые Taste передает в Enqueue
}

// Processor модуль, встроенный в конвейер.
//
// Taste решает, принадлежит ли пакет модулю, и может положить
// метаданные маршрутизации в PktCtx.Aux. Enqueue вызывается только
// после положительного Taste.
type Processor interface {
	Taste(pktx *PktCtx) bool
	Enqueue(pktx *PktCtx) Action
}

// Pipeline упорядоченный список процессоров
type Pipeline struct {
	mu    sync.RWMutex
	procs []Processor
}

// NewPipeline создает пустой конвейер
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// Register добавляет процессор в конец конвейера
func (p *Pipeline) Register(proc Processor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.procs = append(p.procs, proc)
}

// Unregister удаляет процессор из конвейера
func (p *Pipeline) Unregister(proc Processor) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, existing := range p.procs {
		if existing == proc {
			p.procs = append(p.procs[:i], p.procs[i+1:]...)
			return true
		}
	}
	return false
}

// Process предлагает пакет процессорам по порядку. Первый процессор,
// ответивший на Taste, получает пакет.
func (p *Pipeline) Process(pktx *PktCtx) Action {
	p.mu.RLock()
	procs := p.procs
	p.mu.RUnlock()

	for _, proc := range procs {
		if proc.Taste(pktx) {
			return proc.Enqueue(pktx)
		}
	}
	return ActionPass
}
