package relay

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemStream поток без сокета: отправленные пакеты передаются в функцию
// доставки или накапливаются в памяти. Используется в тестах модулей и
// для локальной связки двух узлов.
type MemStream struct {
	id       StreamID
	slots    *ModuleSlots
	ctx      context.Context
	cancel   context.CancelFunc
	sendable atomic.Bool

	mu      sync.Mutex
	deliver func(*Packet)
	sent    []*Packet
}

// NewMemStream создает поток с nslots слотами модулей
func NewMemStream(id StreamID, nslots int) *MemStream {
	ctx, cancel := context.WithCancel(context.Background())
	m := &MemStream{
		id:     id,
		slots:  NewModuleSlots(nslots),
		ctx:    ctx,
		cancel: cancel,
	}
	m.sendable.Store(true)
	return m
}

// ID возвращает идентификатор потока
func (m *MemStream) ID() StreamID { return m.id }

// Sendable сообщает, можно ли отправлять через поток
func (m *MemStream) Sendable() bool {
	return m.sendable.Load() && m.ctx.Err() == nil
}

// SetSendable включает или выключает отправку
func (m *MemStream) SetSendable(v bool) { m.sendable.Store(v) }

// SetDeliver задает функцию, которая получает каждый отправленный пакет.
// Функция вызывается синхронно из Send.
func (m *MemStream) SetDeliver(fn func(*Packet)) {
	m.mu.Lock()
	m.deliver = fn
	m.mu.Unlock()
}

// Send передает пакет функции доставки или сохраняет его.
// Отправитель не используется.
func (m *MemStream) Send(_ Sender, pkt *Packet) error {
	if !m.Sendable() {
		return ErrNotSendable
	}
	if pkt.Size() > MaxPacketLen {
		return ErrPacketTooLarge
	}

	m.mu.Lock()
	deliver := m.deliver
	if deliver == nil {
		m.sent = append(m.sent, pkt)
	}
	m.mu.Unlock()

	if deliver != nil {
		deliver(pkt)
	}
	return nil
}

// Sent возвращает копию списка накопленных пакетов
func (m *MemStream) Sent() []*Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Packet, len(m.sent))
	copy(out, m.sent)
	return out
}

// ModuleSlot возвращает слот модуля
func (m *MemStream) ModuleSlot(idx int) *atomic.Value { return m.slots.Slot(idx) }

// Context завершается при закрытии потока
func (m *MemStream) Context() context.Context { return m.ctx }

// Close уничтожает поток и освобождает данные модулей
func (m *MemStream) Close() {
	m.cancel()
	m.slots.ReleaseAll()
}
