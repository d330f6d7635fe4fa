// Package relay описывает объектную модель медиа-relay, с которой работают
// модули: потоки, пакеты, пул отправителей и конвейер обработки пакетов.
//
// Модули не владеют сокетами и не отправляют данные сами. Они получают
// пакет от конвейера, преобразуют его и передают потоку вместе с
// дескриптором отправителя из асинхронной подсистемы ввода-вывода.
package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
)

// StreamID идентификатор потока, уникальный в пределах процесса
type StreamID uint64

var (
	// ErrNotSendable поток еще не знает адрес получателя или уже закрыт
	ErrNotSendable = errors.New("поток недоступен для отправки")
	// ErrNoSocket у потока нет сокета
	ErrNoSocket = errors.New("у потока нет сокета")
)

// Stream поток relay, один из двух направлений медиасессии.
type Stream interface {
	// ID возвращает идентификатор потока
	ID() StreamID
	// Sendable сообщает, можно ли сейчас отправлять через поток
	Sendable() bool
	// Send передает пакет на отправку через указанный отправитель.
	// Вызов не блокируется на сетевом вводе-выводе.
	Send(s Sender, pkt *Packet) error
	// ModuleSlot возвращает слот данных модуля с индексом idx
	// или nil, если такого модуля у потока нет.
	ModuleSlot(idx int) *atomic.Value
	// Context завершается при уничтожении потока
	Context() context.Context
}

// Sender дескриптор одного отправителя асинхронной подсистемы ввода-вывода
type Sender interface {
	Enqueue(w net.PacketConn, to net.Addr, data []byte) error
}

// SenderPool пул отправителей; политика выбора принадлежит пулу
type SenderPool interface {
	Pick() Sender
}

// SenderPoolFunc адаптер функции выбора отправителя к SenderPool
type SenderPoolFunc func() Sender

// Pick вызывает f
func (f SenderPoolFunc) Pick() Sender {
	return f()
}

// Directory поиск потока по идентификатору.
// Используется вместо владеющих ссылок там, где ссылка образовала бы цикл.
type Directory interface {
	Lookup(id StreamID) (Stream, bool)
}

// SocketSetup гарантирует наличие сокета у потока перед активной отправкой
type SocketSetup interface {
	EnsureSocket(strm Stream) error
}

// Releaser данные модуля, которые освобождаются при уничтожении потока
type Releaser interface {
	Release()
}

// ModuleSlots массив слотов данных модулей, по одному на модуль.
// Слот заполняется не более одного раза и освобождается вместе с потоком.
type ModuleSlots struct {
	slots       []atomic.Value
	releaseOnce sync.Once
}

// NewModuleSlots создает массив из n пустых слотов
func NewModuleSlots(n int) *ModuleSlots {
	return &ModuleSlots{slots: make([]atomic.Value, n)}
}

// Slot возвращает слот модуля idx или nil
func (m *ModuleSlots) Slot(idx int) *atomic.Value {
	if m == nil || idx < 0 || idx >= len(m.slots) {
		return nil
	}
	return &m.slots[idx]
}

// ReleaseAll освобождает данные всех модулей. Повторные вызовы ничего не делают.
func (m *ModuleSlots) ReleaseAll() {
	m.releaseOnce.Do(func() {
		for i := range m.slots {
			if r, ok := m.slots[i].Load().(Releaser); ok {
				r.Release()
			}
		}
	})
}
