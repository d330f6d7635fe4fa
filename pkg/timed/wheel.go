// Package timed подсистема таймеров relay: запуск обратного вызова в
// заданный момент, привязанный ко времени жизни владельца.
//
// Обратные вызовы выполняются в горутинах таймеров, а не в горутине,
// поставившей задачу. Завершение контекста владельца подавляет вызов
// без явной отмены.
package timed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed планировщик остановлен
var ErrClosed = errors.New("планировщик таймеров остановлен")

// Callback вызывается в момент срабатывания с фактическим временем
type Callback func(now time.Time)

// Task запланированная задача
type Task interface {
	// Cancel отменяет задачу. Возвращает false, если задача уже
	// сработала или была отменена.
	Cancel() bool
}

// Scheduler планирует задачи, привязанные к владельцу
type Scheduler interface {
	Schedule(at time.Time, holder context.Context, cb Callback) (Task, error)
}

const (
	taskPending int32 = iota
	taskFired
	taskCancelled
)

type wheelTask struct {
	state  atomic.Int32
	timer  *time.Timer
	holder context.Context
	cb     Callback
	wheel  *Wheel
}

func (t *wheelTask) fire() {
	t.wheel.forget(t)
	if t.holder != nil && t.holder.Err() != nil {
		t.state.CompareAndSwap(taskPending, taskCancelled)
		return
	}
	if !t.state.CompareAndSwap(taskPending, taskFired) {
		return
	}
	t.cb(time.Now())
}

func (t *wheelTask) Cancel() bool {
	if !t.state.CompareAndSwap(taskPending, taskCancelled) {
		return false
	}
	t.timer.Stop()
	t.wheel.forget(t)
	return true
}

// Wheel планировщик на time.AfterFunc
type Wheel struct {
	mu     sync.Mutex
	tasks  map[*wheelTask]struct{}
	closed bool
}

// NewWheel создает планировщик
func NewWheel() *Wheel {
	return &Wheel{tasks: make(map[*wheelTask]struct{})}
}

// Schedule ставит задачу на момент at. Момент в прошлом означает
// немедленное срабатывание.
func (w *Wheel) Schedule(at time.Time, holder context.Context, cb Callback) (Task, error) {
	if cb == nil {
		return nil, errors.New("обратный вызов не задан")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}

	t := &wheelTask{holder: holder, cb: cb, wheel: w}
	w.tasks[t] = struct{}{}
	t.timer = time.AfterFunc(time.Until(at), t.fire)
	return t, nil
}

// Pending возвращает количество ожидающих задач
func (w *Wheel) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tasks)
}

func (w *Wheel) forget(t *wheelTask) {
	w.mu.Lock()
	delete(w.tasks, t)
	w.mu.Unlock()
}

// Close отменяет все ожидающие задачи и запрещает новые
func (w *Wheel) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	pending := make([]*wheelTask, 0, len(w.tasks))
	for t := range w.tasks {
		pending = append(pending, t)
	}
	w.mu.Unlock()

	for _, t := range pending {
		t.Cancel()
	}
}
