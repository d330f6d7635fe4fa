package dtlsgw

import (
	"log/slog"
	"sync/atomic"

	"github.com/arzzra/dtls_gw/pkg/dtlsconn"
	"github.com/arzzra/dtls_gw/pkg/relay"
)

// connHolder обертка для atomic.Value: тип хранимого значения должен быть одним
type connHolder struct {
	conn dtlsconn.Connection
}

// Association привязка пары потоков к DTLS соединению.
//
// Одна ссылка принадлежит слоту потока и снимается при его уничтожении,
// остальные держат элементы очереди рабочего. Последний Release закрывает
// соединение и подменяет его заглушкой.
type Association struct {
	conn      atomic.Value // connHolder
	refs      atomic.Int64
	streamID  relay.StreamID
	onDestroy func()
}

func newAssociation(conn dtlsconn.Connection, streamID relay.StreamID) *Association {
	a := &Association{streamID: streamID}
	a.conn.Store(connHolder{conn: conn})
	a.refs.Store(1)
	return a
}

// Conn возвращает соединение ассоциации или заглушку после уничтожения
func (a *Association) Conn() dtlsconn.Connection {
	return a.conn.Load().(connHolder).conn
}

// StreamID возвращает идентификатор зашифрованного потока
func (a *Association) StreamID() relay.StreamID {
	return a.streamID
}

// Retain берет ссылку. Возвращает false, если ассоциация уже уничтожается.
func (a *Association) Retain() bool {
	for {
		n := a.refs.Load()
		if n <= 0 {
			return false
		}
		if a.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release отпускает ссылку; реализует relay.Releaser
func (a *Association) Release() {
	n := a.refs.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		panic("dtlsgw: лишний Release ассоциации")
	}

	conn := a.Conn()
	conn.Close()
	a.conn.Store(connHolder{conn: dtlsconn.Trap(conn.ID())})
	if a.onDestroy != nil {
		a.onDestroy()
	}
}

// slotRef ссылка слота потока на ассоциацию. Ссылку снимает ровно один
// из двух участников: уничтожение потока или отзыв кандидата в Attach.
type slotRef struct {
	assoc *Association
	held  atomic.Bool
}

func newSlotRef(a *Association) *slotRef {
	r := &slotRef{assoc: a}
	r.held.Store(true)
	return r
}

// Release реализует relay.Releaser; вызывается при уничтожении потока
func (r *slotRef) Release() {
	r.drop()
}

// drop снимает ссылку слота. true, если ее снял этот вызов.
func (r *slotRef) drop() bool {
	if !r.held.CompareAndSwap(true, false) {
		return false
	}
	r.assoc.Release()
	return true
}

// ConnFactory создает соединение для зашифрованного и открытого потоков.
// obs получает переходы состояний соединения.
type ConnFactory func(enc, plain relay.Stream, obs dtlsconn.StateObserver) (dtlsconn.Connection, error)

// Registry слоты ассоциаций в потоках relay
type Registry struct {
	idx     int
	newConn ConnFactory
	metrics *metrics
	logger  *slog.Logger
}

func newRegistry(idx int, newConn ConnFactory, m *metrics, logger *slog.Logger) *Registry {
	return &Registry{idx: idx, newConn: newConn, metrics: m, logger: logger}
}

func loadRef(slot *atomic.Value) *slotRef {
	ref, _ := slot.Load().(*slotRef)
	return ref
}

// Lookup читает слот потока без блокировок
func (r *Registry) Lookup(strm relay.Stream) *Association {
	if strm == nil {
		return nil
	}
	slot := strm.ModuleSlot(r.idx)
	if slot == nil {
		return nil
	}
	if ref := loadRef(slot); ref != nil {
		return ref.assoc
	}
	return nil
}

// Attach возвращает ассоциацию зашифрованного потока, создавая ее при
// первом обращении. Из нескольких одновременных кандидатов публикуется
// ровно один, остальные отбрасываются. created сообщает, что опубликован
// кандидат этого вызова.
func (r *Registry) Attach(enc, plain relay.Stream) (a *Association, created bool, err error) {
	slot := enc.ModuleSlot(r.idx)
	if slot == nil {
		return nil, false, &GatewayError{Code: ErrorCodeNoSlot, Message: "у потока нет слота модуля", StreamID: uint64(enc.ID())}
	}
	if ref := loadRef(slot); ref != nil {
		return ref.assoc, false, nil
	}
	if enc.Context().Err() != nil {
		return nil, false, &GatewayError{Code: ErrorCodeStreamClosed, Message: "поток уже уничтожен", StreamID: uint64(enc.ID())}
	}

	// переходы неопубликованного кандидата в метрики не попадают
	var published atomic.Bool
	observe := func(id string, from, to dtlsconn.State) {
		if published.Load() {
			r.metrics.observeTransition(id, from, to)
		}
	}
	conn, err := r.newConn(enc, plain, observe)
	if err != nil {
		return nil, false, &GatewayError{Code: ErrorCodeConnCreate, Message: "соединение не создано", StreamID: uint64(enc.ID()), Wrapped: err}
	}
	candidate := newAssociation(conn, enc.ID())
	candidate.onDestroy = func() {
		if published.Load() {
			r.metrics.connectionsActive.Dec()
		}
	}
	ref := newSlotRef(candidate)

	published.Store(true)
	if !slot.CompareAndSwap(nil, ref) {
		// кандидат никому не виден, таймеров и отправок у него нет
		published.Store(false)
		ref.drop()
		r.logger.Debug("ассоциация создана другим вызовом", slog.Uint64("stream_id", uint64(enc.ID())))
		return loadRef(slot).assoc, false, nil
	}
	r.metrics.connectionsTotal.Inc()
	r.metrics.connectionsActive.Inc()

	// поток мог быть уничтожен сразу после публикации; ссылку слота
	// снимает тот, кто успел первым
	if enc.Context().Err() != nil {
		ref.drop()
		return nil, false, &GatewayError{Code: ErrorCodeStreamClosed, Message: "поток уничтожен во время создания ассоциации", StreamID: uint64(enc.ID())}
	}

	r.logger.Info("создана DTLS ассоциация",
		slog.Uint64("stream_id", uint64(enc.ID())),
		slog.String("conn_id", conn.ID()))
	return candidate, true, nil
}
