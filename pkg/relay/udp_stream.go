package relay

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
)

// UDPStream поток relay поверх UDP сокета.
//
// Адрес получателя либо задается явно, либо запоминается по первому
// входящему пакету (latching).
type UDPStream struct {
	id     StreamID
	slots  *ModuleSlots
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	conn   net.PacketConn
	remote net.Addr
}

// NewUDPStream создает поток. conn может быть nil: сокет тогда
// создается позже через SocketSetup.
func NewUDPStream(id StreamID, conn net.PacketConn, nslots int) *UDPStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &UDPStream{
		id:     id,
		slots:  NewModuleSlots(nslots),
		ctx:    ctx,
		cancel: cancel,
		conn:   conn,
	}
}

// ID возвращает идентификатор потока
func (s *UDPStream) ID() StreamID { return s.id }

// Conn возвращает сокет потока или nil
func (s *UDPStream) Conn() net.PacketConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// SetConn устанавливает сокет, если его еще нет. Возвращает false,
// если сокет уже был.
func (s *UDPStream) SetConn(conn net.PacketConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return false
	}
	s.conn = conn
	return true
}

// Remote возвращает адрес получателя
func (s *UDPStream) Remote() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remote
}

// SetRemote задает адрес получателя
func (s *UDPStream) SetRemote(addr net.Addr) {
	s.mu.Lock()
	s.remote = addr
	s.mu.Unlock()
}

// Latch запоминает адрес отправителя, если адрес получателя еще неизвестен
func (s *UDPStream) Latch(from net.Addr) {
	if from == nil {
		return
	}
	s.mu.Lock()
	if s.remote == nil {
		s.remote = from
	}
	s.mu.Unlock()
}

// Sendable поток готов к отправке, когда есть сокет и адрес получателя
func (s *UDPStream) Sendable() bool {
	if s.ctx.Err() != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil && s.remote != nil
}

// Send передает пакет отправителю. Данные пакета переходят отправителю.
func (s *UDPStream) Send(sender Sender, pkt *Packet) error {
	if pkt.Size() > MaxPacketLen {
		return ErrPacketTooLarge
	}
	s.mu.RLock()
	conn, remote := s.conn, s.remote
	s.mu.RUnlock()

	if s.ctx.Err() != nil || remote == nil {
		return ErrNotSendable
	}
	if conn == nil {
		return ErrNoSocket
	}
	return sender.Enqueue(conn, remote, pkt.Data)
}

// ModuleSlot возвращает слот модуля
func (s *UDPStream) ModuleSlot(idx int) *atomic.Value { return s.slots.Slot(idx) }

// Context завершается при закрытии потока
func (s *UDPStream) Context() context.Context { return s.ctx }

// Close уничтожает поток: освобождает данные модулей и закрывает сокет
func (s *UDPStream) Close() error {
	s.cancel()
	s.slots.ReleaseAll()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
