package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/arzzra/dtls_gw/pkg/netio"
)

// SessionConfig параметры медиасессии relay
type SessionConfig struct {
	Pool     SenderPool         // Пул отправителей
	Pipeline *Pipeline          // Конвейер модулей; nil = только пересылка
	Table    *Table             // Таблица, в которой регистрируются потоки сессии
	BindAddr string             // Локальный адрес для сокетов, создаваемых EnsureSocket
	Socket   netio.SocketConfig // Настройки создаваемых сокетов
	Slots    int                // Количество слотов модулей у потоков
	Logger   *slog.Logger
}

// Session пара потоков, пересылающих пакеты друг другу.
// Пакет, принятый на одном потоке, проходит через конвейер модулей и,
// если никакой модуль его не забрал, отправляется через второй поток.
type Session struct {
	legs   [2]*UDPStream
	config SessionConfig
	logger *slog.Logger

	mu      sync.Mutex
	running [2]bool
	closed  bool
	wg      sync.WaitGroup
}

// NewSession создает сессию из двух потоков с идентификаторами ids.
// conns может содержать nil: сокет такого потока создается через EnsureSocket.
func NewSession(cfg SessionConfig, ids [2]StreamID, conns [2]net.PacketConn) (*Session, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("пул отправителей обязателен")
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:0"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		config: cfg,
		logger: logger.With(slog.String("component", "relay_session")),
	}
	for i := range s.legs {
		s.legs[i] = NewUDPStream(ids[i], conns[i], cfg.Slots)
		if cfg.Table != nil {
			cfg.Table.Set(s.legs[i])
		}
	}
	return s, nil
}

// Leg возвращает поток сессии с индексом 0 или 1
func (s *Session) Leg(i int) *UDPStream {
	return s.legs[i]
}

func (s *Session) peer(strm Stream) *UDPStream {
	if s.legs[0].ID() == strm.ID() {
		return s.legs[1]
	}
	return s.legs[0]
}

// Start запускает прием на потоках, у которых есть сокет
func (s *Session) Start() {
	for i := range s.legs {
		s.startLeg(i)
	}
}

func (s *Session) startLeg(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.running[i] || s.legs[i].Conn() == nil {
		return
	}
	s.running[i] = true
	s.wg.Add(1)
	go s.receiveLoop(s.legs[i])
}

// EnsureSocket создает сокет потока, если его нет, и запускает прием
func (s *Session) EnsureSocket(strm Stream) error {
	for i, leg := range s.legs {
		if leg.ID() != strm.ID() {
			continue
		}
		if leg.Conn() == nil {
			conn, err := netio.ListenUDP(s.config.BindAddr, s.config.Socket)
			if err != nil {
				return fmt.Errorf("не удалось создать сокет потока %d: %w", leg.ID(), err)
			}
			if !leg.SetConn(conn) {
				conn.Close()
			}
		}
		s.startLeg(i)
		return nil
	}
	return fmt.Errorf("поток %d не принадлежит сессии", strm.ID())
}

func (s *Session) receiveLoop(leg *UDPStream) {
	defer s.wg.Done()
	conn := leg.Conn()
	buf := make([]byte, MaxPacketLen)

	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || leg.Context().Err() != nil {
				return
			}
			s.logger.Debug("ошибка чтения из сокета",
				slog.Uint64("stream", uint64(leg.ID())),
				slog.String("error", err.Error()))
			continue
		}

		pkt := NewPacket(buf[:n])
		pkt.From = from
		pkt.RTime = time.Now()
		leg.Latch(from)
		s.forward(leg, pkt)
	}
}

func (s *Session) forward(in *UDPStream, pkt *Packet) {
	out := s.peer(in)
	pktx := &PktCtx{Packet: pkt, StreamIn: in, StreamOut: out}

	if s.config.Pipeline != nil && s.config.Pipeline.Process(pktx) == ActionTake {
		return
	}
	if !out.Sendable() {
		return
	}
	if err := out.Send(s.config.Pool.Pick(), pkt); err != nil {
		s.logger.Debug("пакет не переслан",
			slog.Uint64("stream", uint64(out.ID())),
			slog.String("error", err.Error()))
	}
}

// Close закрывает оба потока и ждет завершения приема
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	for _, leg := range s.legs {
		if s.config.Table != nil {
			s.config.Table.Delete(leg.ID())
		}
		leg.Close()
	}
	s.wg.Wait()
}
