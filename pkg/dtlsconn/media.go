package dtlsconn

import (
	"fmt"
	"log/slog"

	"github.com/pion/rtp"
	"github.com/pion/srtp/v2"

	"github.com/arzzra/dtls_gw/pkg/relay"
)

// inboundContext входящий контекст SRTP с фильтром SSRC
type inboundContext struct {
	ctx     *srtp.Context
	ssrc    uint32
	anySSRC bool
}

func (ic *inboundContext) setFilter(ssrc uint32, has bool) {
	ic.ssrc = ssrc
	ic.anySSRC = !has
}

func (c *Conn) notUp(st State) error {
	if st == StateDead {
		c.logger.Debug("медиапакет для dead соединения отброшен")
		return ErrConnDead
	}
	return ErrNotEstablished
}

// DecryptIn расшифровывает SRTP пакет и отправляет его в открытый поток
func (c *Conn) DecryptIn(pkt *relay.Packet) error {
	c.mu.Lock()
	if st := c.state(); st != StateUp {
		c.mu.Unlock()
		return c.notUp(st)
	}

	var h rtp.Header
	if _, err := h.Unmarshal(pkt.Data); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if !c.srtpIn.anySSRC && h.SSRC != c.srtpIn.ssrc {
		c.mu.Unlock()
		return fmt.Errorf("%w: 0x%08x", ErrSSRCMismatch, h.SSRC)
	}
	plain, err := c.srtpIn.ctx.DecryptRTP(nil, pkt.Data, &h)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	pkt.Data = plain
	return c.forward(c.plain, pkt)
}

// EncryptOut шифрует RTP пакет и отправляет его в зашифрованный поток
func (c *Conn) EncryptOut(pkt *relay.Packet) error {
	c.mu.Lock()
	if st := c.state(); st != StateUp {
		c.mu.Unlock()
		return c.notUp(st)
	}
	protected, err := c.srtpOut.EncryptRTP(nil, pkt.Data, nil)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncrypt, err)
	}

	strm, ok := c.dir.Lookup(c.encID)
	if !ok {
		return ErrStreamGone
	}
	pkt.Data = protected
	return c.forward(strm, pkt)
}

func (c *Conn) forward(strm relay.Stream, pkt *relay.Packet) error {
	if err := strm.Send(c.pool.Pick(), pkt); err != nil {
		return fmt.Errorf("пакет не отправлен в поток %d: %w", strm.ID(), err)
	}
	return nil
}

// writeHandshake отправляет датаграмму рукопожатия через зашифрованный поток.
// Вызывается из горутины движка без блокировки соединения.
func (c *Conn) writeHandshake(b []byte) (int, error) {
	if len(b) > relay.MaxPacketLen {
		return 0, fmt.Errorf("%w: %d байт", ErrPacketTooLarge, len(b))
	}
	strm, ok := c.dir.Lookup(c.encID)
	if !ok {
		return 0, ErrStreamGone
	}
	if !strm.Sendable() {
		return 0, relay.ErrNotSendable
	}

	if err := strm.Send(c.pool.Pick(), relay.NewPacket(b)); err != nil {
		c.logger.Debug("датаграмма рукопожатия не отправлена", slog.String("error", err.Error()))
		return 0, err
	}
	return len(b), nil
}
