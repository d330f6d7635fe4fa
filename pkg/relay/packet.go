package relay

import (
	"errors"
	"net"
	"time"

	"github.com/pion/rtp"
)

// MaxPacketLen максимальный размер пакета, который relay принимает и отправляет
const MaxPacketLen = 8192

// ErrPacketTooLarge пакет не помещается в буфер relay
var ErrPacketTooLarge = errors.New("пакет превышает максимальный размер")

// Packet пакет, пересылаемый relay между потоками.
//
// Владение пакетом передается вместе с ним: модуль, принявший пакет
// через Enqueue, может менять Data на месте и отправлять его дальше.
type Packet struct {
	Data  []byte
	From  net.Addr
	RTime time.Time
}

// NewPacket создает пакет с копией данных b
func NewPacket(b []byte) *Packet {
	data := make([]byte, len(b))
	copy(data, b)
	return &Packet{Data: data, RTime: time.Now()}
}

// Size возвращает текущий размер пакета
func (p *Packet) Size() int {
	return len(p.Data)
}

// Clone создает независимую копию пакета
func (p *Packet) Clone() *Packet {
	c := NewPacket(p.Data)
	c.From = p.From
	c.RTime = p.RTime
	return c
}

// Header разбирает RTP заголовок пакета
func (p *Packet) Header() (rtp.Header, error) {
	var h rtp.Header
	if _, err := h.Unmarshal(p.Data); err != nil {
		return rtp.Header{}, err
	}
	return h, nil
}

// SSRC возвращает идентификатор источника из RTP заголовка
func (p *Packet) SSRC() (uint32, error) {
	h, err := p.Header()
	if err != nil {
		return 0, err
	}
	return h.SSRC, nil
}
