package dtlsgw

import (
	"github.com/arzzra/dtls_gw/pkg/relay"
)

// Граница демультиплексирования DTLS записей по первому байту
const (
	dtlsMinRecordLen  = 13
	dtlsContentTypeLo = 20
	dtlsContentTypeHi = 63
)

// Direction метка маршрута пакета внутри модуля
type Direction int

const (
	// DirHandshakeIn входящая запись рукопожатия
	DirHandshakeIn Direction = iota
	// DirMediaIn входящий SRTP для расшифровки
	DirMediaIn
	// DirMediaOut исходящий RTP для шифрования
	DirMediaOut
)

func (d Direction) String() string {
	switch d {
	case DirHandshakeIn:
		return "handshake_in"
	case DirMediaIn:
		return "media_in"
	case DirMediaOut:
		return "media_out"
	default:
		return "unknown"
	}
}

// IsDTLSRecord сообщает, похож ли пакет на DTLS запись
func IsDTLSRecord(b []byte) bool {
	return len(b) >= dtlsMinRecordLen && b[0] >= dtlsContentTypeLo && b[0] <= dtlsContentTypeHi
}

// route метаданные, которые Taste передает в Enqueue через PktCtx.Aux.
// Ассоциация уже удержана и освобождается рабочим.
type route struct {
	dir   Direction
	assoc *Association
	strm  relay.Stream
}

// classify определяет маршрут пакета. Пакет на поток с ассоциацией
// зашифрован; пакет, уходящий в поток с ассоциацией, нужно зашифровать.
func classify(reg *Registry, pktx *relay.PktCtx) (route, bool) {
	if a := reg.Lookup(pktx.StreamIn); a != nil {
		dir := DirMediaIn
		if IsDTLSRecord(pktx.Packet.Data) {
			dir = DirHandshakeIn
		}
		return route{dir: dir, assoc: a, strm: pktx.StreamIn}, true
	}
	if pktx.StreamOut == nil {
		return route{}, false
	}
	if a := reg.Lookup(pktx.StreamOut); a != nil {
		return route{dir: DirMediaOut, assoc: a, strm: pktx.StreamOut}, true
	}
	return route{}, false
}

// Taste реализует relay.Processor
func (m *Module) Taste(pktx *relay.PktCtx) bool {
	rt, ok := classify(m.registry, pktx)
	if !ok {
		return false
	}
	// ассоциация уничтожается вместе с потоком; такой пакет не наш
	if !rt.assoc.Retain() {
		return false
	}
	pktx.Aux = rt
	return true
}

// Enqueue реализует relay.Processor. Пакет всегда забирается модулем,
// даже если очередь уже остановлена.
func (m *Module) Enqueue(pktx *relay.PktCtx) relay.Action {
	rt, ok := pktx.Aux.(route)
	if !ok {
		return relay.ActionPass
	}
	item := workItem{pkt: pktx.Packet, dir: rt.dir, assoc: rt.assoc, strm: rt.strm}
	if err := m.worker.Put(item); err != nil {
		m.metrics.packetsDropped.WithLabelValues(rt.dir.String(), "stopped").Inc()
		rt.assoc.Release()
	}
	return relay.ActionTake
}
