package dtlsconn

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/pion/transport/v2/packetio"
)

// размер входящего буфера рукопожатия
const endpointBufferLimit = 1 << 20

type endpointAddr string

func (a endpointAddr) Network() string { return "dtls-shim" }
func (a endpointAddr) String() string  { return string(a) }

// endpoint датаграммный net.Conn для движка pion: входящие записи
// приходят из очереди relay, исходящие уходят в функцию отправки.
type endpoint struct {
	in     *packetio.Buffer
	write  func([]byte) (int, error)
	closed atomic.Bool
	local  net.Addr
	remote net.Addr
}

func newEndpoint(id string, write func([]byte) (int, error)) *endpoint {
	buf := packetio.NewBuffer()
	buf.SetLimitSize(endpointBufferLimit)
	return &endpoint{
		in:     buf,
		write:  write,
		local:  endpointAddr(id + "/local"),
		remote: endpointAddr(id + "/remote"),
	}
}

// deliver кладет входящую датаграмму в буфер чтения
func (e *endpoint) deliver(b []byte) error {
	_, err := e.in.Write(b)
	return err
}

func (e *endpoint) Read(p []byte) (int, error) {
	return e.in.Read(p)
}

func (e *endpoint) Write(p []byte) (int, error) {
	if e.closed.Load() {
		return 0, net.ErrClosed
	}
	return e.write(p)
}

func (e *endpoint) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.in.Close()
}

func (e *endpoint) LocalAddr() net.Addr  { return e.local }
func (e *endpoint) RemoteAddr() net.Addr { return e.remote }

func (e *endpoint) SetDeadline(t time.Time) error {
	return e.in.SetReadDeadline(t)
}

func (e *endpoint) SetReadDeadline(t time.Time) error {
	return e.in.SetReadDeadline(t)
}

func (e *endpoint) SetWriteDeadline(time.Time) error {
	return nil
}
