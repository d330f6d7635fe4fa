package dtlsgw

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/dtls_gw/pkg/dtlsconn"
	"github.com/arzzra/dtls_gw/pkg/relay"
)

var hex64 = strings.Repeat("ab", 32)

// TestParseArgs проверяет разбор аргументов команды
func TestParseArgs(t *testing.T) {
	verb, spec, err := ParseArgs([]string{"A", "sha-256", hex64})
	require.NoError(t, err)
	assert.Equal(t, "a", verb)
	assert.Equal(t, dtlsconn.ModeActive, spec.PeerMode)
	assert.Empty(t, spec.SSRC)

	verb, spec, err = ParseArgs([]string{"p", "sha-256", hex64, "1234"})
	require.NoError(t, err)
	assert.Equal(t, "p", verb)
	assert.Equal(t, dtlsconn.ModePassive, spec.PeerMode)
	assert.Equal(t, "1234", spec.SSRC)

	verb, spec, err = ParseArgs([]string{"S"})
	require.NoError(t, err)
	assert.Equal(t, "s", verb)
	assert.Nil(t, spec)

	cases := []struct {
		args []string
		code GatewayErrorCode
	}{
		{nil, ErrorCodeBadArgCount},
		{[]string{"a", "sha-256"}, ErrorCodeBadArgCount},
		{[]string{"a"}, ErrorCodeBadArgCount},
		{[]string{"s", "sha-256", hex64}, ErrorCodeBadArgCount},
		{[]string{"a", "1", "2", "3", "4"}, ErrorCodeBadArgCount},
		{[]string{"x"}, ErrorCodeBadVerb},
		{[]string{"actpass", "sha-256", hex64}, ErrorCodeBadVerb},
	}
	for _, tc := range cases {
		_, _, err := ParseArgs(tc.args)
		assert.True(t, HasCode(err, tc.code), "%v: %v", tc.args, err)
		assert.ErrorIs(t, err, ErrCommand)
	}
}

// TestIsDTLSRecord проверяет границы демультиплексирования
func TestIsDTLSRecord(t *testing.T) {
	rec := func(first byte, n int) []byte {
		b := make([]byte, n)
		b[0] = first
		return b
	}
	assert.True(t, IsDTLSRecord(rec(22, 13)))
	assert.True(t, IsDTLSRecord(rec(20, 40)))
	assert.True(t, IsDTLSRecord(rec(63, 40)))
	assert.False(t, IsDTLSRecord(rec(22, 10)), "короче минимальной записи")
	assert.False(t, IsDTLSRecord(rec(19, 40)))
	assert.False(t, IsDTLSRecord(rec(64, 40)))
	assert.False(t, IsDTLSRecord(rec(0x80, 40)), "RTP")
	assert.False(t, IsDTLSRecord(nil))
}

// TestClassifier проверяет маршрутизацию пакетов по слотам потоков
func TestClassifier(t *testing.T) {
	n := newNode(t, 1, 2)
	other := relay.NewMemStream(9, 1)
	defer other.Close()

	_, err := n.mod.HandleCommand(&Command{Args: []string{"a", "sha-256", hex64}, StreamIn: n.enc, StreamOut: n.plain})
	require.NoError(t, err)
	assoc := n.mod.Registry().Lookup(n.enc)
	require.NotNil(t, assoc)

	taste := func(data []byte, in, out relay.Stream) (route, bool) {
		pktx := &relay.PktCtx{Packet: relay.NewPacket(data), StreamIn: in, StreamOut: out}
		if !n.mod.Taste(pktx) {
			return route{}, false
		}
		rt := pktx.Aux.(route)
		rt.assoc.Release()
		return rt, true
	}

	short := make([]byte, 10)
	short[0] = 22
	rt, ok := taste(short, n.enc, n.plain)
	require.True(t, ok)
	assert.Equal(t, DirMediaIn, rt.dir, "10 байт не DTLS запись")

	hs := make([]byte, 40)
	hs[0] = 22
	rt, ok = taste(hs, n.enc, n.plain)
	require.True(t, ok)
	assert.Equal(t, DirHandshakeIn, rt.dir)
	assert.Same(t, assoc, rt.assoc)

	rt, ok = taste([]byte{0x80, 0, 0, 1}, n.plain, n.enc)
	require.True(t, ok)
	assert.Equal(t, DirMediaOut, rt.dir)
	assert.Equal(t, n.enc.ID(), rt.strm.ID())

	_, ok = taste([]byte{0x80}, n.plain, nil)
	assert.False(t, ok)
	_, ok = taste([]byte{0x80}, other, n.plain)
	assert.False(t, ok)

	assert.EqualValues(t, 1, assoc.refs.Load(), "ссылки классификатора отпущены")
}

// TestConcurrentCommandsSingleAssociation проверяет, что одновременные
// команды создают ровно одну ассоциацию
func TestConcurrentCommandsSingleAssociation(t *testing.T) {
	n := newNode(t, 1, 2)

	const workers = 32
	var wg sync.WaitGroup
	responses := make([]string, workers)
	errs := make([]error, workers)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			responses[i], errs[i] = n.mod.HandleCommand(&Command{
				Args:     []string{"a", "sha-256", hex64},
				StreamIn: n.enc, StreamOut: n.plain,
			})
		}(i)
	}
	close(start)
	wg.Wait()

	want := "passive " + n.mod.LocalFingerprint()
	for i := range responses {
		require.NoError(t, errs[i])
		assert.Equal(t, want, responses[i])
	}
	assert.EqualValues(t, 1, metricValue(t, n.reg, "rtpproxy_dtls_gw_connections_total"))
	assert.EqualValues(t, 1, metricValue(t, n.reg, "rtpproxy_dtls_gw_connections_active"))
	assert.GreaterOrEqual(t, n.built.Load(), int64(1))

	assoc := n.mod.Registry().Lookup(n.enc)
	require.NotNil(t, assoc)
	assert.Equal(t, dtlsconn.StateInit, assoc.Conn().State())
	assert.Equal(t, dtlsconn.ModePassive, assoc.Conn().Mode())
	assert.Zero(t, n.wheel.Pending(), "кандидаты не ставят таймеров")
	assert.Empty(t, n.enc.Sent(), "кандидаты ничего не отправляют")
}

// TestConcurrentAttach проверяет, что все вызовы получают одного победителя
func TestConcurrentAttach(t *testing.T) {
	n := newNode(t, 1, 2)

	const workers = 16
	var wg sync.WaitGroup
	got := make([]*Association, workers)
	created := make([]bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, c, err := n.mod.Registry().Attach(n.enc, n.plain)
			assert.NoError(t, err)
			got[i], created[i] = a, c
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := range got {
		assert.Same(t, got[0], got[i])
		if created[i] {
			winners++
		}
	}
	assert.Equal(t, 1, winners)

	// проигравшие кандидаты закрываются без следа в метриках
	assert.EqualValues(t, 1, metricValue(t, n.reg, "rtpproxy_dtls_gw_connections_total"))
	assert.EqualValues(t, 1, metricValue(t, n.reg, "rtpproxy_dtls_gw_connections_active"))
	assert.Zero(t, metricValue(t, n.reg, "rtpproxy_dtls_gw_state_transitions_total"))
}

// closingStream уничтожается сразу после публикации ассоциации в его слот
type closingStream struct {
	*relay.MemStream
	once sync.Once
}

func (s *closingStream) Context() context.Context {
	if s.ModuleSlot(DefaultModuleIndex).Load() != nil {
		s.once.Do(s.Close)
	}
	return s.MemStream.Context()
}

// TestAttachRacesStreamTeardown проверяет уничтожение потока между
// публикацией ассоциации и возвратом из Attach
func TestAttachRacesStreamTeardown(t *testing.T) {
	n := newNode(t, 1, 2)
	enc := &closingStream{MemStream: relay.NewMemStream(9, 1)}
	n.table.Set(enc)

	var (
		a   *Association
		err error
	)
	require.NotPanics(t, func() {
		a, _, err = n.mod.Registry().Attach(enc, n.plain)
	})
	assert.Nil(t, a)
	assert.True(t, HasCode(err, ErrorCodeStreamClosed))

	published := n.mod.Registry().Lookup(enc)
	require.NotNil(t, published)
	assert.Equal(t, dtlsconn.StateDead, published.Conn().State())
	assert.False(t, published.Retain())
	assert.EqualValues(t, 1, metricValue(t, n.reg, "rtpproxy_dtls_gw_connections_total"))
	assert.Zero(t, metricValue(t, n.reg, "rtpproxy_dtls_gw_connections_active"))
}

// TestCommandMd5Rejected проверяет отказ от неподдерживаемого алгоритма
func TestCommandMd5Rejected(t *testing.T) {
	n := newNode(t, 1, 2)

	resp, err := n.mod.HandleCommand(&Command{
		Args:     []string{"a", "md5", strings.Repeat("ab", 16)},
		StreamIn: n.enc, StreamOut: n.plain,
	})
	assert.Empty(t, resp)
	assert.ErrorIs(t, err, ErrCommand)
	assert.ErrorIs(t, err, dtlsconn.ErrUnsupportedAlgorithm)
	assert.True(t, HasCode(err, ErrorCodeModeRejected))

	assoc := n.mod.Registry().Lookup(n.enc)
	require.NotNil(t, assoc)
	assert.Equal(t, dtlsconn.StateInit, assoc.Conn().State())

	// статус отвечает о встречном направлении
	resp, err = n.mod.HandleCommand(&Command{Args: []string{"s"}, StreamIn: n.plain, StreamOut: n.enc})
	require.NoError(t, err)
	assert.Equal(t, "actpass "+n.mod.LocalFingerprint(), resp)
	assert.EqualValues(t, 2, metricValue(t, n.reg, "rtpproxy_dtls_gw_commands_total"))
}

type fakeSession struct {
	mu    sync.Mutex
	calls []relay.StreamID
	err   error
}

func (s *fakeSession) EnsureSocket(strm relay.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, strm.ID())
	return s.err
}

// TestCommandPassivePeerEnsuresSocket проверяет подготовку сокета, когда мы active
func TestCommandPassivePeerEnsuresSocket(t *testing.T) {
	n := newNode(t, 1, 2)
	sess := &fakeSession{err: errors.New("нет портов")}

	_, err := n.mod.HandleCommand(&Command{
		Args:     []string{"p", "sha-256", hex64},
		StreamIn: n.enc, StreamOut: n.plain, Session: sess,
	})
	assert.True(t, HasCode(err, ErrorCodeSocketSetup))
	assert.Equal(t, []relay.StreamID{n.enc.ID()}, sess.calls)
	assert.Equal(t, dtlsconn.StateInit, n.mod.Registry().Lookup(n.enc).Conn().State(),
		"без сокета рукопожатие не начинается")

	// удаленная сторона active: сокет не нужен
	_, err = n.mod.HandleCommand(&Command{
		Args:     []string{"a", "sha-256", hex64},
		StreamIn: n.enc, StreamOut: n.plain, Session: sess,
	})
	require.NoError(t, err)
	assert.Len(t, sess.calls, 1)
}

// TestCommandWithoutStreams проверяет команду без пары потоков
func TestCommandWithoutStreams(t *testing.T) {
	n := newNode(t, 1, 2)
	_, err := n.mod.HandleCommand(&Command{Args: []string{"s"}, StreamIn: n.plain})
	assert.ErrorIs(t, err, ErrCommand)
}

// TestWorkerFIFO проверяет порядок обработки и остановку рабочего
func TestWorkerFIFO(t *testing.T) {
	var mu sync.Mutex
	var seen []int
	w := newWorker(8, func(item workItem) {
		mu.Lock()
		seen = append(seen, item.pkt.Size())
		mu.Unlock()
	}, nil)
	w.Start()

	for i := 1; i <= 100; i++ {
		require.NoError(t, w.Put(workItem{pkt: relay.NewPacket(make([]byte, i))}))
	}
	w.Stop()

	require.Len(t, seen, 100)
	for i, size := range seen {
		assert.Equal(t, i+1, size)
	}

	err := w.Put(workItem{pkt: relay.NewPacket([]byte{1})})
	assert.True(t, HasCode(err, ErrorCodeQueueStopped))
	w.Stop()
}

// TestAssociationLifecycle проверяет подсчет ссылок и заглушку
func TestAssociationLifecycle(t *testing.T) {
	n := newNode(t, 1, 2)
	a, created, err := n.mod.Registry().Attach(n.enc, n.plain)
	require.NoError(t, err)
	require.True(t, created)
	live := a.Conn()

	require.True(t, a.Retain())
	a.Release()
	assert.Same(t, live, a.Conn())

	// уничтожение потока отпускает ссылку слота
	n.enc.Close()
	assert.Equal(t, dtlsconn.StateDead, live.State())
	assert.Equal(t, dtlsconn.StateDead, a.Conn().State())
	assert.IsType(t, dtlsconn.Trap(""), a.Conn())
	assert.Equal(t, live.ID(), a.Conn().ID())
	assert.False(t, a.Retain())
	assert.Zero(t, metricValue(t, n.reg, "rtpproxy_dtls_gw_connections_active"))

	_, _, err = n.mod.Registry().Attach(relay.NewMemStream(5, 0), n.plain)
	assert.True(t, HasCode(err, ErrorCodeNoSlot))
}

// TestAttachToClosedStream проверяет отказ для уничтоженного потока
func TestAttachToClosedStream(t *testing.T) {
	n := newNode(t, 1, 2)
	dead := relay.NewMemStream(7, 1)
	dead.Close()
	_, _, err := n.mod.Registry().Attach(dead, n.plain)
	assert.True(t, HasCode(err, ErrorCodeStreamClosed))
	assert.Zero(t, metricValue(t, n.reg, "rtpproxy_dtls_gw_connections_total"))
}

// link замыкает зашифрованные потоки двух узлов: отправленное в поток
// одного узла приходит в конвейер другого
func link(from, to *node) {
	from.enc.SetDeliver(func(pkt *relay.Packet) {
		pktx := &relay.PktCtx{Packet: pkt.Clone(), StreamIn: to.enc, StreamOut: to.plain}
		to.pipeline.Process(pktx)
	})
}

func rtpPacket(t *testing.T, seq uint16, ssrc uint32) []byte {
	t.Helper()
	b, err := (&rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 8, SequenceNumber: seq, Timestamp: uint32(seq) * 160, SSRC: ssrc},
		Payload: bytes.Repeat([]byte{0xD5}, 160),
	}).Marshal()
	require.NoError(t, err)
	return b
}

// TestGatewayEndToEnd проверяет рукопожатие через конвейеры двух узлов
// и передачу медиа в обе стороны
func TestGatewayEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("рукопожатие DTLS пропущено в коротком режиме")
	}
	a := newNode(t, 1, 2)
	b := newNode(t, 3, 4)
	link(a, b)
	link(b, a)

	resp, err := b.mod.HandleCommand(&Command{
		Args:     []string{"a", "sha-256", bareFingerprint(a)},
		StreamIn: b.enc, StreamOut: b.plain,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp, "passive sha-256 "))

	resp, err = a.mod.HandleCommand(&Command{
		Args:     []string{"p", "sha-256", bareFingerprint(b)},
		StreamIn: a.enc, StreamOut: a.plain,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp, "active sha-256 "))

	connA := a.mod.Registry().Lookup(a.enc).Conn()
	connB := b.mod.Registry().Lookup(b.enc).Conn()
	require.Eventually(t, func() bool {
		return connA.State() == dtlsconn.StateUp && connB.State() == dtlsconn.StateUp
	}, 10*time.Second, 10*time.Millisecond)

	// открытый RTP, уходящий через зашифрованный поток a
	fromA := rtpPacket(t, 10, 0xA)
	a.pipeline.Process(&relay.PktCtx{Packet: relay.NewPacket(fromA), StreamIn: a.plain, StreamOut: a.enc})
	fromB := rtpPacket(t, 20, 0xB)
	b.pipeline.Process(&relay.PktCtx{Packet: relay.NewPacket(fromB), StreamIn: b.plain, StreamOut: b.enc})

	require.Eventually(t, func() bool {
		return len(a.plain.Sent()) == 1 && len(b.plain.Sent()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, fromA, b.plain.Sent()[0].Data)
	assert.Equal(t, fromB, a.plain.Sent()[0].Data)

	assert.Positive(t, metricValue(t, a.reg, "rtpproxy_dtls_gw_state_transitions_total"))
	assert.Positive(t, metricValue(t, b.reg, "rtpproxy_dtls_gw_packets_total"))

	// статус после установления
	resp, err = a.mod.HandleCommand(&Command{Args: []string{"s"}, StreamIn: a.plain, StreamOut: a.enc})
	require.NoError(t, err)
	assert.Equal(t, "active "+a.mod.LocalFingerprint(), resp)
}
