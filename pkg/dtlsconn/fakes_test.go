package dtlsconn

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/pion/dtls/v2/pkg/crypto/selfsign"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/dtls_gw/pkg/relay"
	"github.com/arzzra/dtls_gw/pkg/srtpsuite"
	"github.com/arzzra/dtls_gw/pkg/timed"
)

// fakeEngine управляемый движок рукопожатия
type fakeEngine struct {
	mu         sync.Mutex
	params     EngineParams
	connects   int
	accepts    int
	fed        [][]byte
	status     HandshakeStatus
	err        error
	deadline   time.Time
	pending    bool
	timeouts   int
	timeoutErr error
	connectErr error
	profile    dtls.SRTPProtectionProfile
	km         []byte
	peerCert   []byte
	closed     bool
}

func (f *fakeEngine) factory(p EngineParams) (Engine, error) {
	f.params = p
	return f, nil
}

func (f *fakeEngine) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeEngine) Accept() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepts++
	return nil
}

func (f *fakeEngine) Feed(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fed = append(f.fed, append([]byte(nil), b...))
	return nil
}

func (f *fakeEngine) Status() (HandshakeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.err
}

func (f *fakeEngine) Deadline() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deadline, f.pending
}

func (f *fakeEngine) HandleTimeout(time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeouts++
	return f.timeoutErr
}

func (f *fakeEngine) SelectedProfile() (dtls.SRTPProtectionProfile, bool) {
	return f.profile, f.profile != 0
}

func (f *fakeEngine) ExportKeyingMaterial(label string, n int) ([]byte, error) {
	if len(f.km) != n {
		km := make([]byte, n)
		_, _ = rand.Read(km)
		f.km = km
	}
	return f.km, nil
}

func (f *fakeEngine) PeerCertificate() ([]byte, error) {
	if f.peerCert == nil {
		return nil, ErrNoPeerCertificate
	}
	return f.peerCert, nil
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeEngine) set(fn func(f *fakeEngine)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

// fakeTask задача ручного планировщика
type fakeTask struct {
	at        time.Time
	holder    context.Context
	cb        timed.Callback
	cancelled bool
}

func (t *fakeTask) Cancel() bool {
	if t.cancelled {
		return false
	}
	t.cancelled = true
	return true
}

// fakeScheduler планировщик, задачи которого срабатывают только вручную
type fakeScheduler struct {
	mu    sync.Mutex
	tasks []*fakeTask
}

func (s *fakeScheduler) Schedule(at time.Time, holder context.Context, cb timed.Callback) (timed.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTask{at: at, holder: holder, cb: cb}
	s.tasks = append(s.tasks, t)
	return t, nil
}

func (s *fakeScheduler) task(i int) *fakeTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[i]
}

func (s *fakeScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// fire вызывает обратный вызов даже для отмененной задачи:
// так выглядит гонка отмены с уже запущенным таймером
func (s *fakeScheduler) fire(i int) {
	s.task(i).cb(time.Now())
}

type testRig struct {
	conn  *Conn
	eng   *fakeEngine
	sched *fakeScheduler
	enc   *relay.MemStream
	plain *relay.MemStream
	table *relay.Table
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := DefaultConfig()
	require.NoError(t, err)
	return cfg
}

func noopPool() relay.SenderPool {
	return relay.SenderPoolFunc(func() relay.Sender { return nil })
}

func newRig(t *testing.T, cfg Config, eng *fakeEngine) *testRig {
	t.Helper()
	r := &testRig{
		eng:   eng,
		sched: &fakeScheduler{},
		enc:   relay.NewMemStream(1, 1),
		plain: relay.NewMemStream(2, 1),
		table: relay.NewTable(),
	}
	r.table.Set(r.enc)
	r.table.Set(r.plain)

	conn, err := New(Params{
		Config:      cfg,
		Engine:      eng.factory,
		Scheduler:   r.sched,
		Pool:        noopPool(),
		Directory:   r.table,
		EncryptedID: r.enc.ID(),
		Plain:       r.plain,
	})
	require.NoError(t, err)
	r.conn = conn
	return r
}

func peerCertificate(t *testing.T) (der []byte, fp string) {
	t.Helper()
	cert, err := selfsign.GenerateSelfSigned()
	require.NoError(t, err)
	fp, err = CertificateFingerprint(cert.Certificate[0])
	require.NoError(t, err)
	return cert.Certificate[0], fp
}

func handshakeRecord() *relay.Packet {
	rec := make([]byte, 20)
	rec[0] = 22
	return relay.NewPacket(rec)
}

func mustSuite(t *testing.T, p dtls.SRTPProtectionProfile) *srtpsuite.Suite {
	t.Helper()
	s, err := srtpsuite.Lookup(p)
	require.NoError(t, err)
	return s
}
