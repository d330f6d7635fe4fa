package dtlsgw

import (
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/dtls_gw/pkg/dtlsconn"
	"github.com/arzzra/dtls_gw/pkg/relay"
	"github.com/arzzra/dtls_gw/pkg/timed"
)

// node модуль с окружением relay в памяти
type node struct {
	mod      *Module
	reg      *prometheus.Registry
	table    *relay.Table
	pipeline *relay.Pipeline
	wheel    *timed.Wheel
	enc      *relay.MemStream
	plain    *relay.MemStream
	built    atomic.Int64 // созданные движки рукопожатия
}

func noopPool() relay.SenderPool {
	return relay.SenderPoolFunc(func() relay.Sender { return nil })
}

func newNode(t *testing.T, encID, plainID relay.StreamID) *node {
	t.Helper()
	cfg, err := DefaultConfig()
	require.NoError(t, err)

	n := &node{
		reg:      prometheus.NewRegistry(),
		table:    relay.NewTable(),
		pipeline: relay.NewPipeline(),
		wheel:    timed.NewWheel(),
		enc:      relay.NewMemStream(encID, 1),
		plain:    relay.NewMemStream(plainID, 1),
	}
	n.table.Set(n.enc)
	n.table.Set(n.plain)

	cfg.Registerer = n.reg
	cfg.Engine = func(p dtlsconn.EngineParams) (dtlsconn.Engine, error) {
		n.built.Add(1)
		return dtlsconn.NewPionEngine(p)
	}
	n.mod, err = New(cfg, Deps{
		Pool:      noopPool(),
		Directory: n.table,
		Scheduler: n.wheel,
		Pipeline:  n.pipeline,
	})
	require.NoError(t, err)
	n.mod.Start()

	t.Cleanup(func() {
		n.mod.Stop()
		n.enc.Close()
		n.plain.Close()
		n.wheel.Close()
	})
	return n
}

// bareFingerprint отпечаток без имени алгоритма
func bareFingerprint(n *node) string {
	return strings.TrimPrefix(n.mod.LocalFingerprint(), dtlsconn.FingerprintAlgorithm+" ")
}

// metricValue сумма значений метрики по всем меткам
func metricValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	var sum float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue() + m.GetGauge().GetValue()
		}
	}
	return sum
}
