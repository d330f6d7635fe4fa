package main

import (
	"bytes"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	rtplib "github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/dtls_gw/pkg/dtlsconn"
	"github.com/arzzra/dtls_gw/pkg/dtlsgw"
	"github.com/arzzra/dtls_gw/pkg/netio"
	"github.com/arzzra/dtls_gw/pkg/relay"
	"github.com/arzzra/dtls_gw/pkg/timed"
)

const packets = 20

// node один relay с модулем dtls_gw
type node struct {
	name     string
	pool     *netio.Pool
	table    *relay.Table
	pipeline *relay.Pipeline
	wheel    *timed.Wheel
	reg      *prometheus.Registry
	mod      *dtlsgw.Module
	sess     *relay.Session
}

func newNode(name string, ids [2]relay.StreamID, conns [2]net.PacketConn) (*node, error) {
	logger := slog.Default().With(slog.String("node", name))

	netCfg := netio.DefaultConfig()
	netCfg.Logger = logger
	pool, err := netio.NewPool(netCfg)
	if err != nil {
		return nil, err
	}
	senders := relay.SenderPoolFunc(func() relay.Sender { return pool.Pick() })

	n := &node{
		name:     name,
		pool:     pool,
		table:    relay.NewTable(),
		pipeline: relay.NewPipeline(),
		wheel:    timed.NewWheel(),
		reg:      prometheus.NewRegistry(),
	}

	cfg, err := dtlsgw.DefaultConfig()
	if err != nil {
		return nil, err
	}
	cfg.Registerer = n.reg
	cfg.Logger = logger
	n.mod, err = dtlsgw.New(cfg, dtlsgw.Deps{
		Pool:      senders,
		Directory: n.table,
		Scheduler: n.wheel,
		Pipeline:  n.pipeline,
	})
	if err != nil {
		return nil, err
	}

	n.sess, err = relay.NewSession(relay.SessionConfig{
		Pool:     senders,
		Pipeline: n.pipeline,
		Table:    n.table,
		Socket:   netCfg.Socket,
		Slots:    1,
		Logger:   logger,
	}, ids, conns)
	if err != nil {
		return nil, err
	}

	n.mod.Start()
	n.sess.Start()
	return n, nil
}

func (n *node) close() {
	n.sess.Close()
	n.mod.Stop()
	n.wheel.Close()
	n.pool.Close()
}

func (n *node) fingerprint() string {
	return strings.TrimPrefix(n.mod.LocalFingerprint(), dtlsconn.FingerprintAlgorithm+" ")
}

func (n *node) counter(name string) float64 {
	mfs, err := n.reg.Gather()
	if err != nil {
		return 0
	}
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

func listen() *net.UDPConn {
	conn, err := netio.ListenUDP("127.0.0.1:0", netio.SocketConfig{BufferSize: netio.DefaultBufferSize})
	if err != nil {
		log.Fatalf("Ошибка создания сокета: %v", err)
	}
	return conn
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	fmt.Println("=== Тест модуля dtls_gw ===")
	fmt.Println("источник RTP -> [A: шифрование] -> SRTP -> [B: расшифровка] -> получатель RTP")

	source := listen()
	defer source.Close()
	sink := listen()
	defer sink.Close()

	// A: поток 1 открытый, поток 2 зашифрованный; сокет потока 2 создаст команда
	a, err := newNode("A", [2]relay.StreamID{1, 2}, [2]net.PacketConn{listen(), nil})
	if err != nil {
		log.Fatalf("Ошибка создания узла A: %v", err)
	}
	defer a.close()

	// B: поток 3 зашифрованный, поток 4 открытый
	b, err := newNode("B", [2]relay.StreamID{3, 4}, [2]net.PacketConn{listen(), listen()})
	if err != nil {
		log.Fatalf("Ошибка создания узла B: %v", err)
	}
	defer b.close()

	aPlain, aEnc := a.sess.Leg(0), a.sess.Leg(1)
	bEnc, bPlain := b.sess.Leg(0), b.sess.Leg(1)
	aEnc.SetRemote(bEnc.Conn().LocalAddr())
	bPlain.SetRemote(sink.LocalAddr())

	// B ждет рукопожатия: удаленная сторона active
	resp, err := b.mod.HandleCommand(&dtlsgw.Command{
		Args:      []string{"a", "sha-256", a.fingerprint()},
		StreamIn:  bEnc,
		StreamOut: bPlain,
		Session:   b.sess,
	})
	if err != nil {
		log.Fatalf("Команда B отклонена: %v", err)
	}
	fmt.Printf("✓ B: %s\n", resp)

	// A начинает рукопожатие: удаленная сторона passive
	resp, err = a.mod.HandleCommand(&dtlsgw.Command{
		Args:      []string{"p", "sha-256", b.fingerprint()},
		StreamIn:  aEnc,
		StreamOut: aPlain,
		Session:   a.sess,
	})
	if err != nil {
		log.Fatalf("Команда A отклонена: %v", err)
	}
	fmt.Printf("✓ A: %s\n", resp)

	connA := a.mod.Registry().Lookup(aEnc).Conn()
	connB := b.mod.Registry().Lookup(bEnc).Conn()
	deadline := time.Now().Add(10 * time.Second)
	for connA.State() != dtlsconn.StateUp || connB.State() != dtlsconn.StateUp {
		if time.Now().After(deadline) || connA.State() == dtlsconn.StateDead || connB.State() == dtlsconn.StateDead {
			log.Fatalf("Рукопожатие не завершено: A=%s B=%s", connA.State(), connB.State())
		}
		time.Sleep(10 * time.Millisecond)
	}
	fmt.Println("✓ DTLS-SRTP установлено на обоих узлах")

	sent := make([][]byte, 0, packets)
	for i := 0; i < packets; i++ {
		pkt := &rtplib.Packet{
			Header: rtplib.Header{
				Version:        2,
				PayloadType:    0,
				SequenceNumber: uint16(1000 + i),
				Timestamp:      uint32(i * 160),
				SSRC:           0x12345678,
			},
			Payload: bytes.Repeat([]byte{byte(i)}, 160),
		}
		data, err := pkt.Marshal()
		if err != nil {
			log.Fatalf("Ошибка сериализации RTP: %v", err)
		}
		sent = append(sent, data)
		if _, err := source.WriteTo(data, aPlain.Conn().LocalAddr()); err != nil {
			log.Fatalf("Ошибка отправки RTP: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	received := 0
	buf := make([]byte, relay.MaxPacketLen)
	for received < packets {
		sink.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := sink.ReadFrom(buf)
		if err != nil {
			break
		}
		if !bytes.Equal(buf[:n], sent[received]) {
			log.Fatalf("Пакет %d искажен", received)
		}
		received++
	}
	fmt.Printf("✓ Получено %d из %d пакетов без искажений\n", received, packets)

	fmt.Printf("  A: обработано %.0f, отброшено %.0f\n",
		a.counter("rtpproxy_dtls_gw_packets_total"), a.counter("rtpproxy_dtls_gw_packets_dropped_total"))
	fmt.Printf("  B: обработано %.0f, отброшено %.0f\n",
		b.counter("rtpproxy_dtls_gw_packets_total"), b.counter("rtpproxy_dtls_gw_packets_dropped_total"))
	stats := a.pool.Stats()
	fmt.Printf("  отправители A: отправлено %d, ошибок %d, сброшено %d\n", stats.Sent, stats.Errors, stats.Dropped)

	if received != packets {
		os.Exit(1)
	}
}
