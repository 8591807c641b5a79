package relay

import (
	"bytes"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/relay-server/internal/config"
	"github.com/postalsys/relay-server/internal/metrics"
	"github.com/postalsys/relay-server/internal/protocol"
	"github.com/postalsys/relay-server/internal/session"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ListenUDPAddr = "127.0.0.1:0"
	cfg.ListenTCPAddr = "127.0.0.1:0"
	return cfg
}

func startEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	e, err := NewWithMetrics(cfg, nil, m)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() { e.Stop() })
	return e
}

// controlRoundTrip performs one request/response exchange on the control
// connection.
func controlRoundTrip(t *testing.T, conn net.Conn, frameType uint8, requestID uint64, payload []byte) *protocol.Frame {
	t.Helper()

	if err := protocol.NewFrameWriter(conn).WriteFrame(frameType, requestID, payload); err != nil {
		t.Fatalf("control write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := protocol.NewFrameReader(conn).Read()
	if err != nil {
		t.Fatalf("control read: %v", err)
	}
	return resp
}

func TestEngineEndToEnd(t *testing.T) {
	e := startEngine(t, testConfig())

	if !e.IsRunning() {
		t.Fatal("engine should be running")
	}

	// Allocate a session over the control plane.
	conn, err := net.Dial("tcp", e.ControlAddress())
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	defer conn.Close()

	alloc := protocol.AllocateRequest{LeaseSeconds: 60}
	resp := controlRoundTrip(t, conn, protocol.MsgAllocate, 1, alloc.Encode())
	if resp.Type != protocol.MsgAllocateOK {
		t.Fatalf("expected AllocateOK, got %s", protocol.FrameTypeName(resp.Type))
	}
	ok, err := protocol.DecodeAllocateOK(resp.Payload)
	if err != nil {
		t.Fatalf("decode AllocateOK: %v", err)
	}

	// Claim both slots.
	for slot := uint8(0); slot < session.NumSlots; slot++ {
		bind := protocol.BindRequest{SessionID: ok.SessionID, Slot: slot, Secret: ok.Secrets[slot]}
		resp := controlRoundTrip(t, conn, protocol.MsgBind, uint64(2+slot), bind.Encode())
		if resp.Type != protocol.MsgBindOK {
			t.Fatalf("bind slot %d: got %s", slot, protocol.FrameTypeName(resp.Type))
		}
	}

	// Exchange traffic through the data plane.
	dataAddr, err := net.ResolveUDPAddr("udp", e.DataAddress())
	if err != nil {
		t.Fatal(err)
	}

	peerA, _ := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	defer peerA.Close()
	peerB, _ := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	defer peerB.Close()

	peerA.WriteTo(protocol.EncodeDatagram(ok.Secrets[0], ok.SessionID, []byte("syn")), dataAddr)
	// Let slot 0's bind land before slot 1 sends, so the ack is forwarded.
	time.Sleep(100 * time.Millisecond)
	peerB.WriteTo(protocol.EncodeDatagram(ok.Secrets[1], ok.SessionID, []byte("ack")), dataAddr)

	buf := make([]byte, 2048)
	peerA.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, _, err := peerA.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("peer A receive: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("ack")) {
		t.Errorf("peer A got %q, want %q", buf[:n], "ack")
	}

	peerA.WriteTo(protocol.EncodeDatagram(ok.Secrets[0], ok.SessionID, []byte("data")), dataAddr)
	peerB.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, _, err = peerB.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("peer B receive: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("data")) {
		t.Errorf("peer B got %q, want %q", buf[:n], "data")
	}

	// Release ends forwarding.
	rel := protocol.ReleaseRequest{SessionID: ok.SessionID, Secret: ok.Secrets[0]}
	resp = controlRoundTrip(t, conn, protocol.MsgRelease, 9, rel.Encode())
	if resp.Type != protocol.MsgReleaseOK {
		t.Fatalf("expected ReleaseOK, got %s", protocol.FrameTypeName(resp.Type))
	}
	if e.Table().Len() != 0 {
		t.Error("table not empty after release")
	}
}

func TestEngineStats(t *testing.T) {
	e := startEngine(t, testConfig())

	if _, err := e.Table().Allocate(60 * time.Second); err != nil {
		t.Fatal(err)
	}

	stats := e.Stats()
	if stats.SessionCount != 1 {
		t.Errorf("SessionCount = %d, want 1", stats.SessionCount)
	}
	if stats.PendingSessions != 1 {
		t.Errorf("PendingSessions = %d, want 1", stats.PendingSessions)
	}
	if stats.ActiveSessions != 0 {
		t.Errorf("ActiveSessions = %d, want 0", stats.ActiveSessions)
	}
}

func TestEngineHealthServer(t *testing.T) {
	cfg := testConfig()
	cfg.Health.Enabled = true
	cfg.Health.Address = "127.0.0.1:0"
	e := startEngine(t, cfg)

	resp, err := http.Get("http://" + e.healthSv.Address().String() + "/ready")
	if err != nil {
		t.Fatalf("ready request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 from /ready, got %d", resp.StatusCode)
	}
}

func TestEngineStopIsIdempotent(t *testing.T) {
	e := startEngine(t, testConfig())

	if err := e.Stop(); err != nil {
		t.Errorf("stop failed: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Errorf("second stop failed: %v", err)
	}
	if e.IsRunning() {
		t.Error("engine still running after stop")
	}
}

func TestEngineRejectsBadPinning(t *testing.T) {
	cfg := testConfig()
	cfg.AddressPinning = "sticky"

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	if _, err := NewWithMetrics(cfg, nil, m); err == nil {
		t.Error("expected error for unknown pinning mode")
	}
}
