package dataplane

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/relay-server/internal/metrics"
	"github.com/postalsys/relay-server/internal/protocol"
	"github.com/postalsys/relay-server/internal/session"
)

func testTable(pinning session.Pinning) *session.Table {
	return session.NewTable(session.Config{
		MinLease: 10 * time.Second,
		MaxLease: 600 * time.Second,
		Pinning:  pinning,
	})
}

func startTestServer(t *testing.T, tbl *session.Table) *Server {
	t.Helper()

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	cfg := DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.Workers = 2
	srv := NewServer(cfg, tbl, nil, m)

	if err := srv.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv
}

// peerConn is a test client socket bound to a loopback port.
func peerConn(t *testing.T) *net.UDPConn {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("peer socket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *net.UDPConn, srv *Server, pkt []byte) {
	t.Helper()
	if _, err := conn.WriteTo(pkt, srv.Address()); err != nil {
		t.Fatalf("send failed: %v", err)
	}
}

// recvPayload reads one datagram with a timeout, reporting ok=false on
// timeout.
func recvPayload(t *testing.T, conn *net.UDPConn) ([]byte, bool) {
	t.Helper()

	buf := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		if nerr, isNet := err.(net.Error); isNet && nerr.Timeout() {
			return nil, false
		}
		t.Fatalf("recv failed: %v", err)
	}
	return buf[:n], true
}

// expectSilence asserts no datagram arrives within a short window.
func expectSilence(t *testing.T, conn *net.UDPConn) {
	t.Helper()

	buf := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	n, _, err := conn.ReadFromUDP(buf)
	if err == nil {
		t.Fatalf("expected silence, received %d bytes", n)
	}
	if nerr, isNet := err.(net.Error); !isNet || !nerr.Timeout() {
		t.Fatalf("expected timeout, got: %v", err)
	}
}

// activate drives a session to Active: both peers send one datagram so the
// relay learns their addresses.
func activate(t *testing.T, srv *Server, sess *session.Session, a, b *net.UDPConn) {
	t.Helper()

	send(t, a, srv, protocol.EncodeDatagram(sess.SlotSecret(0), sess.ID(), []byte("hello-a")))
	// Let slot 0's bind land before slot 1 sends.
	time.Sleep(100 * time.Millisecond)

	// Slot 1's first datagram completes the pair and is already forwarded.
	send(t, b, srv, protocol.EncodeDatagram(sess.SlotSecret(1), sess.ID(), []byte("hello-b")))
	if payload, ok := recvPayload(t, a); !ok || !bytes.Equal(payload, []byte("hello-b")) {
		t.Fatalf("slot 0 did not receive activation datagram: %q ok=%v", payload, ok)
	}
}

// ============================================================================
// Forwarding
// ============================================================================

func TestForwardBetweenPeers(t *testing.T) {
	tbl := testTable(session.PinningPinned)
	srv := startTestServer(t, tbl)

	sess, err := tbl.Allocate(60 * time.Second)
	if err != nil {
		t.Fatal(err)
	}

	a := peerConn(t)
	b := peerConn(t)
	activate(t, srv, sess, a, b)

	send(t, a, srv, protocol.EncodeDatagram(sess.SlotSecret(0), sess.ID(), []byte("ping")))
	payload, ok := recvPayload(t, b)
	if !ok {
		t.Fatal("slot 1 received nothing")
	}
	if !bytes.Equal(payload, []byte("ping")) {
		t.Errorf("payload = %q, want %q", payload, "ping")
	}

	send(t, b, srv, protocol.EncodeDatagram(sess.SlotSecret(1), sess.ID(), []byte("pong")))
	payload, ok = recvPayload(t, a)
	if !ok {
		t.Fatal("slot 0 received nothing")
	}
	if !bytes.Equal(payload, []byte("pong")) {
		t.Errorf("payload = %q, want %q", payload, "pong")
	}

	if sess.State() != session.StateActive {
		t.Errorf("expected Active session, got %v", sess.State())
	}
}

func TestFirstDatagramDroppedWhileCounterpartUnbound(t *testing.T) {
	tbl := testTable(session.PinningPinned)
	srv := startTestServer(t, tbl)

	sess, _ := tbl.Allocate(60 * time.Second)
	a := peerConn(t)

	send(t, a, srv, protocol.EncodeDatagram(sess.SlotSecret(0), sess.ID(), []byte("early")))
	expectSilence(t, a)

	if sess.State() != session.StatePending {
		t.Errorf("session should stay Pending with one bound slot, got %v", sess.State())
	}
	if _, ok := sess.SlotAddr(0); !ok {
		t.Error("slot 0 address should be bound by the first datagram")
	}
}

// ============================================================================
// Silent drops
// ============================================================================

func TestDropBadTag(t *testing.T) {
	tbl := testTable(session.PinningPinned)
	srv := startTestServer(t, tbl)

	sess, _ := tbl.Allocate(60 * time.Second)
	a := peerConn(t)
	b := peerConn(t)
	activate(t, srv, sess, a, b)

	// A foreign secret produces an invalid tag.
	wrong, _ := session.NewSecret()
	send(t, a, srv, protocol.EncodeDatagram(wrong, sess.ID(), []byte("forged")))
	expectSilence(t, b)
}

func TestDropUnknownSession(t *testing.T) {
	tbl := testTable(session.PinningPinned)
	srv := startTestServer(t, tbl)

	a := peerConn(t)
	id, _ := session.NewID()
	secret, _ := session.NewSecret()
	send(t, a, srv, protocol.EncodeDatagram(secret, id, []byte("ghost")))
	expectSilence(t, a)
}

func TestDropMalformed(t *testing.T) {
	tbl := testTable(session.PinningPinned)
	srv := startTestServer(t, tbl)

	a := peerConn(t)
	send(t, a, srv, []byte{0x01, 0x02, 0x03})
	expectSilence(t, a)
}

func TestDropAfterRelease(t *testing.T) {
	tbl := testTable(session.PinningPinned)
	srv := startTestServer(t, tbl)

	sess, _ := tbl.Allocate(60 * time.Second)
	a := peerConn(t)
	b := peerConn(t)
	activate(t, srv, sess, a, b)

	if err := tbl.Release(sess.ID(), sess.SlotSecret(0)); err != nil {
		t.Fatal(err)
	}

	send(t, a, srv, protocol.EncodeDatagram(sess.SlotSecret(0), sess.ID(), []byte("late")))
	expectSilence(t, b)
}

// ============================================================================
// Address pinning
// ============================================================================

func TestPinnedRejectsNewSource(t *testing.T) {
	tbl := testTable(session.PinningPinned)
	srv := startTestServer(t, tbl)

	sess, _ := tbl.Allocate(60 * time.Second)
	a := peerConn(t)
	b := peerConn(t)
	activate(t, srv, sess, a, b)

	// An attacker who stole the slot secret but sends from elsewhere.
	intruder := peerConn(t)
	send(t, intruder, srv, protocol.EncodeDatagram(sess.SlotSecret(0), sess.ID(), []byte("hijack")))
	expectSilence(t, b)

	// The original peer still works.
	send(t, a, srv, protocol.EncodeDatagram(sess.SlotSecret(0), sess.ID(), []byte("still-here")))
	payload, ok := recvPayload(t, b)
	if !ok || !bytes.Equal(payload, []byte("still-here")) {
		t.Fatalf("original peer broken after hijack attempt: %q ok=%v", payload, ok)
	}
}

func TestMobileFollowsNewSource(t *testing.T) {
	tbl := testTable(session.PinningMobile)
	srv := startTestServer(t, tbl)

	sess, _ := tbl.Allocate(60 * time.Second)
	a := peerConn(t)
	b := peerConn(t)
	activate(t, srv, sess, a, b)

	// Slot 0 moves to a new socket (NAT rebinding).
	moved := peerConn(t)
	send(t, moved, srv, protocol.EncodeDatagram(sess.SlotSecret(0), sess.ID(), []byte("moved")))
	payload, ok := recvPayload(t, b)
	if !ok || !bytes.Equal(payload, []byte("moved")) {
		t.Fatalf("datagram from new source not forwarded: %q ok=%v", payload, ok)
	}

	// Replies now reach the new address.
	send(t, b, srv, protocol.EncodeDatagram(sess.SlotSecret(1), sess.ID(), []byte("reply")))
	payload, ok = recvPayload(t, moved)
	if !ok || !bytes.Equal(payload, []byte("reply")) {
		t.Fatalf("reply did not follow the rebound address: %q ok=%v", payload, ok)
	}
}

// ============================================================================
// Limits
// ============================================================================

func TestRateLimitDrops(t *testing.T) {
	tbl := session.NewTable(session.Config{
		MinLease:        10 * time.Second,
		MaxLease:        600 * time.Second,
		Pinning:         session.PinningPinned,
		RateBytesPerSec: 64,
		RateBurstBytes:  200,
	})
	srv := startTestServer(t, tbl)

	sess, _ := tbl.Allocate(60 * time.Second)
	a := peerConn(t)
	b := peerConn(t)
	activate(t, srv, sess, a, b)

	// Each datagram is 32 bytes header + 32 bytes payload. The burst covers
	// the activation traffic plus at most a couple of these; the rest drop.
	payload := bytes.Repeat([]byte("x"), 32)
	for i := 0; i < 20; i++ {
		send(t, a, srv, protocol.EncodeDatagram(sess.SlotSecret(0), sess.ID(), payload))
	}

	received := 0
	for {
		if _, ok := recvPayload(t, b); !ok {
			break
		}
		received++
	}
	if received >= 20 {
		t.Errorf("rate limit never dropped: %d of 20 forwarded", received)
	}
}

func TestRateLimitIsolation(t *testing.T) {
	tbl := session.NewTable(session.Config{
		MinLease:        10 * time.Second,
		MaxLease:        600 * time.Second,
		Pinning:         session.PinningPinned,
		RateBytesPerSec: 64,
		RateBurstBytes:  400,
	})
	srv := startTestServer(t, tbl)

	noisy, _ := tbl.Allocate(60 * time.Second)
	quiet, _ := tbl.Allocate(60 * time.Second)

	na := peerConn(t)
	nb := peerConn(t)
	activate(t, srv, noisy, na, nb)

	qa := peerConn(t)
	qb := peerConn(t)
	activate(t, srv, quiet, qa, qb)

	// Blow through the noisy session's budget.
	payload := bytes.Repeat([]byte("x"), 32)
	for i := 0; i < 20; i++ {
		send(t, na, srv, protocol.EncodeDatagram(noisy.SlotSecret(0), noisy.ID(), payload))
	}

	// The quiet session stays under its own budget; each limiter is
	// independent, so its traffic forwards in full.
	for i := 0; i < 3; i++ {
		msg := []byte{'q', byte('0' + i)}
		send(t, qa, srv, protocol.EncodeDatagram(quiet.SlotSecret(0), quiet.ID(), msg))
		got, ok := recvPayload(t, qb)
		if !ok || !bytes.Equal(got, msg) {
			t.Fatalf("quiet session datagram %d not forwarded: %q ok=%v", i, got, ok)
		}
	}

	received := 0
	for {
		if _, ok := recvPayload(t, nb); !ok {
			break
		}
		received++
	}
	if received >= 20 {
		t.Errorf("noisy session was never limited: %d of 20 forwarded", received)
	}
}

func TestDropOversize(t *testing.T) {
	tbl := testTable(session.PinningPinned)
	srv := startTestServer(t, tbl)

	sess, _ := tbl.Allocate(60 * time.Second)
	a := peerConn(t)
	b := peerConn(t)
	activate(t, srv, sess, a, b)

	big := bytes.Repeat([]byte("y"), 3000)
	send(t, a, srv, protocol.EncodeDatagram(sess.SlotSecret(0), sess.ID(), big))
	expectSilence(t, b)
}

func TestServerStop(t *testing.T) {
	srv := startTestServer(t, testTable(session.PinningPinned))

	if !srv.IsRunning() {
		t.Fatal("server should be running")
	}
	if err := srv.Stop(); err != nil {
		t.Errorf("stop failed: %v", err)
	}
	if srv.IsRunning() {
		t.Error("server still running after stop")
	}
}
