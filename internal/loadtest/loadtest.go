// Package loadtest provides load generation against a running relay server.
// It exercises the full client path: session allocation over the control
// plane, slot binding, and authenticated datagram exchange through the data
// plane.
package loadtest

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/relay-server/internal/logging"
	"github.com/postalsys/relay-server/internal/protocol"
	"github.com/postalsys/relay-server/internal/session"
)

// Config controls a load test run.
type Config struct {
	// ControlAddr is the relay's TCP control plane address.
	ControlAddr string

	// DataAddr is the relay's UDP data plane address.
	DataAddr string

	// Sessions is the number of concurrent relay sessions to drive.
	Sessions int

	// DatagramsPerSession is how many datagrams each session sends.
	DatagramsPerSession int

	// PayloadSize is the payload length per datagram.
	PayloadSize int

	// LeaseSeconds is the lease requested for each session.
	LeaseSeconds uint32

	// ReceiveQuiet is how long a receiver waits for further datagrams
	// before concluding the stream has drained.
	ReceiveQuiet time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Sessions:            10,
		DatagramsPerSession: 100,
		PayloadSize:         256,
		LeaseSeconds:        60,
		ReceiveQuiet:        500 * time.Millisecond,
	}
}

// Metrics contains the aggregated results of a run.
type Metrics struct {
	SessionsAttempted int64
	SessionsFailed    int64
	DatagramsSent     int64
	DatagramsReceived int64
	BytesReceived     int64
	Duration          time.Duration
	ThroughputMbps    float64
	LossPercent       float64
}

// Run drives the configured load against the relay and returns aggregate
// metrics. It fails fast on setup errors but tolerates in-flight datagram
// loss, which is reported through LossPercent.
func Run(ctx context.Context, cfg Config, logger *slog.Logger) (*Metrics, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.Sessions < 1 || cfg.DatagramsPerSession < 1 {
		return nil, fmt.Errorf("sessions and datagrams per session must be positive")
	}
	if cfg.ReceiveQuiet <= 0 {
		cfg.ReceiveQuiet = DefaultConfig().ReceiveQuiet
	}

	m := &Metrics{}
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < cfg.Sessions; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			atomic.AddInt64(&m.SessionsAttempted, 1)
			if err := runSession(ctx, cfg, m); err != nil {
				atomic.AddInt64(&m.SessionsFailed, 1)
				logger.Debug("load session failed",
					logging.KeyCount, n,
					logging.KeyError, err)
			}
		}(i)
	}
	wg.Wait()

	m.Duration = time.Since(start)
	if m.Duration > 0 {
		m.ThroughputMbps = float64(m.BytesReceived) * 8 / 1e6 / m.Duration.Seconds()
	}
	if m.DatagramsSent > 0 {
		m.LossPercent = float64(m.DatagramsSent-m.DatagramsReceived) / float64(m.DatagramsSent) * 100
	}
	return m, nil
}

// runSession allocates one session and pushes the configured datagrams from
// slot 0 to slot 1.
func runSession(ctx context.Context, cfg Config, m *Metrics) error {
	creds, err := allocateSession(ctx, cfg)
	if err != nil {
		return err
	}

	dataAddr, err := net.ResolveUDPAddr("udp", cfg.DataAddr)
	if err != nil {
		return fmt.Errorf("resolve data addr: %w", err)
	}

	sender, err := net.ListenUDP("udp", nil)
	if err != nil {
		return fmt.Errorf("sender socket: %w", err)
	}
	defer sender.Close()

	receiver, err := net.ListenUDP("udp", nil)
	if err != nil {
		return fmt.Errorf("receiver socket: %w", err)
	}
	defer receiver.Close()

	// Bind both slot addresses with an initial datagram each. The sender's
	// goes first so the receiver's activation datagram is forwarded and can
	// be awaited, confirming the session is active.
	probe := protocol.EncodeDatagram(creds.secrets[0], creds.id, []byte("probe"))
	if _, err := sender.WriteTo(probe, dataAddr); err != nil {
		return fmt.Errorf("send probe: %w", err)
	}
	time.Sleep(50 * time.Millisecond)

	ack := protocol.EncodeDatagram(creds.secrets[1], creds.id, []byte("ack"))
	if _, err := receiver.WriteTo(ack, dataAddr); err != nil {
		return fmt.Errorf("send ack: %w", err)
	}
	if err := awaitDatagram(sender, 5*time.Second); err != nil {
		return fmt.Errorf("session never became active: %w", err)
	}

	// Drain forwarded datagrams concurrently with sending.
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, cfg.PayloadSize+protocol.DatagramHeaderSize)
		for {
			receiver.SetReadDeadline(time.Now().Add(cfg.ReceiveQuiet))
			n, _, err := receiver.ReadFromUDP(buf)
			if err != nil {
				return
			}
			atomic.AddInt64(&m.DatagramsReceived, 1)
			atomic.AddInt64(&m.BytesReceived, int64(n))
		}
	}()

	payload := make([]byte, cfg.PayloadSize)
	rand.Read(payload)
	for i := 0; i < cfg.DatagramsPerSession; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		pkt := protocol.EncodeDatagram(creds.secrets[0], creds.id, payload)
		if _, err := sender.WriteTo(pkt, dataAddr); err != nil {
			return fmt.Errorf("send datagram: %w", err)
		}
		atomic.AddInt64(&m.DatagramsSent, 1)
	}

	<-done
	return nil
}

// credentials is what a client needs to use a relay session.
type credentials struct {
	id      session.ID
	secrets [session.NumSlots]session.Secret
}

// allocateSession performs Allocate and both Binds over one control
// connection.
func allocateSession(ctx context.Context, cfg Config) (*credentials, error) {
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.ControlAddr)
	if err != nil {
		return nil, fmt.Errorf("dial control: %w", err)
	}
	defer conn.Close()

	writer := protocol.NewFrameWriter(conn)
	reader := protocol.NewFrameReader(conn)

	alloc := protocol.AllocateRequest{LeaseSeconds: cfg.LeaseSeconds}
	if err := writer.WriteFrame(protocol.MsgAllocate, 1, alloc.Encode()); err != nil {
		return nil, fmt.Errorf("send allocate: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read allocate response: %w", err)
	}
	if resp.Type != protocol.MsgAllocateOK {
		return nil, fmt.Errorf("allocate rejected: %s", describeError(resp))
	}
	ok, err := protocol.DecodeAllocateOK(resp.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode allocate response: %w", err)
	}

	creds := &credentials{id: ok.SessionID, secrets: ok.Secrets}
	for slot := uint8(0); slot < session.NumSlots; slot++ {
		bind := protocol.BindRequest{SessionID: creds.id, Slot: slot, Secret: creds.secrets[slot]}
		if err := writer.WriteFrame(protocol.MsgBind, uint64(2+slot), bind.Encode()); err != nil {
			return nil, fmt.Errorf("send bind: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		resp, err := reader.Read()
		if err != nil {
			return nil, fmt.Errorf("read bind response: %w", err)
		}
		if resp.Type != protocol.MsgBindOK {
			return nil, fmt.Errorf("bind slot %d rejected: %s", slot, describeError(resp))
		}
	}
	return creds, nil
}

func awaitDatagram(conn *net.UDPConn, timeout time.Duration) error {
	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, _, err := conn.ReadFromUDP(buf)
	return err
}

func describeError(f *protocol.Frame) string {
	if f.Type == protocol.MsgError {
		if er, err := protocol.DecodeErrorResponse(f.Payload); err == nil {
			return fmt.Sprintf("%s: %s", protocol.CodeName(er.Code), er.Message)
		}
	}
	return protocol.FrameTypeName(f.Type)
}
