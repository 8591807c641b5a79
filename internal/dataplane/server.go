// Package dataplane implements the UDP forwarding path. Datagrams carry a
// session ID and an authentication tag; verified datagrams are forwarded to
// the counterpart slot's address, everything else is dropped without a
// response.
package dataplane

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/relay-server/internal/logging"
	"github.com/postalsys/relay-server/internal/metrics"
	"github.com/postalsys/relay-server/internal/protocol"
	"github.com/postalsys/relay-server/internal/recovery"
	"github.com/postalsys/relay-server/internal/session"
)

// ServerConfig holds data plane configuration.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Workers is the number of goroutines reading from the socket.
	Workers int

	// MaxDatagramBytes caps the accepted datagram size including the header.
	MaxDatagramBytes int
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:          ":8080",
		Workers:          4,
		MaxDatagramBytes: 2048,
	}
}

// Server is the UDP data plane server.
type Server struct {
	cfg     ServerConfig
	table   *session.Table
	logger  *slog.Logger
	metrics *metrics.Metrics

	conn *net.UDPConn
	now  func() time.Time

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a data plane server over the given session table.
func NewServer(cfg ServerConfig, table *session.Table, logger *slog.Logger, m *metrics.Metrics) *Server {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxDatagramBytes < protocol.DatagramHeaderSize {
		cfg.MaxDatagramBytes = DefaultServerConfig().MaxDatagramBytes
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Server{
		cfg:     cfg,
		table:   table,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// Start binds the UDP socket and launches the worker pool.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	addr, err := net.ResolveUDPAddr("udp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.conn = conn
	s.running.Store(true)

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.readLoop()
	}

	s.logger.Info("data plane started",
		logging.KeyAddress, conn.LocalAddr().String(),
		logging.KeyCount, s.cfg.Workers)
	return nil
}

// Stop closes the socket and waits for workers to drain.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)
		if s.conn != nil {
			err = s.conn.Close()
		}
	})

	s.wg.Wait()
	return err
}

// StopWithContext stops with a timeout.
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- s.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Address returns the bound UDP address.
func (s *Server) Address() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// readLoop reads datagrams until the socket closes. Each worker owns its
// buffer; handlePacket never retains it past the call.
func (s *Server) readLoop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "udp-worker")

	buf := make([]byte, s.cfg.MaxDatagramBytes+1)
	for {
		n, src, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Warn("udp read failed", logging.KeyError, err)
				continue
			}
		}
		s.handlePacket(buf[:n], src)
	}
}

// handlePacket validates and forwards a single datagram. Every failure is a
// silent drop; the reason is only visible in metrics and debug logs.
func (s *Server) handlePacket(pkt []byte, src netip.AddrPort) {
	if len(pkt) > s.cfg.MaxDatagramBytes {
		s.metrics.RecordDrop(metrics.DropOversize)
		return
	}

	d, err := protocol.ParseDatagram(pkt)
	if err != nil {
		s.metrics.RecordDrop(metrics.DropMalformed)
		return
	}

	sess, ok := s.table.Get(d.SessionID)
	if !ok {
		s.metrics.RecordDrop(metrics.DropUnknown)
		return
	}

	// The wire format carries no slot index. The sending slot is whichever
	// secret produced the tag.
	slot := -1
	for i := 0; i < session.NumSlots; i++ {
		if protocol.VerifyTag(sess.SlotSecret(i), d.SessionID, d.Payload, d.Tag) {
			slot = i
			break
		}
	}
	if slot < 0 {
		s.metrics.RecordDrop(metrics.DropBadTag)
		s.logger.Debug("datagram dropped",
			logging.KeyReason, metrics.DropBadTag,
			logging.KeySessionID, d.SessionID.ShortString(),
			logging.KeyRemoteAddr, src.String())
		return
	}

	now := s.now()

	if !sess.AllowN(now, len(pkt)) {
		s.metrics.RecordDrop(metrics.DropRateLimited)
		return
	}

	pinned := s.table.Pinning() == session.PinningPinned
	rebound, err := sess.BindAddr(slot, src, pinned, now)
	if err != nil {
		switch err {
		case session.ErrSlotOccupied:
			s.metrics.RecordDrop(metrics.DropPinned)
			s.logger.Debug("datagram dropped",
				logging.KeyReason, metrics.DropPinned,
				logging.KeySessionID, d.SessionID.ShortString(),
				logging.KeySlot, slot,
				logging.KeyRemoteAddr, src.String())
		default:
			s.metrics.RecordDrop(metrics.DropNotActive)
		}
		return
	}
	if rebound {
		s.metrics.RecordBind(true)
		s.logger.Debug("slot address rebound",
			logging.KeySessionID, d.SessionID.ShortString(),
			logging.KeySlot, slot,
			logging.KeyRemoteAddr, src.String())
	}

	target, ok := sess.ForwardTarget(slot, now)
	if !ok {
		// Counterpart has not sent its first datagram yet.
		s.metrics.RecordDrop(metrics.DropNotActive)
		return
	}

	// The session header is stripped; only the payload reaches the peer.
	if _, err := s.conn.WriteToUDPAddrPort(d.Payload, target); err != nil {
		s.metrics.RecordDrop(metrics.DropWriteError)
		s.logger.Debug("forward write failed",
			logging.KeySessionID, d.SessionID.ShortString(),
			logging.KeyError, err)
		return
	}

	s.metrics.RecordForward(len(d.Payload))
}
