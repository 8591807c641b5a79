// Package control implements the TCP control plane: a length-prefixed frame
// protocol for allocating, binding, refreshing, and releasing relay sessions.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"

	"github.com/postalsys/relay-server/internal/logging"
	"github.com/postalsys/relay-server/internal/metrics"
	"github.com/postalsys/relay-server/internal/protocol"
	"github.com/postalsys/relay-server/internal/recovery"
)

// ServerConfig holds control server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., ":8081")
	Address string

	// MaxConnections limits concurrent connections (0 = unlimited)
	MaxConnections int

	// ReadTimeout bounds idle time between requests on a connection
	ReadTimeout time.Duration

	// WriteTimeout bounds a single response write
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:        ":8081",
		MaxConnections: 1000,
		ReadTimeout:    5 * time.Minute,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the control plane TCP server.
type Server struct {
	cfg     ServerConfig
	handler *Handler
	logger  *slog.Logger
	metrics *metrics.Metrics

	listener net.Listener

	mu          sync.Mutex
	connections map[net.Conn]struct{}
	connCount   atomic.Int64

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a control server around the given handler.
func NewServer(cfg ServerConfig, handler *Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Server{
		cfg:         cfg,
		handler:     handler,
		logger:      logger,
		metrics:     handler.metrics,
		connections: make(map[net.Conn]struct{}),
		stopCh:      make(chan struct{}),
	}
}

// Start starts the control server.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	if s.cfg.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, s.cfg.MaxConnections)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("control server started", logging.KeyAddress, listener.Addr().String())
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)

		if s.listener != nil {
			err = s.listener.Close()
		}

		s.mu.Lock()
		for conn := range s.connections {
			conn.Close()
		}
		s.mu.Unlock()
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

// Address returns the listening address.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int64 {
	return s.connCount.Load()
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// acceptLoop accepts new connections.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Warn("accept failed", logging.KeyError, err)
				continue
			}
		}

		s.trackConn(conn, true)
		s.metrics.RecordControlConnect()
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn serves request frames on a single connection until the client
// disconnects or an I/O error occurs.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "control-conn")
	defer s.trackConn(conn, false)
	defer s.metrics.RecordControlDisconnect()
	defer conn.Close()

	reader := protocol.NewFrameReader(conn)
	writer := protocol.NewFrameWriter(conn)

	for {
		if s.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}

		req, err := reader.Read()
		if err != nil {
			// EOF and deadline errors are normal connection teardown.
			return
		}

		resp := s.handler.Handle(req)

		if s.cfg.WriteTimeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		}
		if err := writer.Write(resp); err != nil {
			s.logger.Debug("response write failed",
				logging.KeyRemoteAddr, conn.RemoteAddr().String(),
				logging.KeyError, err)
			return
		}
	}
}

// trackConn tracks active connections.
func (s *Server) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if add {
		s.connections[conn] = struct{}{}
		s.connCount.Add(1)
	} else {
		delete(s.connections, conn)
		s.connCount.Add(-1)
	}
}
