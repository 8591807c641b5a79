// Package relay wires the session table, control plane, data plane, lease
// reaper, and supporting services into a single lifecycle.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/relay-server/internal/config"
	"github.com/postalsys/relay-server/internal/control"
	"github.com/postalsys/relay-server/internal/dataplane"
	"github.com/postalsys/relay-server/internal/health"
	"github.com/postalsys/relay-server/internal/logging"
	"github.com/postalsys/relay-server/internal/metrics"
	"github.com/postalsys/relay-server/internal/reaper"
	"github.com/postalsys/relay-server/internal/registry"
	"github.com/postalsys/relay-server/internal/session"
)

// Engine is the relay server: a session table shared by a TCP control plane
// and a UDP data plane, with a reaper expiring stale leases.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	table     *session.Table
	controlSv *control.Server
	dataSv    *dataplane.Server
	reaper    *reaper.Reaper
	healthSv  *health.Server
	registry  *registry.Client
	metrics   *metrics.Metrics

	running  atomic.Bool
	stopOnce sync.Once
}

// New creates an engine from validated configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	return NewWithMetrics(cfg, logger, metrics.Default())
}

// NewWithMetrics creates an engine with an injected metrics instance.
// Useful for tests that need an isolated registry.
func NewWithMetrics(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Engine, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	pinning, err := session.ParsePinning(cfg.AddressPinning)
	if err != nil {
		return nil, fmt.Errorf("address pinning: %w", err)
	}

	table := session.NewTable(session.Config{
		MinLease:        cfg.MinLease(),
		MaxLease:        cfg.MaxLease(),
		RateBytesPerSec: cfg.RateLimitBytesPerSec,
		RateBurstBytes:  cfg.RateLimitBurstBytes,
		Pinning:         pinning,
	})

	handler := control.NewHandler(table, cfg.Endpoint(), logger, m)
	controlSv := control.NewServer(control.ServerConfig{
		Address:        cfg.ListenTCPAddr,
		MaxConnections: cfg.Control.MaxConnections,
		ReadTimeout:    time.Duration(cfg.Control.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:   time.Duration(cfg.Control.WriteTimeoutSeconds) * time.Second,
	}, handler, logger)

	dataSv := dataplane.NewServer(dataplane.ServerConfig{
		Address:          cfg.ListenUDPAddr,
		Workers:          cfg.UDPWorkers,
		MaxDatagramBytes: cfg.MaxDatagramBytes,
	}, table, logger, m)

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		table:     table,
		controlSv: controlSv,
		dataSv:    dataSv,
		reaper:    reaper.New(table, cfg.SweepInterval(), logger, m),
		metrics:   m,
	}

	if cfg.Health.Enabled {
		e.healthSv = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  time.Duration(cfg.Health.ReadTimeoutSeconds) * time.Second,
			WriteTimeout: time.Duration(cfg.Health.WriteTimeoutSeconds) * time.Second,
		}, e)
	}
	if cfg.Registry.Enabled {
		e.registry = registry.NewClient(cfg.Registry.BaseURL, cfg.Registry.RelayID, cfg.Registry.APIKey, logger)
	}

	return e, nil
}

// Start brings up the data plane, control plane, reaper, and optional
// services. The data plane starts first so a session allocated over a fresh
// control connection can immediately send traffic.
func (e *Engine) Start() error {
	if e.running.Load() {
		return fmt.Errorf("engine already running")
	}

	if err := e.dataSv.Start(); err != nil {
		return fmt.Errorf("start data plane: %w", err)
	}
	if err := e.controlSv.Start(); err != nil {
		e.dataSv.Stop()
		return fmt.Errorf("start control plane: %w", err)
	}
	e.reaper.Start()

	e.running.Store(true)

	if e.healthSv != nil {
		if err := e.healthSv.Start(); err != nil {
			e.Stop()
			return fmt.Errorf("start health server: %w", err)
		}
		e.logger.Info("health server started",
			logging.KeyAddress, e.healthSv.Address().String())
	}

	if e.registry != nil {
		// Registration failures are not fatal; the relay still serves peers
		// that learned its endpoint elsewhere.
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := e.registry.Register(ctx, e.cfg.Endpoint()); err != nil {
			e.logger.Warn("registry registration failed", logging.KeyError, err)
		}
	}

	e.logger.Info("relay engine started",
		logging.KeyAddress, e.cfg.ListenUDPAddr)
	return nil
}

// Stop shuts components down in reverse startup order.
func (e *Engine) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		e.logger.Info("stopping relay engine")
		e.running.Store(false)

		if e.registry != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if derr := e.registry.Deregister(ctx); derr != nil {
				e.logger.Warn("registry deregistration failed", logging.KeyError, derr)
			}
			cancel()
		}

		if e.healthSv != nil {
			e.healthSv.Stop()
		}

		e.reaper.Stop()

		if cerr := e.controlSv.Stop(); cerr != nil && err == nil {
			err = cerr
		}
		if derr := e.dataSv.Stop(); derr != nil && err == nil {
			err = derr
		}
	})
	return err
}

// StopWithContext stops with a timeout.
func (e *Engine) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- e.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the engine is running.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// Stats implements health.StatsProvider.
func (e *Engine) Stats() health.Stats {
	tableStats := e.table.Stats()
	return health.Stats{
		SessionCount:       e.table.Len(),
		PendingSessions:    tableStats.Pending,
		ActiveSessions:     tableStats.Active,
		ControlConnections: e.controlSv.ConnectionCount(),
	}
}

// Table exposes the session table for tests and diagnostics.
func (e *Engine) Table() *session.Table {
	return e.table
}

// ControlAddress returns the control plane's bound address.
func (e *Engine) ControlAddress() string {
	if addr := e.controlSv.Address(); addr != nil {
		return addr.String()
	}
	return ""
}

// DataAddress returns the data plane's bound address.
func (e *Engine) DataAddress() string {
	if addr := e.dataSv.Address(); addr != nil {
		return addr.String()
	}
	return ""
}
