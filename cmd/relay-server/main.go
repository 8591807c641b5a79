// Package main provides the CLI entry point for the relay server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/relay-server/internal/config"
	"github.com/postalsys/relay-server/internal/loadtest"
	"github.com/postalsys/relay-server/internal/logging"
	"github.com/postalsys/relay-server/internal/relay"
	"github.com/postalsys/relay-server/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relay-server",
		Short: "Session-oriented UDP packet relay",
		Long: `relay-server lets two endpoints exchange UDP traffic through a
rendezvous point when direct connectivity is unavailable.

Clients allocate sessions over a TCP control protocol, share the
session credentials out-of-band, and exchange authenticated UDP
datagrams that the relay forwards between the two bound peers.`,
		Version: Version,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(benchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup",
		Long:  "Generate a config.toml through an interactive setup wizard.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay server",
		Long:  "Start the relay server with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			engine, err := relay.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create relay engine: %w", err)
			}

			if err := engine.Start(); err != nil {
				return fmt.Errorf("failed to start relay engine: %w", err)
			}

			fmt.Printf("Data plane:    udp://%s\n", engine.DataAddress())
			fmt.Printf("Control plane: tcp://%s\n", engine.ControlAddress())
			if cfg.Health.Enabled {
				fmt.Printf("Health:        http://%s/health\n", cfg.Health.Address)
			}

			// Wait for shutdown signal
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			// Graceful shutdown with timeout
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := engine.StopWithContext(ctx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Relay stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default: search config.toml locations)")

	return cmd
}

func benchCmd() *cobra.Command {
	cfg := loadtest.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Load test a running relay",
		Long:  "Drive concurrent sessions against a running relay server and report throughput and loss.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.ControlAddr == "" || cfg.DataAddr == "" {
				return fmt.Errorf("--control and --data addresses are required")
			}

			fmt.Printf("Driving %d sessions x %d datagrams (%s payloads)...\n",
				cfg.Sessions, cfg.DatagramsPerSession, humanize.IBytes(uint64(cfg.PayloadSize)))

			m, err := loadtest.Run(cmd.Context(), cfg, logging.NewLogger("info", "text"))
			if err != nil {
				return err
			}

			fmt.Printf("\nSessions:   %d attempted, %d failed\n", m.SessionsAttempted, m.SessionsFailed)
			fmt.Printf("Datagrams:  %d sent, %d received (%.1f%% loss)\n",
				m.DatagramsSent, m.DatagramsReceived, m.LossPercent)
			fmt.Printf("Throughput: %.2f Mbps over %s (%s received)\n",
				m.ThroughputMbps, m.Duration.Round(time.Millisecond),
				humanize.IBytes(uint64(m.BytesReceived)))
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.ControlAddr, "control", "", "Relay control plane address (host:port)")
	cmd.Flags().StringVar(&cfg.DataAddr, "data", "", "Relay data plane address (host:port)")
	cmd.Flags().IntVar(&cfg.Sessions, "sessions", cfg.Sessions, "Concurrent sessions to drive")
	cmd.Flags().IntVar(&cfg.DatagramsPerSession, "datagrams", cfg.DatagramsPerSession, "Datagrams per session")
	cmd.Flags().IntVar(&cfg.PayloadSize, "payload", cfg.PayloadSize, "Payload bytes per datagram")

	return cmd
}

func checkCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration",
		Long:  "Load and validate the configuration file, then print the effective settings with secrets redacted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Println("Configuration OK")
			fmt.Println()
			fmt.Print(cfg.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default: search config.toml locations)")

	return cmd
}
