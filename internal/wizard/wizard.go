// Package wizard provides an interactive setup wizard for the relay server.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/postalsys/relay-server/internal/config"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	configPath, udpAddr, tcpAddr, err := w.askListeners()
	if err != nil {
		return nil, err
	}

	minLease, maxLease, pinning, err := w.askLeasePolicy()
	if err != nil {
		return nil, err
	}

	rateLimit, burst, err := w.askLimits()
	if err != nil {
		return nil, err
	}

	healthAddr, err := w.askHealth()
	if err != nil {
		return nil, err
	}

	cfg := buildConfig(udpAddr, tcpAddr, minLease, maxLease, pinning, rateLimit, burst, healthAddr)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("generated config is invalid: %w", err)
	}

	var confirmed bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Write configuration to %s?", configPath)).
				Value(&confirmed),
		),
	).WithTheme(w.theme)
	if err := form.Run(); err != nil {
		return nil, err
	}
	if !confirmed {
		return nil, fmt.Errorf("setup cancelled")
	}

	if err := writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	w.printSummary(configPath, cfg)

	return &Result{Config: cfg, ConfigPath: configPath}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render("Relay Server Setup")

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("Session-oriented UDP packet relay")

	fmt.Println()
	fmt.Println(banner)
	fmt.Println(subtitle)
	fmt.Println()
}

func (w *Wizard) askListeners() (configPath, udpAddr, tcpAddr string, err error) {
	configPath = "config.toml"
	udpAddr = ":8080"
	tcpAddr = ":8081"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Listeners").
				Description("The data plane receives relayed UDP traffic; the control plane accepts TCP session management connections."),
			huh.NewInput().
				Title("Config file path").
				Value(&configPath),
			huh.NewInput().
				Title("UDP data plane address").
				Value(&udpAddr).
				Validate(validateAddr),
			huh.NewInput().
				Title("TCP control plane address").
				Value(&tcpAddr).
				Validate(validateAddr),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return configPath, udpAddr, tcpAddr, err
}

func (w *Wizard) askLeasePolicy() (minLease, maxLease int, pinning string, err error) {
	minStr := "10"
	maxStr := "600"
	pinning = "pinned"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Session leases").
				Description("Sessions expire unless refreshed before the lease deadline."),
			huh.NewInput().
				Title("Minimum lease (seconds)").
				Value(&minStr).
				Validate(validatePositiveInt),
			huh.NewInput().
				Title("Maximum lease (seconds)").
				Value(&maxStr).
				Validate(validatePositiveInt),
			huh.NewSelect[string]().
				Title("Address pinning").
				Options(
					huh.NewOption("Pinned (reject new source addresses, safest)", "pinned"),
					huh.NewOption("Mobile (follow peers across NAT rebinds)", "mobile"),
				).
				Value(&pinning),
		),
	).WithTheme(w.theme)

	if err = form.Run(); err != nil {
		return 0, 0, "", err
	}

	minLease, _ = strconv.Atoi(minStr)
	maxLease, _ = strconv.Atoi(maxStr)
	return minLease, maxLease, pinning, nil
}

func (w *Wizard) askLimits() (rateLimit int64, burst int, err error) {
	rateStr := "1 MiB"
	burstStr := "256 KiB"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Bandwidth limits").
				Description("Per-session forwarding budget. Sizes accept units like 512 KiB or 2 MB; leave the rate empty for unlimited."),
			huh.NewInput().
				Title("Rate limit per second").
				Value(&rateStr).
				Validate(validateOptionalSize),
			huh.NewInput().
				Title("Burst size").
				Value(&burstStr).
				Validate(validateOptionalSize),
		),
	).WithTheme(w.theme)

	if err = form.Run(); err != nil {
		return 0, 0, err
	}

	rateLimit, err = parseSize(rateStr)
	if err != nil {
		return 0, 0, err
	}
	burstVal, err := parseSize(burstStr)
	if err != nil {
		return 0, 0, err
	}
	return rateLimit, int(burstVal), nil
}

func (w *Wizard) askHealth() (string, error) {
	enabled := true
	addr := ":8082"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable health/metrics HTTP server?").
				Value(&enabled),
			huh.NewInput().
				Title("Health server address").
				Value(&addr).
				Validate(validateAddr),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return "", err
	}
	if !enabled {
		return "", nil
	}
	return addr, nil
}

// buildConfig assembles a Config from wizard answers. An empty healthAddr
// leaves the health server disabled; a zero rate disables rate limiting.
func buildConfig(udpAddr, tcpAddr string, minLease, maxLease int, pinning string, rateLimit int64, burst int, healthAddr string) *config.Config {
	cfg := config.Default()
	cfg.ListenUDPAddr = udpAddr
	cfg.ListenTCPAddr = tcpAddr
	cfg.MinLeaseSeconds = minLease
	cfg.MaxLeaseSeconds = maxLease
	cfg.AddressPinning = pinning
	cfg.RateLimitBytesPerSec = rateLimit
	if burst > 0 {
		cfg.RateLimitBurstBytes = burst
	}
	if healthAddr != "" {
		cfg.Health.Enabled = true
		cfg.Health.Address = healthAddr
	}
	return cfg
}

func writeConfig(cfg *config.Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	var sb strings.Builder
	sb.WriteString("# Relay server configuration\n")
	sb.WriteString("# Generated by setup wizard\n\n")
	if err := toml.NewEncoder(&sb).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Data plane:   udp://%s\n", cfg.ListenUDPAddr)
	fmt.Printf("  Control:      tcp://%s\n", cfg.ListenTCPAddr)
	fmt.Printf("  Leases:       %d-%d seconds, %s addressing\n",
		cfg.MinLeaseSeconds, cfg.MaxLeaseSeconds, cfg.AddressPinning)

	if cfg.RateLimitBytesPerSec > 0 {
		fmt.Printf("  Rate limit:   %s/s per session (burst %s)\n",
			humanize.IBytes(uint64(cfg.RateLimitBytesPerSec)),
			humanize.IBytes(uint64(cfg.RateLimitBurstBytes)))
	}
	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start the relay:")
	fmt.Printf("    relay-server run -c %s\n", configPath)
	fmt.Println()
}

// parseSize parses a human-readable size ("1 MiB", "512 KB", "1024").
// An empty string parses to zero.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	bytes, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size '%s': %w", s, err)
	}
	return int64(bytes), nil
}

func validateAddr(s string) error {
	if s == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("use host:port or :port format")
	}
	return nil
}

func validatePositiveInt(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return fmt.Errorf("enter a positive number")
	}
	return nil
}

func validateOptionalSize(s string) error {
	_, err := parseSize(s)
	return err
}
