package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	Port        string `env:"PORT" default:"8080"`
	HostAddress string `env:"HOST_ADDRESS" default:"localhost"`
	StorageDir  string `env:"STORAGE_DIR" default:"./storage/sessions"`
	LogLevel    string `env:"LOG_LEVEL" default:"info"`
	LogFormat   string `env:"LOG_FORMAT" default:"text"`

	FileTTL             time.Duration `env:"FILE_TTL" default:"2m"`
	SimulatedPrintDelay time.Duration `env:"SIMULATED_PRINT_DELAY" default:"2s"`

	SandboxImage     string        `env:"SANDBOX_IMAGE" default:"printbox-sandbox:latest"`
	ProvisionTimeout time.Duration `env:"PROVISION_TIMEOUT" default:"3m"`
	TeardownTimeout  time.Duration `env:"TEARDOWN_TIMEOUT" default:"30s"`

	CUPSServer     string        `env:"CUPS_SERVER"`
	SpoolerTimeout time.Duration `env:"SPOOLER_TIMEOUT" default:"30s"`

	MaxUploadMB    int64 `env:"MAX_UPLOAD_MB" default:"50"`
	UploadsPerHour int   `env:"UPLOADS_PER_HOUR" default:"600"`
	UploadBurst    int   `env:"UPLOAD_BURST" default:"20"`

	// Comma-separated addresses or CIDRs whose X-Forwarded-For header is honoured
	TrustedProxies string `env:"TRUSTED_PROXIES"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// PublicBaseURL is the externally reachable root used to build upload locators.
func (c *Config) PublicBaseURL() string {
	return "http://" + net.JoinHostPort(c.HostAddress, c.Port)
}

// ListenAddr is the address the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return ":" + c.Port
}

// MaxUploadBytes converts the configured upload limit to bytes.
func (c *Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}

// ProxyPrefixes returns the parsed TRUSTED_PROXIES list. Load has already validated it.
func (c *Config) ProxyPrefixes() []netip.Prefix {
	prefixes, _ := parseProxies(c.TrustedProxies)
	return prefixes
}

func parseProxies(list string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, err
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func validate(cfg *Config) error {
	durations := map[string]time.Duration{
		"FILE_TTL":              cfg.FileTTL,
		"SIMULATED_PRINT_DELAY": cfg.SimulatedPrintDelay,
		"PROVISION_TIMEOUT":     cfg.ProvisionTimeout,
		"TEARDOWN_TIMEOUT":      cfg.TeardownTimeout,
		"SPOOLER_TIMEOUT":       cfg.SpoolerTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	if cfg.StorageDir == "" {
		return errors.New("STORAGE_DIR is required")
	}
	if cfg.SandboxImage == "" {
		return errors.New("SANDBOX_IMAGE is required")
	}
	if cfg.MaxUploadMB <= 0 {
		return fmt.Errorf("MAX_UPLOAD_MB must be positive, got %d", cfg.MaxUploadMB)
	}
	if cfg.UploadsPerHour <= 0 || cfg.UploadBurst <= 0 {
		return errors.New("UPLOADS_PER_HOUR and UPLOAD_BURST must be positive")
	}
	if _, err := parseProxies(cfg.TrustedProxies); err != nil {
		return fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
	}

	return nil
}
