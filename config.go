package folio

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/folio/client"
	"pkt.systems/folio/internal/mask"
	"pkt.systems/folio/internal/pathutil"
)

const (
	// DefaultServer is the backend base URL used when none is configured.
	DefaultServer = "http://localhost:3000/api"
	// DefaultHTTPTimeout bounds every backend request.
	DefaultHTTPTimeout = client.DefaultHTTPTimeout
	// DefaultRenewTimeout bounds one credential renewal.
	DefaultRenewTimeout = client.DefaultRenewTimeout
	// DefaultMaskKey is the byte page and preview payloads are masked with.
	DefaultMaskKey = mask.DefaultKey
	// DefaultViewportWidth is used for off-terminal rendering when no width is set.
	DefaultViewportWidth = 80
	// DefaultViewportHeight is used for off-terminal rendering when no height is set.
	DefaultViewportHeight = 24
	// DefaultLogLevel is applied when no log level is configured.
	DefaultLogLevel = "info"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
	// DefaultTokenFileName is the session file kept in the config directory.
	DefaultTokenFileName = "session.json"
)

// Config captures the settings of a folio client process.
type Config struct {
	// Server is the backend base URL, e.g. https://library.example.com/api.
	Server string
	// HTTPTimeout bounds each backend request.
	HTTPTimeout time.Duration
	// RenewTimeout bounds one credential renewal.
	RenewTimeout time.Duration
	// TokenFile persists the access credential between runs. Empty keeps it
	// in memory only when InMemorySession is set, otherwise the file in the
	// default config directory is used.
	TokenFile       string
	InMemorySession bool
	// MaskKey is the XOR key of page payloads. MaskKeySet distinguishes an
	// explicit 0 from an unset key.
	MaskKey    byte
	MaskKeySet bool

	ViewportWidth  int
	ViewportHeight int
	// DisablePrefetch turns off the speculative fetch of page N+1.
	DisablePrefetch bool

	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://, https:// or host:port).
	OTLPEndpoint string
	// MetricsListen exposes a Prometheus /metrics endpoint when non-empty.
	MetricsListen string
	// EnableRuntimeMetrics adds Go runtime metrics to the Prometheus endpoint.
	EnableRuntimeMetrics bool

	LogLevel string
}

// Validate normalises the configuration and fills defaults.
func (c *Config) Validate() error {
	c.Server = strings.TrimSpace(c.Server)
	if c.Server == "" {
		c.Server = DefaultServer
	}
	u, err := url.Parse(c.Server)
	if err != nil {
		return fmt.Errorf("config: parse server: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config: server %q must use http or https", c.Server)
	}
	if u.Host == "" {
		return fmt.Errorf("config: server %q has no host", c.Server)
	}
	if c.HTTPTimeout < 0 {
		return fmt.Errorf("config: http timeout must be >= 0")
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.RenewTimeout < 0 {
		return fmt.Errorf("config: renew timeout must be >= 0")
	}
	if c.RenewTimeout == 0 {
		c.RenewTimeout = DefaultRenewTimeout
	}
	if !c.MaskKeySet {
		c.MaskKey = DefaultMaskKey
		c.MaskKeySet = true
	}
	if c.ViewportWidth < 0 || c.ViewportHeight < 0 {
		return fmt.Errorf("config: viewport must be >= 0")
	}
	if c.ViewportWidth == 0 {
		c.ViewportWidth = DefaultViewportWidth
	}
	if c.ViewportHeight == 0 {
		c.ViewportHeight = DefaultViewportHeight
	}
	if !c.InMemorySession {
		if strings.TrimSpace(c.TokenFile) == "" {
			path, err := DefaultTokenPath()
			if err != nil {
				return fmt.Errorf("config: resolve token file: %w", err)
			}
			c.TokenFile = path
		}
		expanded, err := pathutil.ExpandAbs(c.TokenFile)
		if err != nil {
			return fmt.Errorf("config: expand token file: %w", err)
		}
		c.TokenFile = expanded
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if _, ok := pslog.ParseLevel(c.LogLevel); !ok {
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	c.MetricsListen = strings.TrimSpace(c.MetricsListen)
	c.OTLPEndpoint = strings.TrimSpace(c.OTLPEndpoint)
	if c.EnableRuntimeMetrics && c.MetricsListen == "" {
		return fmt.Errorf("config: runtime metrics require a metrics listen address")
	}
	if c.OTLPEndpoint != "" {
		if _, err := resolveOTLPTarget(c.OTLPEndpoint); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

// DefaultConfigDir returns the directory folio keeps its config and session
// in. FOLIO_CONFIG_DIR overrides $HOME/.folio.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("FOLIO_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".folio"), nil
}

// DefaultTokenPath returns the session file inside DefaultConfigDir.
func DefaultTokenPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultTokenFileName), nil
}
