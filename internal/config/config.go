package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration populated from environment variables.
type Config struct {
	// Core
	ListenHost   string
	ListenPort   int
	BaseAuthPath string // prefix for all control-plane routes, e.g. "/nodejs/"
	SocketPath   string // path clients use for the WebSocket upgrade
	ServerEnv    string // "development" or "production"
	Debug        bool

	// Shared secret required on every control-plane request.
	ServiceKey string

	// Backend callback endpoint. Messages are POSTed to
	// <scheme>://<host>:<port><basePath><messagePath>.
	BackendScheme      string
	BackendHost        string
	BackendPort        int
	BackendBasePath    string
	BackendMessagePath string
	BackendStrictSSL   bool
	BackendHTTPUser    string
	BackendHTTPPass    string

	// Gateway behaviour
	ClientsCanWriteToClients bool
	OfflineGracePeriod       time.Duration

	// TLS termination for the listener
	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string
}

// Load reads configuration from environment variables, applying defaults where unset. It
// returns an error if any variable is set but cannot be parsed, or if required values are
// inconsistent. Configuration errors are fatal at startup only; nothing re-reads the
// environment after Load returns.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		ListenHost:   envStr("LISTEN_HOST", ""),
		ListenPort:   p.int("LISTEN_PORT", 8080),
		BaseAuthPath: envStr("BASE_AUTH_PATH", "/nodejs/"),
		SocketPath:   envStr("SOCKET_PATH", "/socket"),
		ServerEnv:    envStr("SERVER_ENV", "production"),
		Debug:        p.bool("DEBUG", false),

		ServiceKey: envStr("SERVICE_KEY", ""),

		BackendScheme:      envStr("BACKEND_SCHEME", "http"),
		BackendHost:        envStr("BACKEND_HOST", "localhost"),
		BackendPort:        p.int("BACKEND_PORT", 80),
		BackendBasePath:    envStr("BACKEND_BASE_PATH", "/nodejs/"),
		BackendMessagePath: envStr("BACKEND_MESSAGE_PATH", "message"),
		BackendStrictSSL:   p.bool("BACKEND_STRICT_SSL", true),
		BackendHTTPUser:    envStr("BACKEND_HTTP_USER", ""),
		BackendHTTPPass:    envStr("BACKEND_HTTP_PASS", ""),

		ClientsCanWriteToClients: p.bool("CLIENTS_CAN_WRITE_TO_CLIENTS", false),
		OfflineGracePeriod:       p.duration("OFFLINE_GRACE_PERIOD", 2*time.Second),

		TLSEnabled:  p.bool("TLS_ENABLED", false),
		TLSCertFile: envStr("TLS_CERT_FILE", ""),
		TLSKeyFile:  envStr("TLS_KEY_FILE", ""),
	}

	if parseErr := errors.Join(p.errs...); parseErr != nil {
		return nil, parseErr
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDevelopment returns true when running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.ServerEnv == "development"
}

// BackendMessageURL composes the URL that authenticate/userOnline/userOffline messages are
// POSTed to.
func (c *Config) BackendMessageURL() string {
	return fmt.Sprintf("%s://%s:%d%s%s",
		c.BackendScheme, c.BackendHost, c.BackendPort, c.BackendBasePath, c.BackendMessagePath)
}

// ListenAddr returns the host:port the server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenHost, c.ListenPort)
}

func (c *Config) validate() error {
	var errs []error

	if c.ListenPort < 1 || c.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("LISTEN_PORT must be between 1 and 65535"))
	}
	if c.BackendPort < 1 || c.BackendPort > 65535 {
		errs = append(errs, fmt.Errorf("BACKEND_PORT must be between 1 and 65535"))
	}

	if c.BackendScheme != "http" && c.BackendScheme != "https" {
		errs = append(errs, fmt.Errorf("BACKEND_SCHEME must be \"http\" or \"https\", got %q", c.BackendScheme))
	}

	if !strings.HasPrefix(c.BaseAuthPath, "/") || !strings.HasSuffix(c.BaseAuthPath, "/") {
		errs = append(errs, fmt.Errorf("BASE_AUTH_PATH must start and end with \"/\", got %q", c.BaseAuthPath))
	}
	if !strings.HasPrefix(c.SocketPath, "/") {
		errs = append(errs, fmt.Errorf("SOCKET_PATH must start with \"/\", got %q", c.SocketPath))
	}
	if !strings.HasPrefix(c.BackendBasePath, "/") || !strings.HasSuffix(c.BackendBasePath, "/") {
		errs = append(errs, fmt.Errorf("BACKEND_BASE_PATH must start and end with \"/\", got %q", c.BackendBasePath))
	}

	if c.OfflineGracePeriod < 0 {
		errs = append(errs, fmt.Errorf("OFFLINE_GRACE_PERIOD must not be negative"))
	}

	if c.ServiceKey == "" {
		// Not fatal: an empty key disables the check entirely, which is only sensible in
		// development behind a trusted network.
		if !c.IsDevelopment() {
			errs = append(errs, fmt.Errorf("SERVICE_KEY is required outside development"))
		}
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" || c.TLSKeyFile == "" {
			errs = append(errs, fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE are required when TLS_ENABLED is set"))
		} else {
			if _, err := os.Stat(c.TLSCertFile); err != nil {
				errs = append(errs, fmt.Errorf("TLS_CERT_FILE is not readable: %w", err))
			}
			if _, err := os.Stat(c.TLSKeyFile); err != nil {
				errs = append(errs, fmt.Errorf("TLS_KEY_FILE is not readable: %w", err))
			}
		}
	}

	return errors.Join(errs...)
}

// parser collects parse errors so Load can report all invalid values at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected integer)", key, v))
		return fallback
	}
	return n
}

func (p *parser) bool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected boolean)", key, v))
		return fallback
	}
	return b
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected duration like \"2s\" or \"500ms\")", key, v))
		return fallback
	}
	return d
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
