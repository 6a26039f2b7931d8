// Package config loads and validates the environment-driven configuration
// surface for the workbench isolation kernel.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/gravitational/trace"
)

// Mode selects whether the isolation kernel is wired at all.
type Mode string

const (
	// ModeSingle runs the server for a single implicit user with no
	// authentication and no tenant filtering.
	ModeSingle Mode = "single"
	// ModeMulti requires a bearer credential on every protected route and
	// enforces tenant isolation throughout the stack.
	ModeMulti Mode = "multi"
)

const (
	defaultSessionIdle      = 30 * time.Minute
	defaultReaperInterval   = 5 * time.Minute
	defaultDBMaxConn        = 10
	defaultDBTimeout        = 30 * time.Second
)

// Config is the full set of environment knobs described in spec §6.
type Config struct {
	// DeploymentMode is "single" or "multi".
	DeploymentMode Mode
	// DatabaseURL is the Tenant Store connection string.
	DatabaseURL string
	// TokenSecret is the HMAC key used by the Identity Verifier.
	TokenSecret []byte
	// SecretKey is the 256-bit AEAD key used by the Secret Vault.
	SecretKey []byte
	// WorkspaceRoot is the filesystem prefix used by the Path Sandbox.
	WorkspaceRoot string
	// SessionIdle is T_idle from spec §4.6.
	SessionIdle time.Duration
	// ReaperInterval is the sweep period from spec §4.8.
	ReaperInterval time.Duration
	// DBMaxConn is the Tenant Store pool size.
	DBMaxConn int
	// DBTimeout bounds individual database operations.
	DBTimeout time.Duration
	// ListenAddr is the address the HTTP/WebSocket transport binds to.
	ListenAddr string
}

// FromEnv reads the configuration surface from the process environment.
func FromEnv() (*Config, error) {
	cfg := &Config{
		DeploymentMode: Mode(getEnv("DEPLOYMENT_MODE", string(ModeMulti))),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		WorkspaceRoot:  getEnv("WORKSPACE_ROOT", "/workspaces"),
		ListenAddr:     getEnv("LISTEN_ADDR", ":3080"),
	}

	if secret := os.Getenv("TOKEN_SECRET"); secret != "" {
		cfg.TokenSecret = []byte(secret)
	}
	if key := os.Getenv("SECRET_KEY"); key != "" {
		cfg.SecretKey = []byte(key)
	}

	idleSecs, err := intEnv("SESSION_IDLE_SECS", int(defaultSessionIdle.Seconds()))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.SessionIdle = time.Duration(idleSecs) * time.Second

	reaperSecs, err := intEnv("REAPER_INTERVAL_SECS", int(defaultReaperInterval.Seconds()))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.ReaperInterval = time.Duration(reaperSecs) * time.Second

	maxConn, err := intEnv("DB_MAX_CONN", defaultDBMaxConn)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.DBMaxConn = maxConn
	cfg.DBTimeout = defaultDBTimeout

	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// CheckAndSetDefaults validates required fields and fills in defaults,
// following the teacher's CheckAndSetDefaults convention used throughout
// lib/auth and lib/srv configs.
func (c *Config) CheckAndSetDefaults() error {
	switch c.DeploymentMode {
	case ModeSingle, ModeMulti:
	case "":
		c.DeploymentMode = ModeMulti
	default:
		return trace.BadParameter("invalid DEPLOYMENT_MODE %q", c.DeploymentMode)
	}

	if c.WorkspaceRoot == "" {
		return trace.BadParameter("WORKSPACE_ROOT is required")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":3080"
	}

	if c.DeploymentMode == ModeMulti {
		if c.DatabaseURL == "" {
			return trace.BadParameter("DATABASE_URL is required in multi-tenant mode")
		}
		if len(c.TokenSecret) < 32 {
			return trace.BadParameter("TOKEN_SECRET must be at least 256 bits")
		}
	}

	if len(c.SecretKey) != 0 && len(c.SecretKey) != 32 {
		return trace.BadParameter("SECRET_KEY must be exactly 256 bits (32 bytes), got %d bytes", len(c.SecretKey))
	}

	if c.SessionIdle <= 0 {
		c.SessionIdle = defaultSessionIdle
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = defaultReaperInterval
	}
	if c.DBMaxConn <= 0 {
		c.DBMaxConn = defaultDBMaxConn
	}
	if c.DBTimeout <= 0 {
		c.DBTimeout = defaultDBTimeout
	}

	return nil
}

// IsMultiTenant reports whether the isolation kernel should be wired.
func (c *Config) IsMultiTenant() bool {
	return c.DeploymentMode == ModeMulti
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, trace.BadParameter("invalid %s: %v", key, err)
	}
	return n, nil
}
