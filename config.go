package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

// SessionResolver returns the end-user session the host application
// established for r, or nil when nobody is logged in. An error is answered
// with server_error.
type SessionResolver func(r *http.Request) (*storage.Session, error)

// Config configures the HTTP binding.
type Config struct {
	// Sessions resolves the host's login session. Required.
	Sessions SessionResolver

	// Registration configures the dynamic client registration endpoint.
	Registration RegistrationConfig

	// MaxRequestBytes bounds form and JSON request bodies.
	MaxRequestBytes int64 // default: 65536

	// DisableMetricsEndpoint stops serving /metrics even when the server
	// has Prometheus instrumentation.
	DisableMetricsEndpoint bool
}

// RegistrationConfig configures POST /register (RFC 7591).
type RegistrationConfig struct {
	// Enabled serves the registration endpoint.
	Enabled bool

	// AccessToken is the initial access token clients must present as a
	// Bearer token (RFC 7591 Section 3).
	AccessToken string

	// AllowUnauthenticated accepts registrations without a token.
	// WARNING: anybody can then create clients.
	AllowUnauthenticated bool

	// MaxPerWindow and Window bound registrations per client IP.
	MaxPerWindow int           // default: 10
	Window       time.Duration // default: 1 hour
}

const defaultMaxRequestBytes = 64 << 10

// applyDefaults fills unset fields. It never overrides explicit values.
func applyDefaults(config *Config) *Config {
	if config.MaxRequestBytes == 0 {
		config.MaxRequestBytes = defaultMaxRequestBytes
	}
	if config.Registration.MaxPerWindow == 0 {
		config.Registration.MaxPerWindow = security.DefaultMaxRegistrationsPerHour
	}
	if config.Registration.Window == 0 {
		config.Registration.Window = security.DefaultRegistrationWindow
	}
	return config
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Sessions == nil {
		return errors.New("sessions resolver is required")
	}
	if c.MaxRequestBytes < 0 {
		return fmt.Errorf("max request bytes must not be negative, got %d", c.MaxRequestBytes)
	}
	if c.Registration.Enabled && c.Registration.AccessToken == "" && !c.Registration.AllowUnauthenticated {
		return errors.New("client registration requires an access token or AllowUnauthenticated")
	}
	if c.Registration.MaxPerWindow < 0 {
		return fmt.Errorf("registration limit must not be negative, got %d", c.Registration.MaxPerWindow)
	}
	return nil
}
