package server

import (
	"log/slog"
	"strings"
	"time"

	"github.com/giantswarm/oauth2-server/protocol"
	"github.com/giantswarm/oauth2-server/scope"
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL). Required.
	Issuer string

	// Endpoint URLs published in the discovery document. Each defaults to
	// Issuer plus the matching path of the HTTP handler.
	AuthorizationEndpoint string
	TokenEndpoint         string
	RevocationEndpoint    string
	IntrospectionEndpoint string
	JWKSURI               string

	// LoginURL is the host's login page. Authorization requests without a
	// session are redirected there with a redirect_to parameter. Required.
	LoginURL string

	// ConsentURL is the host's consent page. When empty, a session without
	// a covering consent is answered with access_denied.
	ConsentURL string

	// ErrorURL receives errors that cannot be sent to the client's
	// redirect_uri (unknown client, unsupported response_type, invalid
	// redirect_uri). When empty those errors are returned as JSON.
	ErrorURL string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 7776000 (90 days)

	// IDTokenTTL is how long id_tokens are valid
	IDTokenTTL int64 // seconds, default: 3600 (1 hour)

	// JARMResponseTTL bounds the lifetime of signed authorization responses
	JARMResponseTTL int64 // seconds, default: 600 (10 minutes)

	// PromptConsentMaxAge is how recent a stored consent must be to satisfy
	// prompt=consent. Older consents send the end-user back to ConsentURL.
	PromptConsentMaxAge int64 // seconds, default: 300 (5 minutes)

	// ScopesSupported is the server scope vocabulary. Requested scopes
	// outside it are rejected with invalid_scope.
	// Default: openid, offline_access
	ScopesSupported []string

	// UILocalesSupported and ACRValuesSupported are the allow-lists for the
	// ui_locales and acr_values parameters. With an empty list every
	// requested value is rejected.
	UILocalesSupported []string
	ACRValuesSupported []string

	// DisplayValuesSupported lists the accepted display values.
	// Default: page, popup, touch, wap
	DisplayValuesSupported []string

	// OfflineAccessPolicy decides when offline_access survives an
	// authorization request.
	// Default: keep
	OfflineAccessPolicy scope.OfflineAccessPolicy

	// DisableRefreshTokenRotation keeps refresh tokens valid after use.
	// WARNING: a stolen refresh token then stays usable until it expires.
	DisableRefreshTokenRotation bool

	// AllowPKCEPlain registers the 'plain' code_challenge_method.
	// WARNING: 'plain' offers no protection if the challenge leaks.
	// Default: false (S256 only)
	AllowPKCEPlain bool

	// IDTokenSigningAlg is the default id_token algorithm. Empty selects the
	// first configured signing key.
	IDTokenSigningAlg string

	// ClientAssertionAudiences are additional aud values accepted in
	// client_secret_jwt and private_key_jwt assertions. The issuer and the
	// token endpoint are always accepted.
	ClientAssertionAudiences []string

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Default: 1
	TrustedProxyCount int

	// RateLimitRequestsPerSecond limits token, revocation and introspection
	// requests per client IP. Zero disables rate limiting.
	RateLimitRequestsPerSecond float64

	// RateLimitBurst is the burst allowed per client IP
	// Default: 20
	RateLimitBurst int

	// ProductionMode requires https redirect URIs for registered clients,
	// except on loopback addresses (RFC 8252 Section 7.3).
	// Enabled unless DisableProductionMode is set.
	ProductionMode        bool
	DisableProductionMode bool

	// AllowInsecureHTTP permits an http issuer on a non-loopback host.
	// WARNING: every credential then crosses the network in clear text.
	AllowInsecureHTTP bool

	// AllowLocalhostRedirectURIs, AllowPrivateIPRedirectURIs and
	// AllowLinkLocalRedirectURIs relax redirect URI checks at registration.
	AllowLocalhostRedirectURIs bool
	AllowPrivateIPRedirectURIs bool
	AllowLinkLocalRedirectURIs bool

	// AllowedCustomSchemes is a list of allowed custom URI scheme patterns (regex)
	// Default: ["^[a-z][a-z0-9+.-]*$"] (RFC 3986 compliant schemes)
	AllowedCustomSchemes []string

	// BlockedRedirectSchemes are never accepted as redirect URI schemes
	// Default: javascript, data, file, vbscript, about, blob
	BlockedRedirectSchemes []string

	// EnableAuditLogging enables security audit logging
	EnableAuditLogging bool

	// Clock overrides the time source. Nil uses time.Now.
	Clock func() time.Time
}

// Default values applied by applyDefaults.
var (
	DefaultScopesSupported        = []string{protocol.ScopeOpenID, protocol.ScopeOfflineAccess}
	DefaultDisplayValuesSupported = []string{protocol.DisplayPage, protocol.DisplayPopup, protocol.DisplayTouch, protocol.DisplayWAP}
	DefaultAllowedCustomSchemes   = []string{"^[a-z][a-z0-9+.-]*$"}
	DefaultBlockedRedirectSchemes = []string{"javascript", "data", "file", "vbscript", "about", "blob"}
)

const defaultRateLimitBurst = 20

// applyDefaults fills unset fields. It never overrides explicit values.
func applyDefaults(config *Config, logger *slog.Logger) *Config {
	applyEndpointDefaults(config)
	applyTimeDefaults(config)

	if len(config.ScopesSupported) == 0 {
		config.ScopesSupported = DefaultScopesSupported
	}
	if len(config.DisplayValuesSupported) == 0 {
		config.DisplayValuesSupported = DefaultDisplayValuesSupported
	}
	if config.OfflineAccessPolicy == "" {
		config.OfflineAccessPolicy = scope.OfflineAccessKeep
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.RateLimitBurst == 0 {
		config.RateLimitBurst = defaultRateLimitBurst
	}
	if len(config.AllowedCustomSchemes) == 0 {
		config.AllowedCustomSchemes = DefaultAllowedCustomSchemes
	}
	if len(config.BlockedRedirectSchemes) == 0 {
		config.BlockedRedirectSchemes = DefaultBlockedRedirectSchemes
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if !config.DisableProductionMode {
		config.ProductionMode = true
	}

	logSecurityWarnings(config, logger)
	return config
}

// applyEndpointDefaults derives endpoint URLs from the issuer.
func applyEndpointDefaults(config *Config) {
	base := strings.TrimSuffix(config.Issuer, "/")
	if config.AuthorizationEndpoint == "" {
		config.AuthorizationEndpoint = base + "/authorize"
	}
	if config.TokenEndpoint == "" {
		config.TokenEndpoint = base + "/token"
	}
	if config.RevocationEndpoint == "" {
		config.RevocationEndpoint = base + "/revoke"
	}
	if config.IntrospectionEndpoint == "" {
		config.IntrospectionEndpoint = base + "/introspect"
	}
	if config.JWKSURI == "" {
		config.JWKSURI = base + "/jwks"
	}
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 7776000 // 90 days
	}
	if config.IDTokenTTL == 0 {
		config.IDTokenTTL = 3600 // 1 hour
	}
	if config.JARMResponseTTL == 0 {
		config.JARMResponseTTL = 600 // 10 minutes
	}
	if config.PromptConsentMaxAge == 0 {
		config.PromptConsentMaxAge = 300 // 5 minutes
	}
}

func (c *Config) authorizationCodeTTL() time.Duration {
	return time.Duration(c.AuthorizationCodeTTL) * time.Second
}

func (c *Config) accessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTL) * time.Second
}

func (c *Config) refreshTokenTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTL) * time.Second
}

func (c *Config) idTokenTTL() time.Duration {
	return time.Duration(c.IDTokenTTL) * time.Second
}

func (c *Config) promptConsentMaxAge() time.Duration {
	return time.Duration(c.PromptConsentMaxAge) * time.Second
}

func (c *Config) jarmResponseTTL() time.Duration {
	return time.Duration(c.JARMResponseTTL) * time.Second
}
