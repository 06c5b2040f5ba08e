package server

import (
	"context"
	"log/slog"
)

// securityNotice is logged at startup when its setting is enabled.
type securityNotice struct {
	enabled func(*Config) bool
	level   slog.Level
	message string
	attrs   []any
}

var securityNotices = []securityNotice{
	{
		enabled: func(c *Config) bool { return c.DisableRefreshTokenRotation },
		level:   slog.LevelWarn,
		message: "SECURITY WARNING: Refresh token rotation is DISABLED",
		attrs: []any{
			"risk", "Stolen refresh tokens remain valid until they expire",
			"learn_more", oauth21SecurityBestPracticesURL + "#section-4.14.2",
		},
	},
	{
		enabled: func(c *Config) bool { return c.AllowPKCEPlain },
		level:   slog.LevelWarn,
		message: "SECURITY WARNING: Plain PKCE method is ALLOWED",
		attrs: []any{
			"risk", "The code verifier travels in clear in the authorization request",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2",
		},
	},
	{
		enabled: func(c *Config) bool { return c.TrustProxy },
		level:   slog.LevelWarn,
		message: "SECURITY NOTICE: Trusting proxy headers",
		attrs: []any{
			"risk", "Client IPs used for rate limiting can be spoofed without a trusted proxy",
		},
	},
	{
		enabled: func(c *Config) bool { return c.AllowInsecureHTTP },
		level:   slog.LevelError,
		message: "CRITICAL SECURITY WARNING: HTTP is explicitly allowed",
		attrs: []any{
			"risk", "Codes, tokens and client secrets can be intercepted",
			"learn_more", oauth21SecurityBestPracticesURL,
		},
	},
	{
		enabled: func(c *Config) bool { return c.DisableProductionMode },
		level:   slog.LevelWarn,
		message: "SECURITY WARNING: ProductionMode is DISABLED",
		attrs: []any{
			"risk", "Clients may register plain http redirect URIs on non-loopback hosts",
			"learn_more", oauth21SecurityBestPracticesURL + "#section-4.1",
		},
	},
	{
		enabled: func(c *Config) bool { return c.AllowLocalhostRedirectURIs },
		level:   slog.LevelInfo,
		message: "Loopback redirect URIs are allowed for native apps",
		attrs: []any{
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc8252#section-7.3",
		},
	},
	{
		enabled: func(c *Config) bool { return c.AllowPrivateIPRedirectURIs },
		level:   slog.LevelWarn,
		message: "SECURITY WARNING: Private IP redirect URIs are ALLOWED",
		attrs: []any{
			"risk", "Authorization responses can be delivered into internal networks",
		},
	},
	{
		enabled: func(c *Config) bool { return c.AllowLinkLocalRedirectURIs },
		level:   slog.LevelWarn,
		message: "SECURITY WARNING: Link-local redirect URIs are ALLOWED",
		attrs: []any{
			"risk", "Redirects can reach cloud metadata services (169.254.169.254)",
		},
	},
	{
		enabled: func(c *Config) bool { return c.ErrorURL == "" },
		level:   slog.LevelInfo,
		message: "No ErrorURL configured, unredirectable authorization errors are returned as JSON",
	},
}

// logSecurityWarnings reports every enabled security-relevant setting.
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	logger.Info("Redirect URI security status",
		"production_mode", config.ProductionMode,
		"allowed_custom_schemes", config.AllowedCustomSchemes,
		"blocked_schemes", config.BlockedRedirectSchemes)

	for _, notice := range securityNotices {
		if notice.enabled(config) {
			logger.Log(context.Background(), notice.level, notice.message, notice.attrs...)
		}
	}
}
