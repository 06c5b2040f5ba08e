package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"slices"

	"github.com/giantswarm/oauth2-server/internal/util"
)

const (
	oauth21SecurityBestPracticesURL = "https://datatracker.ietf.org/doc/html/rfc9700"
)

// Validate rejects inconsistent configuration. New calls it after defaults
// have been applied.
func (c *Config) Validate() error {
	var errs []error

	if c.Issuer == "" {
		errs = append(errs, errors.New("issuer is required"))
	} else if err := validateAbsoluteURL("issuer", c.Issuer); err != nil {
		errs = append(errs, err)
	} else if u, _ := url.Parse(c.Issuer); u.RawQuery != "" {
		// OIDC Discovery Section 3: no query or fragment components
		errs = append(errs, errors.New("issuer must not contain a query component"))
	}

	if c.LoginURL == "" {
		errs = append(errs, errors.New("login URL is required"))
	} else if err := validateAbsoluteURL("login URL", c.LoginURL); err != nil {
		errs = append(errs, err)
	}
	if c.ConsentURL != "" {
		if err := validateAbsoluteURL("consent URL", c.ConsentURL); err != nil {
			errs = append(errs, err)
		}
	}
	if c.ErrorURL != "" {
		if err := validateAbsoluteURL("error URL", c.ErrorURL); err != nil {
			errs = append(errs, err)
		}
	}

	ttls := []struct {
		name  string
		value int64
	}{
		{"authorization code TTL", c.AuthorizationCodeTTL},
		{"access token TTL", c.AccessTokenTTL},
		{"refresh token TTL", c.RefreshTokenTTL},
		{"id_token TTL", c.IDTokenTTL},
		{"JARM response TTL", c.JARMResponseTTL},
	}
	for _, ttl := range ttls {
		if ttl.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", ttl.name, ttl.value))
		}
	}

	for _, s := range c.ScopesSupported {
		if err := validateScopeFormat(s); err != nil {
			errs = append(errs, fmt.Errorf("invalid supported scope %q: %w", s, err))
		}
	}

	for _, d := range c.DisplayValuesSupported {
		if !slices.Contains(DefaultDisplayValuesSupported, d) {
			errs = append(errs, fmt.Errorf("unknown display value %q", d))
		}
	}

	if !c.OfflineAccessPolicy.Valid() {
		errs = append(errs, fmt.Errorf("unknown offline_access policy %q", c.OfflineAccessPolicy))
	}

	if c.TrustedProxyCount < 0 {
		errs = append(errs, fmt.Errorf("trusted proxy count must not be negative, got %d", c.TrustedProxyCount))
	}
	if c.RateLimitRequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("rate limit must not be negative, got %v", c.RateLimitRequestsPerSecond))
	}

	for _, pattern := range c.AllowedCustomSchemes {
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, fmt.Errorf("invalid custom scheme pattern %q: %w", pattern, err))
		}
	}

	return errors.Join(errs...)
}

func validateAbsoluteURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
	}
	if u.Fragment != "" {
		return fmt.Errorf("%s must not contain a fragment", name)
	}
	return nil
}

// validateHTTPSEnforcement ensures the issuer uses HTTPS.
//
// The validation logic:
// - HTTPS URLs: Always allowed
// - HTTP on localhost: Allowed with warning (development)
// - HTTP on non-localhost: Blocked unless AllowInsecureHTTP=true
func validateHTTPSEnforcement(c *Config, logger *slog.Logger) error {
	issuerURL, err := url.Parse(c.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case SchemeHTTPS:
		return nil
	case SchemeHTTP:
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}

	hostname := issuerURL.Hostname()
	if util.IsLoopbackHostname(hostname) {
		if !c.AllowInsecureHTTP {
			logger.Warn("DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
				"issuer", c.Issuer,
				"risk", "Credentials exposed on local network",
				"to_suppress", "Set AllowInsecureHTTP=true in Config",
				"learn_more", oauth21SecurityBestPracticesURL)
		}
		return nil
	}

	if !c.AllowInsecureHTTP {
		return fmt.Errorf(
			"SECURITY ERROR: Issuer must use HTTPS in production (got %s://%s). "+
				"To run on localhost for development, set AllowInsecureHTTP=true",
			issuerURL.Scheme,
			hostname,
		)
	}

	logger.Error("CRITICAL SECURITY WARNING: Running OAuth server over HTTP",
		"issuer", c.Issuer,
		"hostname", hostname,
		"risk", "All tokens and credentials exposed to network sniffing and MITM attacks",
		"learn_more", oauth21SecurityBestPracticesURL)
	return nil
}

// validateScopeFormat validates a single scope string per RFC 6749 Section 3.3.
// scope-token = 1*( %x21 / %x23-5B / %x5D-7E )
func validateScopeFormat(scope string) error {
	if scope == "" {
		return fmt.Errorf("scope cannot be empty")
	}

	for i, c := range scope {
		if c == ' ' {
			return fmt.Errorf("scope cannot contain space at position %d (use separate scopes instead)", i)
		}
		if c == '"' {
			return fmt.Errorf("scope cannot contain double-quote at position %d", i)
		}
		if c == '\\' {
			return fmt.Errorf("scope cannot contain backslash at position %d", i)
		}
		if c < 0x21 || c > 0x7E {
			return fmt.Errorf("scope contains invalid character at position %d (only printable ASCII allowed)", i)
		}
	}

	return nil
}
