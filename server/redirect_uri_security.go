package server

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"strings"

	"github.com/giantswarm/oauth2-server/internal/util"
)

// RedirectURISecurityError represents a redirect URI validation error
// with detailed information for operators while keeping error messages generic for clients.
type RedirectURISecurityError struct {
	// Category is the error category for logging/metrics
	Category string
	// URI is the offending redirect URI (sanitized for logging)
	URI string
	// Reason is the detailed internal reason (for logs, not returned to client)
	Reason string
	// ClientMessage is the message safe to return to clients
	ClientMessage string
}

func (e *RedirectURISecurityError) Error() string {
	return e.ClientMessage
}

// Redirect URI security error categories for metrics and logging.
const (
	RedirectURIErrorCategoryBlockedScheme   = "blocked_scheme"
	RedirectURIErrorCategoryPrivateIP       = "private_ip"
	RedirectURIErrorCategoryLinkLocal       = "link_local"
	RedirectURIErrorCategoryLoopback        = "loopback_not_allowed"
	RedirectURIErrorCategoryHTTPNotAllowed  = "http_not_allowed"
	RedirectURIErrorCategoryInvalidFormat   = "invalid_format"
	RedirectURIErrorCategoryFragment        = "fragment_not_allowed"
	RedirectURIErrorCategoryUnspecifiedAddr = "unspecified_address"
)

// ValidateRedirectURIForRegistration checks a redirect URI before a client
// is registered with it (RFC 9700 Section 4.1). The authorization endpoint
// later compares redirect_uri byte for byte against the registered values,
// so this is the only place the URI itself is inspected.
//
// Blocked schemes and fragments are always rejected. http(s) URIs are
// subject to ProductionMode and the Allow*RedirectURIs switches; other
// schemes must match AllowedCustomSchemes.
func (s *Server) ValidateRedirectURIForRegistration(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil || parsed.Scheme == "" {
		reason := "missing scheme"
		if err != nil {
			reason = fmt.Sprintf("URL parse error: %v", err)
		}
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryInvalidFormat,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        reason,
			ClientMessage: "redirect_uri: invalid URI format",
		}
	}

	// RFC 6749 Section 3.1.2: the redirection endpoint MUST NOT include a fragment
	if parsed.Fragment != "" || strings.Contains(redirectURI, "#") {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryFragment,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        "URI contains a fragment",
			ClientMessage: "redirect_uri: fragments are not allowed",
		}
	}

	scheme := strings.ToLower(parsed.Scheme)

	if err := s.validateSchemeNotBlocked(scheme); err != nil {
		return err
	}

	if scheme == SchemeHTTP || scheme == SchemeHTTPS {
		return s.validateHTTPRedirectURI(parsed)
	}

	// Custom schemes for native apps (RFC 8252 Section 7.1)
	if err := validateCustomScheme(scheme, s.Config.AllowedCustomSchemes); err != nil {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryBlockedScheme,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        err.Error(),
			ClientMessage: fmt.Sprintf("redirect_uri: scheme '%s' is not allowed", scheme),
		}
	}

	return nil
}

// validateSchemeNotBlocked checks if a URI scheme is in the blocked list.
// Blocked schemes are never allowed regardless of configuration.
func (s *Server) validateSchemeNotBlocked(scheme string) error {
	for _, blocked := range s.Config.BlockedRedirectSchemes {
		if strings.EqualFold(scheme, blocked) {
			return &RedirectURISecurityError{
				Category:      RedirectURIErrorCategoryBlockedScheme,
				Reason:        fmt.Sprintf("scheme '%s' is in blocked list", scheme),
				ClientMessage: fmt.Sprintf("redirect_uri: scheme '%s' is blocked for security reasons", scheme),
			}
		}
	}
	return nil
}

// validateHTTPRedirectURI applies the ProductionMode and address rules to
// http and https URIs.
func (s *Server) validateHTTPRedirectURI(parsed *url.URL) error {
	scheme := strings.ToLower(parsed.Scheme)
	hostname := parsed.Hostname()

	if hostname == "" {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryInvalidFormat,
			URI:           sanitizeURIForLogging(parsed.String()),
			Reason:        "missing host",
			ClientMessage: "redirect_uri: invalid URI format",
		}
	}

	// RFC 8252 Section 7.3 allows http for loopback
	if util.IsLoopbackHostname(hostname) {
		if !s.Config.AllowLocalhostRedirectURIs {
			return &RedirectURISecurityError{
				Category:      RedirectURIErrorCategoryLoopback,
				URI:           sanitizeURIForLogging(parsed.String()),
				Reason:        "loopback addresses disabled via AllowLocalhostRedirectURIs=false",
				ClientMessage: "redirect_uri: loopback addresses are not allowed",
			}
		}
		return nil
	}

	if s.Config.ProductionMode && scheme == SchemeHTTP {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryHTTPNotAllowed,
			URI:           sanitizeURIForLogging(parsed.String()),
			Reason:        "ProductionMode=true requires HTTPS for non-loopback URIs",
			ClientMessage: "redirect_uri: HTTPS is required in production (HTTP only allowed for localhost)",
		}
	}

	if addr, ok := util.ParseHostAddr(hostname); ok {
		return s.validateIPAddress(addr, hostname)
	}
	return nil
}

// validateIPAddress keeps redirect URIs away from internal networks and
// cloud metadata services.
func (s *Server) validateIPAddress(addr netip.Addr, hostname string) error {
	switch util.ClassifyAddr(addr) {
	case util.AddrUnspecified:
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryUnspecifiedAddr,
			Reason:        fmt.Sprintf("IP %s is unspecified (0.0.0.0 or ::)", hostname),
			ClientMessage: "redirect_uri: unspecified addresses (0.0.0.0, ::) are not allowed",
		}
	case util.AddrPrivate:
		if !s.Config.AllowPrivateIPRedirectURIs {
			return &RedirectURISecurityError{
				Category:      RedirectURIErrorCategoryPrivateIP,
				Reason:        fmt.Sprintf("IP %s is in private range (RFC 1918)", hostname),
				ClientMessage: "redirect_uri: private IP addresses are not allowed (SSRF protection)",
			}
		}
	case util.AddrLinkLocal:
		if !s.Config.AllowLinkLocalRedirectURIs {
			return &RedirectURISecurityError{
				Category:      RedirectURIErrorCategoryLinkLocal,
				Reason:        fmt.Sprintf("IP %s is link-local (could target cloud metadata services)", hostname),
				ClientMessage: "redirect_uri: link-local addresses are not allowed (cloud SSRF protection)",
			}
		}
	}
	return nil
}

// ValidateRedirectURIsForRegistration validates multiple redirect URIs for client registration.
// Returns an error for the first invalid URI found.
func (s *Server) ValidateRedirectURIsForRegistration(redirectURIs []string) error {
	if len(redirectURIs) == 0 {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryInvalidFormat,
			Reason:        "no redirect URIs",
			ClientMessage: "redirect_uri: at least one redirect URI is required",
		}
	}
	for _, uri := range redirectURIs {
		if err := s.ValidateRedirectURIForRegistration(uri); err != nil {
			return err
		}
	}
	return nil
}

// validateCustomScheme checks a non-http scheme against the allowed patterns.
func validateCustomScheme(scheme string, allowedPatterns []string) error {
	for _, pattern := range allowedPatterns {
		matched, err := regexp.MatchString(pattern, scheme)
		if err != nil {
			return fmt.Errorf("invalid scheme pattern %q: %w", pattern, err)
		}
		if matched {
			return nil
		}
	}
	return fmt.Errorf("scheme %q matches no allowed pattern", scheme)
}

// sanitizeURIForLogging removes potentially sensitive information from URIs for logging.
func sanitizeURIForLogging(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return util.SafeTruncate(uri, 100)
	}

	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.User = nil

	return parsed.String()
}

// GetRedirectURIErrorCategory returns the error category if the error is a RedirectURISecurityError.
func GetRedirectURIErrorCategory(err error) string {
	var secErr *RedirectURISecurityError
	if errors.As(err, &secErr) {
		return secErr.Category
	}
	return ""
}
