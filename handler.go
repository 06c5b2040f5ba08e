package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/protocol"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/server"
	"github.com/giantswarm/oauth2-server/storage"
)

const (
	// DenyPath receives the consent page's refusal. It takes the same
	// parameters as the authorization endpoint.
	DenyPath = "/deny"

	// RegistrationPath is the dynamic client registration endpoint.
	RegistrationPath = "/register"

	// MetricsPath serves Prometheus metrics.
	MetricsPath = "/metrics"

	wellKnownAuthorizationServer = "/.well-known/oauth-authorization-server"
	wellKnownOpenIDConfiguration = "/.well-known/openid-configuration"

	discoveryCacheControl = "public, max-age=3600"
	contentTypeJWKSet     = "application/jwk-set+json"
	contentTypeForm       = "application/x-www-form-urlencoded"
)

// Endpoint labels for traces and metrics.
const (
	endpointAuthorize     = "authorize"
	endpointDeny          = "deny"
	endpointToken         = "token"
	endpointRevoke        = "revoke"
	endpointIntrospect    = "introspect"
	endpointRegister      = "register"
	endpointDiscovery     = "discovery"
	endpointJWKS          = "jwks"
	endpointMethodInvalid = "unknown"
)

// Handler is the HTTP binding of the authorization server. It decodes
// requests into protocol requests, resolves the host's login session, and
// writes the server's responses.
type Handler struct {
	server              *server.Server
	config              *Config
	proxy               security.ProxyConfig
	registrationLimiter *security.RegistrationLimiter
	logger              *slog.Logger
	tracer              trace.Tracer
}

// NewHandler creates a new HTTP handler for srv.
func NewHandler(srv *server.Server, config *Config, logger *slog.Logger) (*Handler, error) {
	if srv == nil {
		return nil, errors.New("server is required")
	}
	if config == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applyDefaults(config)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid handler configuration: %w", err)
	}

	h := &Handler{
		server: srv,
		config: config,
		proxy: security.ProxyConfig{
			TrustProxy:        srv.Config.TrustProxy,
			TrustedProxyCount: srv.Config.TrustedProxyCount,
		},
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer(""),
	}
	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	}
	if config.Registration.Enabled && config.Registration.MaxPerWindow > 0 {
		h.registrationLimiter = security.NewRegistrationLimiter(security.RegistrationLimitConfig{
			MaxPerWindow: config.Registration.MaxPerWindow,
			Window:       config.Registration.Window,
			Clock:        srv.Config.Clock,
		}, logger)
	}
	return h, nil
}

// Stop forgets per-IP registration state held by the handler.
func (h *Handler) Stop() {
	if h.registrationLimiter != nil {
		h.registrationLimiter.Reset()
	}
}

// Routes returns a router with every endpoint registered. Endpoint paths
// follow the endpoint URLs of the server configuration.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(security.RequestIDMiddleware)
	r.Use(middleware.Recoverer)
	r.MethodNotAllowed(h.serveMethodNotAllowed)

	h.OAuthRoutes(r)
	h.WellKnownRoutes(r)

	if h.server.Instrumentation != nil && !h.config.DisableMetricsEndpoint {
		r.Method(http.MethodGet, MetricsPath, h.server.Instrumentation.MetricsHandler())
	}
	return r
}

// OAuthRoutes registers the protocol endpoints on r.
func (h *Handler) OAuthRoutes(r chi.Router) {
	cfg := h.server.Config
	authorizePath := endpointPath(cfg.AuthorizationEndpoint)

	r.Get(authorizePath, h.ServeAuthorization)
	r.Post(authorizePath, h.ServeAuthorization)
	r.Post(h.issuerPath()+DenyPath, h.ServeAuthorizationDenial)
	r.Post(endpointPath(cfg.TokenEndpoint), h.ServeToken)
	r.Post(endpointPath(cfg.RevocationEndpoint), h.ServeTokenRevocation)
	r.Post(endpointPath(cfg.IntrospectionEndpoint), h.ServeTokenIntrospection)

	if h.config.Registration.Enabled {
		r.Post(h.issuerPath()+RegistrationPath, h.ServeClientRegistration)
	}
}

// WellKnownRoutes registers the discovery documents and the JWKS on r.
//
// RFC 8414 inserts the well-known segment before the issuer path, OpenID
// Connect Discovery appends it:
//
//	https://example.com/tenant -> /.well-known/oauth-authorization-server/tenant
//	https://example.com/tenant -> /tenant/.well-known/openid-configuration
func (h *Handler) WellKnownRoutes(r chi.Router) {
	issuerPath := h.issuerPath()

	r.Get(wellKnownAuthorizationServer+issuerPath, h.ServeAuthorizationServerMetadata)
	r.Get(issuerPath+wellKnownOpenIDConfiguration, h.ServeOpenIDConfiguration)
	r.Get(endpointPath(h.server.Config.JWKSURI), h.ServeJWKS)
}

// issuerPath returns the issuer's path without a trailing slash.
func (h *Handler) issuerPath() string {
	return strings.TrimSuffix(endpointPath(h.server.Config.Issuer), "/")
}

// endpointPath extracts the path of an endpoint URL.
func endpointPath(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Path == "" {
		return "/"
	}
	return parsed.Path
}

// ServeAuthorization handles authorization requests (RFC 6749 Section 3.1).
// GET takes the parameters from the query, POST from the form body.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, endpointAuthorize, func(ctx context.Context, req *protocol.Request) *protocol.Response {
		session, err := h.config.Sessions(r)
		if err != nil {
			h.logger.Error("Failed to resolve session", "error", err)
			return protocol.ErrServerError("Failed to resolve the end-user session.").Response()
		}
		return h.server.Authorize(ctx, req, session)
	})
}

// ServeAuthorizationDenial answers an authorization request the end-user
// refused on the consent page.
func (h *Handler) ServeAuthorizationDenial(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, endpointDeny, h.server.Deny)
}

// ServeToken handles token requests (RFC 6749 Section 3.2)
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, endpointToken, h.server.Token)
}

// ServeTokenRevocation handles revocation requests (RFC 7009)
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, endpointRevoke, h.server.Revoke)
}

// ServeTokenIntrospection handles introspection requests (RFC 7662)
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, endpointIntrospect, h.server.Introspect)
}

// serve decodes r, runs handle and writes its response.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request, endpoint string,
	handle func(context.Context, *protocol.Request) *protocol.Response) {
	startTime := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "oauth.http."+endpoint)
	defer span.End()

	var resp *protocol.Response
	if req, err := h.protocolRequest(w, r); err != nil {
		resp = err.Response()
	} else {
		if h.server.Instrumentation != nil && h.server.Instrumentation.ShouldLogClientIPs() {
			instrumentation.AddSecurityAttributes(span, req.ClientIP)
		}
		resp = handle(ctx, req)
	}

	h.write(w, resp, endpoint)
	instrumentation.AddHTTPAttributes(span, r.Method, endpoint, resp.Status)
	h.recordHTTPMetrics(ctx, endpoint, r.Method, resp.Status, startTime)
}

// protocolRequest decodes r. GET parameters come from the query, POST
// parameters only from the form-encoded body.
func (h *Handler) protocolRequest(w http.ResponseWriter, r *http.Request) (*protocol.Request, *protocol.Error) {
	var form url.Values
	switch r.Method {
	case http.MethodGet:
		query, err := url.ParseQuery(r.URL.RawQuery)
		if err != nil {
			return nil, protocol.ErrInvalidRequest("Malformed query string.")
		}
		form = query
	case http.MethodPost:
		mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != contentTypeForm {
			return nil, protocol.ErrInvalidRequest("Content-Type must be " + contentTypeForm + ".")
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxRequestBytes)
		if err := r.ParseForm(); err != nil {
			return nil, protocol.ErrInvalidRequest("Failed to parse request body.")
		}
		form = r.PostForm
	default:
		return nil, protocol.ErrInvalidRequest("Unsupported HTTP method.")
	}

	req := protocol.NewRequest(r.Method, form, r.Header)
	req.ClientIP = h.proxy.ClientIP(r)
	return req, nil
}

// write sends resp with the baseline security headers.
func (h *Handler) write(w http.ResponseWriter, resp *protocol.Response, endpoint string) {
	security.SetSecurityHeaders(resp.Header, h.server.Config.Issuer)
	if err := resp.Send(w); err != nil {
		h.logger.Debug("Failed to write response",
			"endpoint", endpoint,
			"error", err)
	}
}

// ServeAuthorizationServerMetadata serves RFC 8414 metadata.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	h.serveDiscovery(w, r)
}

// ServeOpenIDConfiguration serves OpenID Connect Discovery 1.0 metadata.
// Per RFC 8414 Section 5 it is the same document as the authorization
// server metadata.
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	h.serveDiscovery(w, r)
}

func (h *Handler) serveDiscovery(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.discovery")
	defer span.End()

	resp := h.discoveryResponse(ctx, r)
	h.write(w, resp, endpointDiscovery)
	instrumentation.AddHTTPAttributes(span, r.Method, endpointDiscovery, resp.Status)
	h.recordHTTPMetrics(ctx, endpointDiscovery, r.Method, resp.Status, startTime)
}

func (h *Handler) discoveryResponse(ctx context.Context, r *http.Request) *protocol.Response {
	if resp := h.checkRateLimit(ctx, r, endpointDiscovery); resp != nil {
		return resp
	}
	resp, err := protocol.JSONResponse(http.StatusOK, h.server.Metadata())
	if err != nil {
		h.logger.Error("Failed to encode metadata", "error", err)
		return protocol.AsError(err).Response()
	}
	cacheable(resp.Header)
	return resp
}

// ServeJWKS serves the public signing keys.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.jwks")
	defer span.End()

	resp := h.jwksResponse(ctx, r)
	h.write(w, resp, endpointJWKS)
	instrumentation.AddHTTPAttributes(span, r.Method, endpointJWKS, resp.Status)
	h.recordHTTPMetrics(ctx, endpointJWKS, r.Method, resp.Status, startTime)
}

func (h *Handler) jwksResponse(ctx context.Context, r *http.Request) *protocol.Response {
	if resp := h.checkRateLimit(ctx, r, endpointJWKS); resp != nil {
		return resp
	}
	keys, ok := h.server.PublicJWKS()
	if !ok {
		return NewHTTPError(ErrorCodeInvalidRequest, "No public keys are published.", http.StatusNotFound).Response()
	}
	body, err := json.Marshal(keys)
	if err != nil {
		h.logger.Error("Failed to encode JWKS", "error", err)
		return protocol.AsError(err).Response()
	}
	resp := protocol.NewResponse(http.StatusOK)
	resp.Header.Set("Content-Type", contentTypeJWKSet)
	cacheable(resp.Header)
	resp.Body = body
	return resp
}

// cacheable allows shared caches to keep a public document.
func cacheable(h http.Header) {
	h.Set("Cache-Control", discoveryCacheControl)
	h.Del("Pragma")
}

// checkRateLimit applies the server's IP rate limiter to the public
// endpoints. It returns the response to send when the limit is exceeded.
func (h *Handler) checkRateLimit(ctx context.Context, r *http.Request, endpoint string) *protocol.Response {
	if h.server.RateLimiter == nil {
		return nil
	}
	clientIP := h.proxy.ClientIP(r)
	if h.server.RateLimiter.Allow(clientIP) {
		return nil
	}

	h.logger.Warn("Rate limit exceeded",
		"ip", clientIP,
		"endpoint", endpoint)
	h.server.Auditor.LogRateLimitExceeded(clientIP, endpoint)
	if h.server.Instrumentation != nil {
		h.server.Instrumentation.Metrics().RecordRateLimitExceeded(ctx, endpoint)
	}

	resp := ErrRateLimitExceeded("Rate limit exceeded. Please try again later.").Response()
	resp.Header.Set("Retry-After", "60")
	return resp
}

func (h *Handler) serveMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	resp := ErrMethodNotAllowed(fmt.Sprintf("Method %s is not allowed.", r.Method)).Response()
	h.write(w, resp, endpointMethodInvalid)
	h.recordHTTPMetrics(r.Context(), endpointMethodInvalid, r.Method, resp.Status, time.Now())
}

// recordHTTPMetrics records HTTP request metrics
func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	if h.server.Instrumentation == nil {
		return
	}

	duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
	h.server.Instrumentation.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, duration)
}

// StaticSession returns a resolver that always yields session. It is meant
// for tests and for hosts that authenticate out of band.
func StaticSession(session *storage.Session) SessionResolver {
	return func(*http.Request) (*storage.Session, error) {
		return session, nil
	}
}
