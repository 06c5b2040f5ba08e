package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth2-server/clientauth"
	"github.com/giantswarm/oauth2-server/granttype"
	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/jose"
	"github.com/giantswarm/oauth2-server/pkce"
	"github.com/giantswarm/oauth2-server/protocol"
	"github.com/giantswarm/oauth2-server/responsemode"
	"github.com/giantswarm/oauth2-server/responsetype"
	"github.com/giantswarm/oauth2-server/scope"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/token"
)

// replayCacheCleanupInterval is how often expired client assertion jti
// values are purged.
const replayCacheCleanupInterval = 5 * time.Minute

// Stores are the persistence collaborators of a Server.
type Stores struct {
	Clients       storage.ClientStore
	Codes         storage.AuthorizationCodeStore
	AccessTokens  storage.AccessTokenStore
	RefreshTokens storage.RefreshTokenStore

	// Consents is optional. Without it every authorization request needs
	// the consent page, or is denied when no ConsentURL is configured.
	Consents storage.ConsentStore

	// Revocation is optional. It enables revoking every token of a user and
	// client when a code or rotated refresh token is replayed.
	Revocation storage.TokenRevocationStore

	// Users is optional. It enables the password grant.
	Users storage.UserAuthenticator
}

// Server is the authorization server engine. It validates protocol
// requests and produces protocol responses; the HTTP binding lives in the
// root package.
//
// All registries are built by New and are read-only afterwards, so a Server
// is safe for concurrent use once its setters have been called.
type Server struct {
	stores Stores
	jose   jose.Service

	tokens        *token.Service
	scopes        *scope.Policy
	pkce          *pkce.Registry
	clientAuth    *clientauth.Resolver
	responseModes *responsemode.Registry
	responseTypes *responsetype.Registry
	grantTypes    *granttype.Registry

	Auditor         *security.Auditor
	RateLimiter     *security.RateLimiter // IP-based rate limiter for the token-side endpoints
	Instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	metrics         *instrumentation.Metrics
	Logger          *slog.Logger
	Config          *Config
}

// New creates a new OAuth server
func New(stores Stores, joseService jose.Service, config *Config, logger *slog.Logger) (*Server, error) {
	if stores.Clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if stores.Codes == nil || stores.AccessTokens == nil || stores.RefreshTokens == nil {
		return nil, fmt.Errorf("authorization code, access token and refresh token stores are required")
	}
	if joseService == nil {
		return nil, fmt.Errorf("JOSE service is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applyDefaults(config, logger)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := validateHTTPSEnforcement(config, logger); err != nil {
		return nil, err
	}

	srv := &Server{
		stores: stores,
		jose:   joseService,
		Logger: logger,
		Config: config,
		tracer: noop.NewTracerProvider().Tracer(""),
	}

	if config.EnableAuditLogging {
		srv.Auditor = security.NewAuditor(logger, true)
		srv.Auditor.SetClock(config.Clock)
	}
	if config.RateLimitRequestsPerSecond > 0 {
		srv.RateLimiter = security.NewRateLimiterWithConfig(security.RateLimitConfig{
			RequestsPerSecond: config.RateLimitRequestsPerSecond,
			Burst:             config.RateLimitBurst,
			MaxEntries:        security.DefaultRateLimitMaxEntries,
			Clock:             config.Clock,
		}, logger)
	}

	srv.scopes = scope.NewPolicy(config.ScopesSupported, config.OfflineAccessPolicy)

	if config.AllowPKCEPlain {
		srv.pkce = pkce.NewRegistry(pkce.S256(), pkce.Plain())
	} else {
		srv.pkce = pkce.NewRegistry(pkce.S256())
	}

	srv.tokens = token.NewService(token.Config{
		Issuer:               config.Issuer,
		AuthorizationCodeTTL: config.authorizationCodeTTL(),
		AccessTokenTTL:       config.accessTokenTTL(),
		RefreshTokenTTL:      config.refreshTokenTTL(),
		IDTokenTTL:           config.idTokenTTL(),
		IDTokenSigningAlg:    config.IDTokenSigningAlg,
		Clock:                config.Clock,
	}, token.Stores{
		Codes:         stores.Codes,
		AccessTokens:  stores.AccessTokens,
		RefreshTokens: stores.RefreshTokens,
	}, joseService)

	srv.clientAuth = clientauth.DefaultResolver(clientauth.Dependencies{
		Clients:   stores.Clients,
		JOSE:      joseService,
		Audiences: append([]string{config.Issuer, config.TokenEndpoint}, config.ClientAssertionAudiences...),
		Replay:    clientauth.NewReplayCache(replayCacheCleanupInterval, config.Clock),
		Clock:     config.Clock,
		Logger:    logger,
	})

	srv.responseModes = responsemode.NewRegistry(responsemode.Options{
		JOSE:   joseService,
		Issuer: config.Issuer,
		JWTTTL: config.jarmResponseTTL(),
		Clock:  config.Clock,
	})
	srv.responseTypes = responsetype.NewRegistry(srv.tokens)
	srv.buildGrantTypes()

	return srv, nil
}

// buildGrantTypes (re)creates the grant type registry so handlers pick up
// the current auditor and metrics.
func (s *Server) buildGrantTypes() {
	s.grantTypes = granttype.DefaultRegistry(granttype.Dependencies{
		Tokens:              s.tokens,
		Codes:               s.stores.Codes,
		AccessTokens:        s.stores.AccessTokens,
		RefreshTokens:       s.stores.RefreshTokens,
		Revocation:          s.stores.Revocation,
		Users:               s.stores.Users,
		PKCE:                s.pkce,
		Scopes:              s.scopes,
		JOSE:                s.jose,
		RotateRefreshTokens: !s.Config.DisableRefreshTokenRotation,
		Auditor:             s.Auditor,
		Metrics:             s.metrics,
		Logger:              s.Logger,
	})
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
	s.buildGrantTypes()
}

// SetRateLimiter sets the IP-based rate limiter used by the token,
// revocation and introspection endpoints. It replaces, without stopping,
// a limiter created from the configuration.
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetInstrumentation enables tracing and metrics.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	if inst == nil {
		s.tracer = noop.NewTracerProvider().Tracer("")
		s.metrics = nil
	} else {
		s.tracer = inst.Tracer("server")
		s.metrics = inst.Metrics()
		if s.Auditor != nil {
			metrics := s.metrics
			s.Auditor.OnEvent(func(eventType string) {
				metrics.RecordAuditEvent(context.Background(), eventType)
			})
		}
	}
	s.buildGrantTypes()
}

// Shutdown stops background work owned by the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.RateLimiter != nil {
		s.RateLimiter.Stop()
	}
	if s.Instrumentation != nil {
		return s.Instrumentation.Shutdown(ctx)
	}
	return nil
}

// Now returns the server clock's current time.
func (s *Server) Now() time.Time {
	return s.Config.Clock()
}

// PublicJWKS returns the published signing keys when the JOSE service can
// provide them.
func (s *Server) PublicJWKS() (gojose.JSONWebKeySet, bool) {
	type jwksProvider interface {
		PublicJWKS() gojose.JSONWebKeySet
	}
	if p, ok := s.jose.(jwksProvider); ok {
		return p.PublicJWKS(), true
	}
	return gojose.JSONWebKeySet{}, false
}

// GetClient retrieves a registered client.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.stores.Clients.GetClient(ctx, clientID)
}

// allowRequest applies the rate limiter to a token-side endpoint.
func (s *Server) allowRequest(ctx context.Context, clientIP, endpoint string) error {
	if s.RateLimiter == nil || clientIP == "" {
		return nil
	}
	if s.RateLimiter.Allow(clientIP) {
		return nil
	}
	s.Auditor.LogRateLimitExceeded(clientIP, endpoint)
	if s.metrics != nil {
		s.metrics.RecordRateLimitExceeded(ctx, endpoint)
	}
	return protocol.ErrTemporarilyUnavailable("Too many requests. Please retry later.").
		WithHeader("Retry-After", "1")
}

// boundaryError converts any error into a protocol error, logging
// collaborator failures that surface as server_error.
func (s *Server) boundaryError(err error, endpoint string) *protocol.Error {
	oauthErr := protocol.AsError(err)
	if oauthErr.Kind == protocol.KindServerError {
		s.Logger.Error("Request failed",
			"endpoint", endpoint,
			"error", err)
	}
	return oauthErr
}
