package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/testutil"
	"github.com/giantswarm/oauth2-server/jose"
	"github.com/giantswarm/oauth2-server/protocol"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/server"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/storage/memory"
)

const (
	testIssuer   = "https://auth.example.com"
	testLoginURL = "https://auth.example.com/login"
)

type testHandler struct {
	handler *Handler
	router  http.Handler
	srv     *server.Server
	store   *memory.Store
	clock   *testutil.MockTime
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupTestHandler creates a handler over a memory-backed server. The test
// client is registered and, unless session is nil, has consented.
func setupTestHandler(t *testing.T, session *storage.Session, mutate func(*server.Config, *Config)) *testHandler {
	t.Helper()

	clock := testutil.NewMockTime(time.Unix(1_700_000_000, 0))
	key, err := jose.GenerateSigningKey()
	require.NoError(t, err)
	keyring, err := jose.NewKeyring([]*jose.SigningKey{key}, jose.WithClock(clock.Now))
	require.NoError(t, err)

	store := memory.New()
	store.SetClock(clock.Now)
	t.Cleanup(store.Stop)

	serverConfig := &server.Config{
		Issuer:          testIssuer,
		LoginURL:        testLoginURL,
		ScopesSupported: []string{"openid", "email", "profile", "offline_access"},
		Clock:           clock.Now,
	}
	handlerConfig := &Config{Sessions: StaticSession(session)}
	if mutate != nil {
		mutate(serverConfig, handlerConfig)
	}

	srv, err := server.New(server.Stores{
		Clients:       store,
		Codes:         store,
		AccessTokens:  store,
		RefreshTokens: store,
		Consents:      store,
		Revocation:    store,
		Users:         store,
	}, keyring, serverConfig, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	ctx := context.Background()
	client := testutil.GenerateTestClient(t)
	require.NoError(t, store.SaveClient(ctx, client))
	if session != nil {
		require.NoError(t, store.SaveConsent(ctx, &storage.Consent{
			ClientID:  client.ClientID,
			Subject:   session.Subject,
			Scopes:    client.Scopes,
			GrantedAt: clock.Now(),
		}))
	}

	handler, err := NewHandler(srv, handlerConfig, discardLogger())
	require.NoError(t, err)
	t.Cleanup(handler.Stop)

	return &testHandler{
		handler: handler,
		router:  handler.Routes(),
		srv:     srv,
		store:   store,
		clock:   clock,
	}
}

func (th *testHandler) session() *storage.Session {
	return &storage.Session{Subject: testutil.TestUserID, AuthTime: th.clock.Now()}
}

// authorizeRequest is a valid code flow request of the test client.
func authorizeRequest(method, challenge string) *testutil.FormRequest {
	return testutil.NewFormRequest(method, "/authorize").
		With(protocol.ParamClientID, testutil.TestClientID).
		With(protocol.ParamResponseType, protocol.ResponseTypeCode).
		With(protocol.ParamRedirectURI, testutil.TestRedirectURI).
		With(protocol.ParamScope, "openid email").
		With(protocol.ParamState, "xyz-state").
		With(protocol.ParamCodeChallenge, challenge).
		With(protocol.ParamCodeChallengeMethod, "S256")
}

func redirectQuery(t *testing.T, rr *httptest.ResponseRecorder) url.Values {
	t.Helper()
	require.Equal(t, http.StatusSeeOther, rr.Code, "body: %s", rr.Body.String())
	u, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	return u.Query()
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v), "body: %s", rr.Body.String())
}

func TestNewHandler_Validation(t *testing.T) {
	th := setupTestHandler(t, nil, nil)

	_, err := NewHandler(nil, &Config{Sessions: StaticSession(nil)}, nil)
	assert.Error(t, err)

	_, err = NewHandler(th.srv, nil, nil)
	assert.Error(t, err)

	_, err = NewHandler(th.srv, &Config{}, nil)
	assert.ErrorContains(t, err, "sessions resolver is required")
}

func TestHandler_CodeFlowOverHTTP(t *testing.T) {
	th := setupTestHandler(t, &storage.Session{Subject: testutil.TestUserID}, nil)
	challenge, verifier := testutil.GeneratePKCEPair()

	params := redirectQuery(t, authorizeRequest(http.MethodGet, challenge).Do(th.router))
	code := params.Get(protocol.ParamCode)
	require.NotEmpty(t, code)
	assert.Equal(t, "xyz-state", params.Get(protocol.ParamState))

	rr := testutil.NewFormRequest(http.MethodPost, "/token").
		WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret).
		With(protocol.ParamGrantType, protocol.GrantTypeAuthorizationCode).
		With(protocol.ParamCode, code).
		With(protocol.ParamRedirectURI, testutil.TestRedirectURI).
		With(protocol.ParamCodeVerifier, verifier).
		Do(th.router)
	require.Equal(t, http.StatusOK, rr.Code, "body: %s", rr.Body.String())
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))

	var tokens protocol.TokenResponse
	decodeJSON(t, rr, &tokens)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.IDToken)
	assert.Equal(t, protocol.TokenTypeBearer, tokens.TokenType)

	introspect := func() protocol.IntrospectionResponse {
		rr := testutil.NewFormRequest(http.MethodPost, "/introspect").
			WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret).
			With(protocol.ParamToken, tokens.AccessToken).
			Do(th.router)
		require.Equal(t, http.StatusOK, rr.Code, "body: %s", rr.Body.String())
		var body protocol.IntrospectionResponse
		decodeJSON(t, rr, &body)
		return body
	}
	assert.True(t, introspect().Active)

	rr = testutil.NewFormRequest(http.MethodPost, "/revoke").
		WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret).
		With(protocol.ParamToken, tokens.AccessToken).
		Do(th.router)
	assert.Equal(t, http.StatusOK, rr.Code, "body: %s", rr.Body.String())

	assert.False(t, introspect().Active)
}

func TestHandler_AuthorizePost(t *testing.T) {
	th := setupTestHandler(t, &storage.Session{Subject: testutil.TestUserID}, nil)
	challenge, _ := testutil.GeneratePKCEPair()

	params := redirectQuery(t, authorizeRequest(http.MethodPost, challenge).Do(th.router))
	assert.NotEmpty(t, params.Get(protocol.ParamCode))
}

func TestHandler_AuthorizeWithoutSessionRedirectsToLogin(t *testing.T) {
	th := setupTestHandler(t, nil, nil)
	challenge, _ := testutil.GeneratePKCEPair()

	rr := authorizeRequest(http.MethodGet, challenge).Do(th.router)
	require.Equal(t, http.StatusSeeOther, rr.Code)
	assert.True(t, strings.HasPrefix(rr.Header().Get("Location"), testLoginURL),
		"location: %s", rr.Header().Get("Location"))
}

func TestHandler_SessionResolverFailure(t *testing.T) {
	th := setupTestHandler(t, nil, func(_ *server.Config, c *Config) {
		c.Sessions = func(*http.Request) (*storage.Session, error) {
			return nil, errors.New("session store unavailable")
		}
	})
	challenge, _ := testutil.GeneratePKCEPair()

	rr := authorizeRequest(http.MethodGet, challenge).Do(th.router)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	var body map[string]string
	decodeJSON(t, rr, &body)
	assert.Equal(t, "server_error", body["error"])
}

func TestHandler_Deny(t *testing.T) {
	th := setupTestHandler(t, &storage.Session{Subject: testutil.TestUserID}, nil)
	challenge, _ := testutil.GeneratePKCEPair()

	req := authorizeRequest(http.MethodPost, challenge)
	req.Target = DenyPath
	params := redirectQuery(t, req.Do(th.router))
	assert.Equal(t, "access_denied", params.Get(protocol.ParamError))
	assert.Equal(t, "xyz-state", params.Get(protocol.ParamState))
	assert.Empty(t, params.Get(protocol.ParamCode))
}

func TestHandler_TokenRequestDecoding(t *testing.T) {
	th := setupTestHandler(t, nil, nil)

	tests := []struct {
		name        string
		contentType string
		body        string
		wantStatus  int
		wantError   string
	}{
		{
			name:        "JSON body",
			contentType: "application/json",
			body:        `{"grant_type":"client_credentials"}`,
			wantStatus:  http.StatusBadRequest,
			wantError:   "invalid_request",
		},
		{
			name:       "missing content type",
			body:       "grant_type=client_credentials",
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:        "form with charset",
			contentType: "application/x-www-form-urlencoded; charset=utf-8",
			body:        "grant_type=unknown_grant",
			wantStatus:  http.StatusBadRequest,
			wantError:   "unsupported_grant_type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			req.SetBasicAuth(testutil.TestClientID, testutil.TestClientSecret)

			rr := httptest.NewRecorder()
			th.router.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code, "body: %s", rr.Body.String())
			var body map[string]string
			decodeJSON(t, rr, &body)
			assert.Equal(t, tt.wantError, body["error"])
		})
	}
}

func TestHandler_TokenIgnoresQueryParameters(t *testing.T) {
	th := setupTestHandler(t, nil, nil)

	req := testutil.NewFormRequest(http.MethodPost, "/token?grant_type=client_credentials").
		WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret)
	rr := req.Do(th.router)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	var body map[string]string
	decodeJSON(t, rr, &body)
	assert.Equal(t, "invalid_request", body["error"], "grant_type in the query is not read")
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	th := setupTestHandler(t, nil, nil)

	rr := testutil.NewFormRequest(http.MethodGet, "/token").Do(th.router)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	var body map[string]string
	decodeJSON(t, rr, &body)
	assert.Equal(t, ErrorCodeInvalidRequest, body["error"])
}

func TestHandler_SecurityHeadersAndRequestID(t *testing.T) {
	th := setupTestHandler(t, nil, nil)

	rr := testutil.NewFormRequest(http.MethodPost, "/token").
		WithHeader(security.RequestIDHeader, "upstream-request-id-1").
		Do(th.router)

	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rr.Header().Get("Strict-Transport-Security"))
	assert.Equal(t, "upstream-request-id-1", rr.Header().Get(security.RequestIDHeader))
}

func TestHandler_Discovery(t *testing.T) {
	th := setupTestHandler(t, nil, nil)

	for _, path := range []string{wellKnownAuthorizationServer, wellKnownOpenIDConfiguration} {
		t.Run(path, func(t *testing.T) {
			rr := testutil.NewFormRequest(http.MethodGet, path).Do(th.router)
			require.Equal(t, http.StatusOK, rr.Code)
			assert.Equal(t, discoveryCacheControl, rr.Header().Get("Cache-Control"))

			var metadata server.Metadata
			decodeJSON(t, rr, &metadata)
			assert.Equal(t, testIssuer, metadata.Issuer)
			assert.Equal(t, testIssuer+"/token", metadata.TokenEndpoint)
			assert.Equal(t, testIssuer+"/jwks", metadata.JWKSURI)
			assert.Contains(t, metadata.ResponseTypesSupported, protocol.ResponseTypeCode)
		})
	}
}

func TestHandler_IssuerWithPath(t *testing.T) {
	th := setupTestHandler(t, nil, func(c *server.Config, _ *Config) {
		c.Issuer = "https://auth.example.com/tenant"
	})

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/.well-known/oauth-authorization-server/tenant", http.StatusOK},
		{"/tenant/.well-known/openid-configuration", http.StatusOK},
		{"/tenant/jwks", http.StatusOK},
		{"/.well-known/openid-configuration", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rr := testutil.NewFormRequest(http.MethodGet, tt.path).Do(th.router)
			assert.Equal(t, tt.wantStatus, rr.Code)
		})
	}

	rr := testutil.NewFormRequest(http.MethodPost, "/tenant/token").Do(th.router)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "token endpoint lives under the issuer path")
}

func TestHandler_JWKS(t *testing.T) {
	th := setupTestHandler(t, nil, nil)

	rr := testutil.NewFormRequest(http.MethodGet, "/jwks").Do(th.router)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, contentTypeJWKSet, rr.Header().Get("Content-Type"))

	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	decodeJSON(t, rr, &set)
	require.Len(t, set.Keys, 1)
	assert.NotEmpty(t, set.Keys[0]["kid"])
	assert.NotContains(t, set.Keys[0], "d", "private key material is never published")
}

func TestHandler_DiscoveryRateLimit(t *testing.T) {
	th := setupTestHandler(t, nil, nil)
	th.srv.SetRateLimiter(security.NewRateLimiter(0.001, 1, discardLogger()))

	rr := testutil.NewFormRequest(http.MethodGet, wellKnownOpenIDConfiguration).Do(th.router)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = testutil.NewFormRequest(http.MethodGet, wellKnownOpenIDConfiguration).Do(th.router)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))

	var body map[string]string
	decodeJSON(t, rr, &body)
	assert.Equal(t, ErrorCodeRateLimitExceeded, body["error"])
}

func TestHandler_MetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:            true,
		MetricsExporter:    instrumentation.MetricsExporterPrometheus,
		PrometheusRegistry: reg,
	})
	require.NoError(t, err)

	th := setupTestHandler(t, nil, nil)
	th.srv.SetInstrumentation(inst)

	handler, err := NewHandler(th.srv, &Config{Sessions: StaticSession(nil)}, discardLogger())
	require.NoError(t, err)
	router := handler.Routes()

	rr := testutil.NewFormRequest(http.MethodGet, wellKnownOpenIDConfiguration).Do(router)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = testutil.NewFormRequest(http.MethodGet, MetricsPath).Do(router)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `endpoint="discovery"`)
}

func TestHandler_MetricsEndpointAbsentWithoutInstrumentation(t *testing.T) {
	th := setupTestHandler(t, nil, nil)

	rr := testutil.NewFormRequest(http.MethodGet, MetricsPath).Do(th.router)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestEndpointPath(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"https://auth.example.com/token", "/token"},
		{"https://auth.example.com", "/"},
		{"https://auth.example.com/tenant/a/token", "/tenant/a/token"},
		{"://bad", "/"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, endpointPath(tt.raw), tt.raw)
	}
}
