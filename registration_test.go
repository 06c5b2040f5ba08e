package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth2-server/protocol"
	"github.com/giantswarm/oauth2-server/server"
)

const testRegistrationToken = "initial-access-token" //nolint:gosec // test fixture

func registrationHandler(t *testing.T, registration RegistrationConfig) *testHandler {
	t.Helper()
	registration.Enabled = true
	return setupTestHandler(t, nil, func(_ *server.Config, c *Config) {
		c.Registration = registration
	})
}

func registerRequest(body, token string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, RegistrationPath, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func doRegister(th *testHandler, body, token string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	th.router.ServeHTTP(rr, registerRequest(body, token))
	return rr
}

func TestRegistration_Confidential(t *testing.T) {
	th := registrationHandler(t, RegistrationConfig{AccessToken: testRegistrationToken})

	rr := doRegister(th, `{
		"client_name": "Billing",
		"redirect_uris": ["https://billing.example.com/callback"],
		"scope": "openid email"
	}`, testRegistrationToken)
	require.Equal(t, http.StatusCreated, rr.Code, "body: %s", rr.Body.String())
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))

	var resp ClientRegistrationResponse
	decodeJSON(t, rr, &resp)
	assert.NotEmpty(t, resp.ClientID)
	require.NotEmpty(t, resp.ClientSecret)
	require.NotNil(t, resp.ClientSecretExpiresAt)
	assert.Zero(t, *resp.ClientSecretExpiresAt)
	assert.Equal(t, protocol.AuthMethodClientSecretBasic, resp.TokenEndpointAuthMethod)
	assert.Equal(t, "openid email", resp.Scope)
	assert.Equal(t, th.clock.Now().Unix(), resp.ClientIDIssuedAt)

	stored, err := th.store.GetClient(context.Background(), resp.ClientID)
	require.NoError(t, err)
	assert.Equal(t, "Billing", stored.ClientName)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.ClientSecretHash), []byte(resp.ClientSecret)))
}

func TestRegistration_PublicClientHasNoSecret(t *testing.T) {
	th := registrationHandler(t, RegistrationConfig{AllowUnauthenticated: true})

	rr := doRegister(th, `{
		"client_name": "CLI",
		"token_endpoint_auth_method": "none",
		"redirect_uris": ["com.example.cli:/callback"]
	}`, "")
	require.Equal(t, http.StatusCreated, rr.Code, "body: %s", rr.Body.String())

	var resp ClientRegistrationResponse
	decodeJSON(t, rr, &resp)
	assert.Empty(t, resp.ClientSecret)
	assert.Nil(t, resp.ClientSecretExpiresAt)
	assert.Equal(t, "public", resp.ClientType)
}

func TestRegistration_AccessToken(t *testing.T) {
	tests := []struct {
		name       string
		config     RegistrationConfig
		token      string
		wantStatus int
	}{
		{
			name:       "valid token",
			config:     RegistrationConfig{AccessToken: testRegistrationToken},
			token:      testRegistrationToken,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "missing token",
			config:     RegistrationConfig{AccessToken: testRegistrationToken},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong token",
			config:     RegistrationConfig{AccessToken: testRegistrationToken},
			token:      "guessed",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "unauthenticated allowed",
			config:     RegistrationConfig{AllowUnauthenticated: true},
			wantStatus: http.StatusCreated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := registrationHandler(t, tt.config)

			rr := doRegister(th, `{"redirect_uris": ["https://app.example.com/cb"]}`, tt.token)
			assert.Equal(t, tt.wantStatus, rr.Code, "body: %s", rr.Body.String())
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Equal(t, protocol.TokenTypeBearer, rr.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestRegistration_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantError string
	}{
		{
			name:      "malformed JSON",
			body:      `{"redirect_uris": [`,
			wantError: ErrorCodeInvalidClientMetadata,
		},
		{
			name:      "blocked redirect scheme",
			body:      `{"redirect_uris": ["javascript:alert(1)"]}`,
			wantError: ErrorCodeInvalidRedirectURI,
		},
		{
			name:      "no redirect URIs",
			body:      `{"client_name": "x"}`,
			wantError: ErrorCodeInvalidRedirectURI,
		},
		{
			name:      "unsupported grant type",
			body:      `{"redirect_uris": ["https://app.example.com/cb"], "grant_types": ["urn:example:custom"]}`,
			wantError: ErrorCodeInvalidClientMetadata,
		},
		{
			name:      "unsupported scope",
			body:      `{"redirect_uris": ["https://app.example.com/cb"], "scope": "admin"}`,
			wantError: ErrorCodeInvalidClientMetadata,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := registrationHandler(t, RegistrationConfig{AllowUnauthenticated: true})

			rr := doRegister(th, tt.body, "")
			assert.Equal(t, http.StatusBadRequest, rr.Code)

			var body map[string]string
			decodeJSON(t, rr, &body)
			assert.Equal(t, tt.wantError, body["error"])
		})
	}
}

func TestRegistration_RateLimit(t *testing.T) {
	th := registrationHandler(t, RegistrationConfig{AllowUnauthenticated: true, MaxPerWindow: 2})
	body := `{"redirect_uris": ["https://app.example.com/cb"]}`

	for i := 0; i < 2; i++ {
		rr := doRegister(th, body, "")
		require.Equal(t, http.StatusCreated, rr.Code, "registration %d", i+1)
	}

	rr := doRegister(th, body, "")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "3600", rr.Header().Get("Retry-After"))
}

func TestRegistration_DisabledByDefault(t *testing.T) {
	th := setupTestHandler(t, nil, nil)

	rr := doRegister(th, `{"redirect_uris": ["https://app.example.com/cb"]}`, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
