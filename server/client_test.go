package server

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth2-server/protocol"
	"github.com/giantswarm/oauth2-server/storage"
)

const testJWKS = `{"keys":[{"kty":"EC","crv":"P-256","x":"f83OJ3D2xF1Bg8vub9tLe1gHMzV76e8Tus9uPHvRVEU","y":"x_FEzRu9m36HLN_tue659LNpXW6pCyStikYjKIWI5a0"}]}`

func TestRegisterClient_Defaults(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()

	client, secret, err := ts.srv.RegisterClient(ctx, ClientRegistration{
		ClientName:   "Dashboard",
		RedirectURIs: []string{"https://dashboard.example.com/callback"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, client.ClientID)
	assert.Equal(t, storage.ClientTypeConfidential, client.ClientType)
	assert.Equal(t, protocol.AuthMethodClientSecretBasic, client.TokenEndpointAuthMethod)
	assert.Equal(t, []string{protocol.ResponseTypeCode}, client.ResponseTypes)
	assert.Equal(t, []string{protocol.GrantTypeAuthorizationCode, protocol.GrantTypeRefreshToken}, client.GrantTypes)
	assert.Equal(t, []string{"openid", "email", "profile", "offline_access"}, client.Scopes)
	assert.Equal(t, ts.clock.Now(), client.CreatedAt)
	assert.True(t, client.SecretExpiresAt.IsZero())

	require.NotEmpty(t, secret)
	assert.Empty(t, client.ClientSecret, "the raw secret is not stored")
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)))

	stored, err := ts.store.GetClient(ctx, client.ClientID)
	require.NoError(t, err)
	assert.Equal(t, client.ClientName, stored.ClientName)
}

func TestRegisterClient_Secrets(t *testing.T) {
	tests := []struct {
		name          string
		reg           ClientRegistration
		wantSecret    bool
		wantRawStored bool
		wantType      string
	}{
		{
			name:     "public client",
			reg:      ClientRegistration{TokenEndpointAuthMethod: protocol.AuthMethodNone},
			wantType: storage.ClientTypePublic,
		},
		{
			name:     "public type implies none",
			reg:      ClientRegistration{ClientType: storage.ClientTypePublic},
			wantType: storage.ClientTypePublic,
		},
		{
			name:       "client_secret_post",
			reg:        ClientRegistration{TokenEndpointAuthMethod: protocol.AuthMethodClientSecretPost},
			wantSecret: true,
			wantType:   storage.ClientTypeConfidential,
		},
		{
			name:          "client_secret_jwt keeps the HMAC key",
			reg:           ClientRegistration{TokenEndpointAuthMethod: protocol.AuthMethodClientSecretJWT},
			wantSecret:    true,
			wantRawStored: true,
			wantType:      storage.ClientTypeConfidential,
		},
		{
			name: "private_key_jwt has no secret",
			reg: ClientRegistration{
				TokenEndpointAuthMethod: protocol.AuthMethodPrivateKeyJWT,
				JWKS:                    json.RawMessage(testJWKS),
			},
			wantType: storage.ClientTypeConfidential,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			tt.reg.RedirectURIs = []string{"https://app.example.com/cb"}

			client, secret, err := ts.srv.RegisterClient(context.Background(), tt.reg)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, client.ClientType)
			assert.Equal(t, tt.wantSecret, secret != "")
			assert.Equal(t, tt.wantSecret, client.ClientSecretHash != "")
			if tt.wantRawStored {
				assert.Equal(t, secret, client.ClientSecret)
			} else {
				assert.Empty(t, client.ClientSecret)
			}
		})
	}
}

func TestRegisterClient_SecretTTL(t *testing.T) {
	ts := newTestServer(t, nil)

	client, _, err := ts.srv.RegisterClient(context.Background(), ClientRegistration{
		RedirectURIs: []string{"https://app.example.com/cb"},
		SecretTTL:    24 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, ts.clock.Now().Add(24*time.Hour), client.SecretExpiresAt)
}

func TestRegisterClient_InvalidMetadata(t *testing.T) {
	tests := []struct {
		name string
		reg  ClientRegistration
	}{
		{
			name: "unknown client type",
			reg:  ClientRegistration{ClientType: "hybrid"},
		},
		{
			name: "unknown auth method",
			reg:  ClientRegistration{TokenEndpointAuthMethod: "tls_client_auth"},
		},
		{
			name: "public client with secret method",
			reg:  ClientRegistration{ClientType: storage.ClientTypePublic, TokenEndpointAuthMethod: protocol.AuthMethodClientSecretBasic},
		},
		{
			name: "private_key_jwt without keys",
			reg:  ClientRegistration{TokenEndpointAuthMethod: protocol.AuthMethodPrivateKeyJWT},
		},
		{
			name: "jwks and jwks_uri",
			reg: ClientRegistration{
				TokenEndpointAuthMethod: protocol.AuthMethodPrivateKeyJWT,
				JWKS:                    json.RawMessage(testJWKS),
				JWKSURI:                 "https://app.example.com/jwks",
			},
		},
		{
			name: "relative jwks_uri",
			reg:  ClientRegistration{TokenEndpointAuthMethod: protocol.AuthMethodPrivateKeyJWT, JWKSURI: "/jwks"},
		},
		{
			name: "unknown grant type",
			reg:  ClientRegistration{GrantTypes: []string{protocol.GrantTypeAuthorizationCode, "urn:example:magic"}},
		},
		{
			name: "public client with client_credentials",
			reg: ClientRegistration{
				TokenEndpointAuthMethod: protocol.AuthMethodNone,
				GrantTypes:              []string{protocol.GrantTypeAuthorizationCode, protocol.GrantTypeClientCredentials},
			},
		},
		{
			name: "code response type without authorization_code grant",
			reg: ClientRegistration{
				ResponseTypes: []string{protocol.ResponseTypeCodeIDToken},
				GrantTypes:    []string{protocol.GrantTypeRefreshToken},
			},
		},
		{
			name: "unknown response type",
			reg:  ClientRegistration{ResponseTypes: []string{"device"}},
		},
		{
			name: "scope outside vocabulary",
			reg:  ClientRegistration{Scopes: []string{"openid", "admin"}},
		},
		{
			name: "unsupported id_token algorithm",
			reg:  ClientRegistration{IDTokenSignedResponseAlg: "HS256"},
		},
		{
			name: "encryption alg without enc",
			reg:  ClientRegistration{AuthorizationEncryptedResponseAlg: "ECDH-ES"},
		},
		{
			name: "encryption without client keys",
			reg: ClientRegistration{
				AuthorizationEncryptedResponseAlg: "ECDH-ES",
				AuthorizationEncryptedResponseEnc: "A128GCM",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			if tt.reg.RedirectURIs == nil {
				tt.reg.RedirectURIs = []string{"https://app.example.com/cb"}
			}

			client, secret, err := ts.srv.RegisterClient(context.Background(), tt.reg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidClientMetadata), "error = %v", err)
			assert.Nil(t, client)
			assert.Empty(t, secret)
		})
	}
}

func TestRegisterClient_RedirectURIRejected(t *testing.T) {
	ts := newTestServer(t, nil)

	_, _, err := ts.srv.RegisterClient(context.Background(), ClientRegistration{
		RedirectURIs: []string{"https://app.example.com/cb", "javascript:alert(1)"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidClientMetadata))
	assert.Equal(t, RedirectURIErrorCategoryBlockedScheme, GetRedirectURIErrorCategory(err))
}

func TestRegisterClient_NoRedirectURIsForClientCredentials(t *testing.T) {
	ts := newTestServer(t, nil)

	client, secret, err := ts.srv.RegisterClient(context.Background(), ClientRegistration{
		GrantTypes: []string{protocol.GrantTypeClientCredentials},
	})
	require.NoError(t, err)
	assert.Empty(t, client.ResponseTypes)
	assert.NotEmpty(t, secret)
}

func TestValidateRedirectURIForRegistration(t *testing.T) {
	tests := []struct {
		name         string
		uri          string
		mutate       func(*Config)
		wantCategory string
	}{
		{name: "https", uri: "https://app.example.com/callback"},
		{name: "https with query", uri: "https://app.example.com/callback?tenant=a"},
		{name: "custom scheme", uri: "com.example.app:/oauth2redirect"},
		{name: "missing scheme", uri: "app.example.com/callback", wantCategory: RedirectURIErrorCategoryInvalidFormat},
		{name: "missing host", uri: "https:///callback", wantCategory: RedirectURIErrorCategoryInvalidFormat},
		{name: "fragment", uri: "https://app.example.com/callback#x", wantCategory: RedirectURIErrorCategoryFragment},
		{name: "javascript", uri: "javascript:alert(1)", wantCategory: RedirectURIErrorCategoryBlockedScheme},
		{name: "data", uri: "DATA:text/html,hi", wantCategory: RedirectURIErrorCategoryBlockedScheme},
		{name: "http in production", uri: "http://app.example.com/callback", wantCategory: RedirectURIErrorCategoryHTTPNotAllowed},
		{
			name:   "http outside production",
			uri:    "http://app.example.com/callback",
			mutate: func(c *Config) { c.DisableProductionMode = true },
		},
		{name: "loopback disabled", uri: "http://127.0.0.1:8080/cb", wantCategory: RedirectURIErrorCategoryLoopback},
		{
			name:   "loopback enabled",
			uri:    "http://localhost:8080/cb",
			mutate: func(c *Config) { c.AllowLocalhostRedirectURIs = true },
		},
		{
			name:   "ipv6 loopback enabled",
			uri:    "http://[::1]:8080/cb",
			mutate: func(c *Config) { c.AllowLocalhostRedirectURIs = true },
		},
		{name: "private ip", uri: "https://10.0.0.8/cb", wantCategory: RedirectURIErrorCategoryPrivateIP},
		{
			name:   "private ip allowed",
			uri:    "https://192.168.1.10/cb",
			mutate: func(c *Config) { c.AllowPrivateIPRedirectURIs = true },
		},
		{name: "cloud metadata", uri: "https://169.254.169.254/latest", wantCategory: RedirectURIErrorCategoryLinkLocal},
		{name: "unspecified", uri: "https://0.0.0.0/cb", wantCategory: RedirectURIErrorCategoryUnspecifiedAddr},
		{
			name:         "custom scheme outside patterns",
			uri:          "myapp:/cb",
			mutate:       func(c *Config) { c.AllowedCustomSchemes = []string{`^com\.example\.`} },
			wantCategory: RedirectURIErrorCategoryBlockedScheme,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.mutate)

			err := ts.srv.ValidateRedirectURIForRegistration(tt.uri)
			if tt.wantCategory == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantCategory, GetRedirectURIErrorCategory(err))
		})
	}
}

func TestValidateRedirectURIsForRegistration_Empty(t *testing.T) {
	ts := newTestServer(t, nil)
	err := ts.srv.ValidateRedirectURIsForRegistration(nil)
	assert.Equal(t, RedirectURIErrorCategoryInvalidFormat, GetRedirectURIErrorCategory(err))
}

func TestRedirectURISecurityError_HidesReason(t *testing.T) {
	ts := newTestServer(t, nil)
	err := ts.srv.ValidateRedirectURIForRegistration("https://10.1.2.3/cb")

	var secErr *RedirectURISecurityError
	require.True(t, errors.As(err, &secErr))
	assert.NotContains(t, err.Error(), "10.1.2.3")
	assert.Contains(t, secErr.Reason, "10.1.2.3")
}
