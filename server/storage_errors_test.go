package server

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth2-server/internal/testutil"
	"github.com/giantswarm/oauth2-server/jose"
	"github.com/giantswarm/oauth2-server/protocol"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/storage/mock"
)

var errConnectionRefused = errors.New("dial tcp 10.0.0.5:6379: connection refused")

// newMockServer creates a server whose stores are a mock with the test
// client registered in its backing memory store.
func newMockServer(t *testing.T) (*Server, *mock.Store, *testutil.MockTime) {
	t.Helper()

	clock := testutil.NewMockTime(time.Unix(1_700_000_000, 0))
	key, err := jose.GenerateSigningKey()
	require.NoError(t, err)
	keyring, err := jose.NewKeyring([]*jose.SigningKey{key}, jose.WithClock(clock.Now))
	require.NoError(t, err)

	m := mock.NewStore()
	m.Memory.SetClock(clock.Now)
	t.Cleanup(m.Stop)

	srv, err := New(Stores{
		Clients:       m,
		Codes:         m,
		AccessTokens:  m,
		RefreshTokens: m,
		Consents:      m,
		Revocation:    m,
		Users:         m,
	}, keyring, &Config{
		Issuer:          testIssuer,
		LoginURL:        testLoginURL,
		ScopesSupported: []string{"openid", "email", "profile", "offline_access"},
		Clock:           clock.Now,
	}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	client := testutil.GenerateTestClient(t)
	require.NoError(t, m.Memory.SaveClient(context.Background(), client))
	require.NoError(t, m.Memory.SaveConsent(context.Background(), &storage.Consent{
		ClientID:  client.ClientID,
		Subject:   testutil.TestUserID,
		Scopes:    client.Scopes,
		GrantedAt: clock.Now(),
	}))
	return srv, m, clock
}

func TestStorageFailure_Introspect(t *testing.T) {
	srv, m, _ := newMockServer(t)
	m.GetAccessTokenFunc = func(context.Context, string) (*storage.AccessToken, error) {
		return nil, errConnectionRefused
	}

	resp := srv.Introspect(context.Background(), tokenRequest("some-token", ""))
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Equal(t, "server_error", errorBody(t, resp)["error"])
	assert.Equal(t, 0, m.Calls("GetRefreshToken"), "lookup stops at the first storage failure")
}

func TestStorageFailure_Revoke(t *testing.T) {
	srv, m, _ := newMockServer(t)
	m.GetRefreshTokenFunc = func(context.Context, string) (*storage.RefreshToken, error) {
		return nil, errConnectionRefused
	}

	resp := srv.Revoke(context.Background(), tokenRequest("some-token", ""))
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Equal(t, "server_error", errorBody(t, resp)["error"])
}

func TestStorageFailure_ClientLookup(t *testing.T) {
	srv, m, _ := newMockServer(t)
	m.GetClientFunc = func(context.Context, string) (*storage.Client, error) {
		return nil, errConnectionRefused
	}

	resp := srv.Token(context.Background(), basicAuth(map[string]string{
		protocol.ParamGrantType: protocol.GrantTypeClientCredentials,
	}))
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Equal(t, "server_error", errorBody(t, resp)["error"])
}

func TestCodeReplay_RevokesUserClientTokens(t *testing.T) {
	srv, m, clock := newMockServer(t)
	ctx := context.Background()
	challenge, verifier := testutil.GeneratePKCEPair()

	resp := srv.Authorize(ctx, codeRequest(challenge, nil),
		&storage.Session{Subject: testutil.TestUserID, AuthTime: clock.Now()})
	code := redirectParams(t, resp).Get(protocol.ParamCode)
	require.NotEmpty(t, code)

	exchange := basicAuth(map[string]string{
		protocol.ParamGrantType:    protocol.GrantTypeAuthorizationCode,
		protocol.ParamCode:         code,
		protocol.ParamRedirectURI:  testutil.TestRedirectURI,
		protocol.ParamCodeVerifier: verifier,
	})
	tokens := tokenBody(t, srv.Token(ctx, exchange))
	assert.Equal(t, 0, m.Calls("RevokeAllTokensForUserClient"))

	replay := srv.Token(ctx, exchange)
	assert.Equal(t, "invalid_grant", errorBody(t, replay)["error"])
	assert.Equal(t, 1, m.Calls("RevokeAllTokensForUserClient"))

	at, err := m.Memory.GetAccessToken(ctx, tokens.AccessToken)
	require.NoError(t, err)
	assert.True(t, at.Revoked, "tokens issued for a replayed code are revoked")
}
