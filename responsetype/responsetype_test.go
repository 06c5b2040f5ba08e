package responsetype

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth2-server/internal/testutil"
	"github.com/giantswarm/oauth2-server/jose"
	"github.com/giantswarm/oauth2-server/protocol"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/storage/memory"
	"github.com/giantswarm/oauth2-server/token"
)

func newTestRegistry(t *testing.T) (*Registry, *memory.Store) {
	t.Helper()

	key, err := jose.GenerateSigningKey()
	require.NoError(t, err)
	keyring, err := jose.NewKeyring([]*jose.SigningKey{key})
	require.NoError(t, err)

	store := memory.New()
	t.Cleanup(store.Stop)

	tokens := token.NewService(token.Config{
		Issuer:               "https://auth.example.com",
		AuthorizationCodeTTL: 10 * time.Minute,
		AccessTokenTTL:       time.Hour,
		RefreshTokenTTL:      24 * time.Hour,
		IDTokenTTL:           time.Hour,
	}, token.Stores{Codes: store, AccessTokens: store, RefreshTokens: store}, keyring)

	return NewRegistry(tokens), store
}

func TestRegistry_Get(t *testing.T) {
	r, _ := newTestRegistry(t)

	tests := []struct {
		requested string
		want      string
		ok        bool
	}{
		{"code", protocol.ResponseTypeCode, true},
		{"token code", protocol.ResponseTypeCodeToken, true},
		{"token  id_token   code", protocol.ResponseTypeCodeIDTokenToken, true},
		{"id_token", protocol.ResponseTypeIDToken, true},
		{"code code", "", false},
		{"device_code", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.requested, func(t *testing.T) {
			rt, ok := r.Get(tt.requested)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, rt.Name)
			}
		})
	}
}

func TestRegistry_Names(t *testing.T) {
	r, _ := newTestRegistry(t)
	assert.Len(t, r.Names(), 7)
	assert.Equal(t, protocol.ResponseTypeCode, r.Names()[0])
}

func TestStandard_DefaultResponseModes(t *testing.T) {
	for _, rt := range Standard {
		want := protocol.ResponseModeFragment
		if rt.Name == protocol.ResponseTypeCode {
			want = protocol.ResponseModeQuery
		}
		assert.Equal(t, want, rt.DefaultResponseMode, rt.Name)
	}
}

func TestRegistry_Issue(t *testing.T) {
	tests := []struct {
		responseType string
		wantParams   []string
		absent       []string
	}{
		{protocol.ResponseTypeCode, []string{"code"}, []string{"access_token", "id_token"}},
		{protocol.ResponseTypeToken, []string{"access_token", "token_type", "expires_in", "scope"}, []string{"code", "id_token"}},
		{protocol.ResponseTypeIDToken, []string{"id_token"}, []string{"code", "access_token"}},
		{protocol.ResponseTypeIDTokenToken, []string{"id_token", "access_token"}, []string{"code"}},
		{protocol.ResponseTypeCodeIDToken, []string{"code", "id_token"}, []string{"access_token"}},
		{protocol.ResponseTypeCodeToken, []string{"code", "access_token"}, []string{"id_token"}},
		{protocol.ResponseTypeCodeIDTokenToken, []string{"code", "access_token", "id_token"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.responseType, func(t *testing.T) {
			r, store := newTestRegistry(t)
			ctx := context.Background()

			rt, ok := r.Get(tt.responseType)
			require.True(t, ok)

			authCtx := &protocol.AuthorizationContext{
				ResponseType: rt.Name,
				Client:       &storage.Client{ClientID: testutil.TestClientID},
				RedirectURI:  testutil.TestRedirectURI,
				Scopes:       []string{"openid", "email"},
				Nonce:        "nonce-123",
			}
			session := &storage.Session{Subject: testutil.TestUserID, AuthTime: time.Now()}

			params, err := r.Issue(ctx, rt, authCtx, session)
			require.NoError(t, err)

			for _, p := range tt.wantParams {
				assert.NotEmpty(t, params.Get(p), "missing %s", p)
			}
			for _, p := range tt.absent {
				assert.Empty(t, params.Get(p), "unexpected %s", p)
			}

			if code := params.Get("code"); code != "" {
				stored, err := store.GetAuthorizationCode(ctx, code)
				require.NoError(t, err)
				assert.Equal(t, testutil.TestUserID, stored.UserID)
				assert.Equal(t, "nonce-123", stored.Nonce)
			}
			if at := params.Get("access_token"); at != "" {
				assert.Equal(t, "Bearer", params.Get("token_type"))
				assert.Equal(t, "3600", params.Get("expires_in"))
				assert.Equal(t, "openid email", params.Get("scope"))

				stored, err := store.GetAccessToken(ctx, at)
				require.NoError(t, err)
				assert.Empty(t, stored.RefreshToken, "implicit flows never issue refresh tokens")
			}
		})
	}
}

func TestRegistry_Issue_IDTokenRequiresOpenID(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()

	rt, _ := r.Get(protocol.ResponseTypeCodeIDToken)
	authCtx := &protocol.AuthorizationContext{
		Client:      &storage.Client{ClientID: testutil.TestClientID},
		RedirectURI: testutil.TestRedirectURI,
		Scopes:      []string{"email"},
		Nonce:       "n",
	}

	_, err := r.Issue(ctx, rt, authCtx, &storage.Session{Subject: testutil.TestUserID})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindInvalidScope))

	// Nothing was issued before the failure
	assert.Zero(t, store.Stats().AuthorizationCodes)
}
