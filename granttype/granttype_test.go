package granttype

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth2-server/internal/testutil"
	"github.com/giantswarm/oauth2-server/jose"
	"github.com/giantswarm/oauth2-server/pkce"
	"github.com/giantswarm/oauth2-server/protocol"
	"github.com/giantswarm/oauth2-server/scope"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/storage/memory"
	"github.com/giantswarm/oauth2-server/token"
)

type fixture struct {
	deps   Dependencies
	store  *memory.Store
	clock  *testutil.MockTime
	client *storage.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := testutil.NewMockTime(time.Unix(1_700_000_000, 0))
	key, err := jose.GenerateSigningKey()
	require.NoError(t, err)
	keyring, err := jose.NewKeyring([]*jose.SigningKey{key}, jose.WithClock(clock.Now))
	require.NoError(t, err)

	store := memory.New()
	store.SetClock(clock.Now)
	t.Cleanup(store.Stop)

	tokens := token.NewService(token.Config{
		Issuer:               "https://auth.example.com",
		AuthorizationCodeTTL: 10 * time.Minute,
		AccessTokenTTL:       time.Hour,
		RefreshTokenTTL:      24 * time.Hour,
		IDTokenTTL:           time.Hour,
		Clock:                clock.Now,
	}, token.Stores{Codes: store, AccessTokens: store, RefreshTokens: store}, keyring)

	client := testutil.GenerateTestClient(t)
	require.NoError(t, store.SaveClient(context.Background(), client))

	return &fixture{
		deps: Dependencies{
			Tokens:              tokens,
			Codes:               store,
			AccessTokens:        store,
			RefreshTokens:       store,
			Revocation:          store,
			PKCE:                pkce.DefaultRegistry(),
			Scopes:              scope.NewPolicy([]string{"openid", "email", "profile", "offline_access", "api"}, scope.OfflineAccessKeep),
			JOSE:                keyring,
			RotateRefreshTokens: true,
		},
		store:  store,
		clock:  clock,
		client: client,
	}
}

func request(params map[string]string) *protocol.Request {
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	return protocol.NewRequest("POST", form, nil)
}

func requireKind(t *testing.T, err error, kind protocol.Kind) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, kind), "error = %v, want %s", err, kind)
}

// issueCode stores a code for the fixture client bound to an S256 challenge
// and returns the code and its verifier.
func (f *fixture) issueCode(t *testing.T, scopes ...string) (string, string) {
	t.Helper()
	if len(scopes) == 0 {
		scopes = []string{"openid", "email"}
	}
	challenge, verifier := testutil.GeneratePKCEPair()
	code, err := f.deps.Tokens.IssueAuthorizationCode(context.Background(), token.CodeRequest{
		ClientID:            f.client.ClientID,
		UserID:              testutil.TestUserID,
		Scopes:              scopes,
		RedirectURI:         testutil.TestRedirectURI,
		CodeChallenge:       challenge,
		CodeChallengeMethod: pkce.MethodS256,
		Nonce:               "nonce-abc",
		AuthTime:            f.clock.Now(),
	})
	require.NoError(t, err)
	return code.Code, verifier
}

func (f *fixture) exchange(t *testing.T, code, verifier string) (*protocol.TokenResponse, error) {
	t.Helper()
	return NewAuthorizationCode(f.deps).Handle(context.Background(), request(map[string]string{
		"code":          code,
		"code_verifier": verifier,
		"redirect_uri":  testutil.TestRedirectURI,
	}), f.client)
}

// ============================================================
// Registry
// ============================================================

func TestDefaultRegistry(t *testing.T) {
	f := newFixture(t)

	r := DefaultRegistry(f.deps)
	assert.Equal(t, []string{"authorization_code", "refresh_token", "client_credentials"}, r.Names())
	_, ok := r.Get("password")
	assert.False(t, ok, "password must not be registered without a UserAuthenticator")

	f.deps.Users = f.store
	r = DefaultRegistry(f.deps)
	_, ok = r.Get("password")
	assert.True(t, ok)
}

// ============================================================
// authorization_code
// ============================================================

func TestAuthorizationCode_Success(t *testing.T) {
	f := newFixture(t)
	code, verifier := f.issueCode(t)

	resp, err := f.exchange(t, code, verifier)
	require.NoError(t, err)

	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.NotEmpty(t, resp.IDToken, "openid was granted")
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, int64(3600), resp.ExpiresIn)
	assert.Equal(t, "openid email", resp.Scope)

	at, err := f.store.GetAccessToken(context.Background(), resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, testutil.TestUserID, at.UserID)
	assert.Equal(t, resp.RefreshToken, at.RefreshToken)
}

func TestAuthorizationCode_NoIDTokenWithoutOpenID(t *testing.T) {
	f := newFixture(t)
	code, verifier := f.issueCode(t, "email")

	resp, err := f.exchange(t, code, verifier)
	require.NoError(t, err)
	assert.Empty(t, resp.IDToken)
}

func TestAuthorizationCode_ReuseRevokesIssuedTokens(t *testing.T) {
	f := newFixture(t)
	code, verifier := f.issueCode(t)

	first, err := f.exchange(t, code, verifier)
	require.NoError(t, err)

	_, err = f.exchange(t, code, verifier)
	requireKind(t, err, protocol.KindInvalidGrant)

	ctx := context.Background()
	at, err := f.store.GetAccessToken(ctx, first.AccessToken)
	require.NoError(t, err)
	assert.True(t, at.Revoked, "access token from the first redemption must be revoked")

	rt, err := f.store.GetRefreshToken(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.True(t, rt.Revoked, "refresh token from the first redemption must be revoked")
}

func TestAuthorizationCode_OtherClientDoesNotBurnCode(t *testing.T) {
	f := newFixture(t)
	code, verifier := f.issueCode(t)

	other := &storage.Client{ClientID: "other-client"}
	_, err := NewAuthorizationCode(f.deps).Handle(context.Background(), request(map[string]string{
		"code":          code,
		"code_verifier": verifier,
		"redirect_uri":  testutil.TestRedirectURI,
	}), other)
	requireKind(t, err, protocol.KindInvalidGrant)

	_, err = f.exchange(t, code, verifier)
	assert.NoError(t, err, "the legitimate client can still redeem the code")
}

func TestAuthorizationCode_Failures(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(f *fixture, params map[string]string)
		wantKind protocol.Kind
	}{
		{
			name:     "missing code",
			mutate:   func(_ *fixture, p map[string]string) { delete(p, "code") },
			wantKind: protocol.KindInvalidRequest,
		},
		{
			name:     "unknown code",
			mutate:   func(_ *fixture, p map[string]string) { p["code"] = "unknown" },
			wantKind: protocol.KindInvalidGrant,
		},
		{
			name:     "expired code",
			mutate:   func(f *fixture, _ map[string]string) { f.clock.Advance(11 * time.Minute) },
			wantKind: protocol.KindInvalidGrant,
		},
		{
			name:     "redirect_uri mismatch",
			mutate:   func(_ *fixture, p map[string]string) { p["redirect_uri"] = "https://client.example.com/other" },
			wantKind: protocol.KindInvalidGrant,
		},
		{
			name:     "missing verifier",
			mutate:   func(_ *fixture, p map[string]string) { delete(p, "code_verifier") },
			wantKind: protocol.KindInvalidGrant,
		},
		{
			name: "wrong verifier",
			mutate: func(_ *fixture, p map[string]string) {
				_, other := testutil.GeneratePKCEPair()
				p["code_verifier"] = other
			},
			wantKind: protocol.KindInvalidGrant,
		},
		{
			name:     "malformed verifier",
			mutate:   func(_ *fixture, p map[string]string) { p["code_verifier"] = "short" },
			wantKind: protocol.KindInvalidGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			code, verifier := f.issueCode(t)
			params := map[string]string{
				"code":          code,
				"code_verifier": verifier,
				"redirect_uri":  testutil.TestRedirectURI,
			}
			tt.mutate(f, params)

			_, err := NewAuthorizationCode(f.deps).Handle(context.Background(), request(params), f.client)
			requireKind(t, err, tt.wantKind)
		})
	}
}

// ============================================================
// refresh_token
// ============================================================

func TestRefreshToken_Rotation(t *testing.T) {
	f := newFixture(t)
	code, verifier := f.issueCode(t)
	first, err := f.exchange(t, code, verifier)
	require.NoError(t, err)

	h := NewRefreshToken(f.deps)
	ctx := context.Background()

	second, err := h.Handle(ctx, request(map[string]string{"refresh_token": first.RefreshToken}), f.client)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, "openid email", second.Scope)

	old, err := f.store.GetRefreshToken(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.True(t, old.Revoked)
	oldAT, err := f.store.GetAccessToken(ctx, first.AccessToken)
	require.NoError(t, err)
	assert.True(t, oldAT.Revoked)

	// Replaying the rotated token revokes the new pair too
	_, err = h.Handle(ctx, request(map[string]string{"refresh_token": first.RefreshToken}), f.client)
	requireKind(t, err, protocol.KindInvalidGrant)

	newRT, err := f.store.GetRefreshToken(ctx, second.RefreshToken)
	require.NoError(t, err)
	assert.True(t, newRT.Revoked)
}

// staleRefreshReads serves a snapshot taken before the token was redeemed,
// the view a concurrent redemption has between its read and its write.
type staleRefreshReads struct {
	*memory.Store
	snapshot storage.RefreshToken
}

func (s *staleRefreshReads) GetRefreshToken(context.Context, string) (*storage.RefreshToken, error) {
	rt := s.snapshot
	return &rt, nil
}

func TestRefreshToken_RotationLosesRaceToConcurrentRedemption(t *testing.T) {
	f := newFixture(t)
	code, verifier := f.issueCode(t)
	first, err := f.exchange(t, code, verifier)
	require.NoError(t, err)
	ctx := context.Background()

	snapshot, err := f.store.GetRefreshToken(ctx, first.RefreshToken)
	require.NoError(t, err)
	require.False(t, snapshot.Revoked)

	winner, err := NewRefreshToken(f.deps).Handle(ctx, request(map[string]string{"refresh_token": first.RefreshToken}), f.client)
	require.NoError(t, err)

	deps := f.deps
	deps.RefreshTokens = &staleRefreshReads{Store: f.store, snapshot: *snapshot}
	_, err = NewRefreshToken(deps).Handle(ctx, request(map[string]string{"refresh_token": first.RefreshToken}), f.client)
	requireKind(t, err, protocol.KindInvalidGrant)

	// The losing redemption is treated as reuse.
	rt, err := f.store.GetRefreshToken(ctx, winner.RefreshToken)
	require.NoError(t, err)
	assert.True(t, rt.Revoked, "reuse must revoke the pair issued to the winner")
}

func TestRefreshToken_ConcurrentRedemptions(t *testing.T) {
	f := newFixture(t)
	code, verifier := f.issueCode(t)
	first, err := f.exchange(t, code, verifier)
	require.NoError(t, err)

	h := NewRefreshToken(f.deps)
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.Handle(context.Background(), request(map[string]string{"refresh_token": first.RefreshToken}), f.client); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load(), "a refresh token is redeemed exactly once")
}

func TestRefreshToken_WithoutRotation(t *testing.T) {
	f := newFixture(t)
	f.deps.RotateRefreshTokens = false
	code, verifier := f.issueCode(t)
	first, err := f.exchange(t, code, verifier)
	require.NoError(t, err)

	h := NewRefreshToken(f.deps)
	for i := 0; i < 2; i++ {
		resp, err := h.Handle(context.Background(), request(map[string]string{"refresh_token": first.RefreshToken}), f.client)
		require.NoError(t, err)
		assert.Empty(t, resp.RefreshToken)
		assert.NotEmpty(t, resp.AccessToken)
	}
}

func TestRefreshToken_Scope(t *testing.T) {
	tests := []struct {
		name      string
		scope     string
		wantScope string
		wantKind  protocol.Kind
	}{
		{name: "narrowed", scope: "email", wantScope: "email"},
		{name: "same", scope: "openid email", wantScope: "openid email"},
		{name: "widened", scope: "openid email profile", wantKind: protocol.KindInvalidScope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			code, verifier := f.issueCode(t)
			first, err := f.exchange(t, code, verifier)
			require.NoError(t, err)

			resp, err := NewRefreshToken(f.deps).Handle(context.Background(), request(map[string]string{
				"refresh_token": first.RefreshToken,
				"scope":         tt.scope,
			}), f.client)
			if tt.wantKind != "" {
				requireKind(t, err, tt.wantKind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantScope, resp.Scope)
		})
	}
}

func TestRefreshToken_Failures(t *testing.T) {
	f := newFixture(t)
	code, verifier := f.issueCode(t)
	first, err := f.exchange(t, code, verifier)
	require.NoError(t, err)
	h := NewRefreshToken(f.deps)
	ctx := context.Background()

	_, err = h.Handle(ctx, request(nil), f.client)
	requireKind(t, err, protocol.KindInvalidRequest)

	_, err = h.Handle(ctx, request(map[string]string{"refresh_token": "unknown"}), f.client)
	requireKind(t, err, protocol.KindInvalidGrant)

	_, err = h.Handle(ctx, request(map[string]string{"refresh_token": first.RefreshToken}), &storage.Client{ClientID: "other-client"})
	requireKind(t, err, protocol.KindInvalidGrant)

	f.clock.Advance(25 * time.Hour)
	_, err = h.Handle(ctx, request(map[string]string{"refresh_token": first.RefreshToken}), f.client)
	requireKind(t, err, protocol.KindInvalidGrant)
}

// ============================================================
// client_credentials
// ============================================================

func TestClientCredentials(t *testing.T) {
	f := newFixture(t)
	h := NewClientCredentials(f.deps)
	ctx := context.Background()

	resp, err := h.Handle(ctx, request(nil), f.client)
	require.NoError(t, err)
	assert.Empty(t, resp.RefreshToken, "client_credentials never issues refresh tokens")
	assert.Equal(t, "openid email profile offline_access", resp.Scope, "absent scope grants the client's full set")

	at, err := f.store.GetAccessToken(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Empty(t, at.UserID)

	resp, err = h.Handle(ctx, request(map[string]string{"scope": "email api"}), f.client)
	require.NoError(t, err)
	assert.Equal(t, "email", resp.Scope, "scopes the client is not registered for are dropped")

	_, err = h.Handle(ctx, request(map[string]string{"scope": "admin"}), f.client)
	requireKind(t, err, protocol.KindInvalidScope)

	_, err = h.Handle(ctx, request(nil), testutil.GenerateTestPublicClient())
	requireKind(t, err, protocol.KindUnauthorizedClient)
}

// ============================================================
// password
// ============================================================

func TestPassword(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.AddUser("alice", "s3cret-pw", "user-alice"))
	f.deps.Users = f.store
	h := NewPassword(f.deps)
	ctx := context.Background()

	resp, err := h.Handle(ctx, request(map[string]string{
		"username": "alice",
		"password": "s3cret-pw",
		"scope":    "email",
	}), f.client)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, "email", resp.Scope)

	at, err := f.store.GetAccessToken(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-alice", at.UserID)

	_, err = h.Handle(ctx, request(map[string]string{"username": "alice", "password": "wrong"}), f.client)
	requireKind(t, err, protocol.KindInvalidGrant)

	_, err = h.Handle(ctx, request(map[string]string{"username": "alice"}), f.client)
	requireKind(t, err, protocol.KindInvalidRequest)
}
