package clientauth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	josesvc "github.com/giantswarm/oauth2-server/jose"
	"github.com/giantswarm/oauth2-server/protocol"
	"github.com/giantswarm/oauth2-server/storage"
)

const (
	testIssuer        = "https://auth.example.com"
	testTokenEndpoint = "https://auth.example.com/token"
)

type clientMap map[string]*storage.Client

func (m clientMap) GetClient(_ context.Context, id string) (*storage.Client, error) {
	if c, ok := m[id]; ok {
		return c, nil
	}
	return nil, storage.ErrClientNotFound
}

func (m clientMap) SaveClient(_ context.Context, c *storage.Client) error {
	m[c.ClientID] = c
	return nil
}

var testNow = time.Unix(1_700_000_000, 0)

func hashSecret(t *testing.T, secret string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func newDeps(t *testing.T, clients clientMap) Dependencies {
	t.Helper()
	key, err := josesvc.GenerateSigningKey()
	require.NoError(t, err)
	clock := func() time.Time { return testNow }
	kr, err := josesvc.NewKeyring([]*josesvc.SigningKey{key}, josesvc.WithClock(clock))
	require.NoError(t, err)
	return Dependencies{
		Clients:   clients,
		JOSE:      kr,
		Audiences: []string{testIssuer, testTokenEndpoint},
		Replay:    NewReplayCache(time.Minute, clock),
		Clock:     clock,
	}
}

func basicHeader(id, secret string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString(
		[]byte(url.QueryEscape(id)+":"+url.QueryEscape(secret))))
	return h
}

func requireKind(t *testing.T, err error, kind protocol.Kind) *protocol.Error {
	t.Helper()
	require.Error(t, err)
	oauthErr := protocol.AsError(err)
	require.Equal(t, kind, oauthErr.Kind, "error: %v", err)
	return oauthErr
}

func TestResolver_ExactlyOneMethod(t *testing.T) {
	clients := clientMap{
		"conf": {ClientID: "conf", ClientSecretHash: hashSecret(t, "s3cret"), TokenEndpointAuthMethod: protocol.AuthMethodClientSecretBasic},
	}
	r := DefaultResolver(newDeps(t, clients))

	tests := []struct {
		name     string
		form     url.Values
		header   http.Header
		wantDesc string
	}{
		{
			name:     "no credentials",
			form:     url.Values{},
			wantDesc: DescriptionNoMethod,
		},
		{
			name:     "basic header and body secret",
			form:     url.Values{"client_id": {"conf"}, "client_secret": {"s3cret"}},
			header:   basicHeader("conf", "s3cret"),
			wantDesc: DescriptionMultipleMethods,
		},
		{
			name: "body secret and assertion",
			form: url.Values{
				"client_id":             {"conf"},
				"client_secret":         {"s3cret"},
				"client_assertion":      {"a.b.c"},
				"client_assertion_type": {AssertionTypeJWTBearer},
			},
			wantDesc: DescriptionMultipleMethods,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Authenticate(context.Background(), protocol.NewRequest(http.MethodPost, tt.form, tt.header))
			oauthErr := requireKind(t, err, protocol.KindInvalidClient)
			assert.Equal(t, tt.wantDesc, oauthErr.Description)
			assert.Equal(t, http.StatusUnauthorized, oauthErr.Status())
		})
	}
}

func TestResolver_Methods(t *testing.T) {
	r := DefaultResolver(newDeps(t, clientMap{}))
	assert.Equal(t, []string{
		protocol.AuthMethodNone,
		protocol.AuthMethodClientSecretBasic,
		protocol.AuthMethodClientSecretPost,
		protocol.AuthMethodClientSecretJWT,
		protocol.AuthMethodPrivateKeyJWT,
	}, r.Methods())
}

func TestClientSecretBasic(t *testing.T) {
	clients := clientMap{
		"conf": {ClientID: "conf", ClientSecretHash: hashSecret(t, "s3cret:with/chars")},
		"expired": {
			ClientID:         "expired",
			ClientSecretHash: hashSecret(t, "old"),
			SecretExpiresAt:  testNow.Add(-time.Second),
		},
		"post-only": {
			ClientID:                "post-only",
			ClientSecretHash:        hashSecret(t, "s3cret"),
			TokenEndpointAuthMethod: protocol.AuthMethodClientSecretPost,
		},
	}
	r := DefaultResolver(newDeps(t, clients))
	ctx := context.Background()

	client, err := r.Authenticate(ctx, protocol.NewRequest(http.MethodPost, nil, basicHeader("conf", "s3cret:with/chars")))
	require.NoError(t, err)
	assert.Equal(t, "conf", client.ClientID)

	failures := map[string]http.Header{
		"wrong secret":   basicHeader("conf", "nope"),
		"unknown client": basicHeader("ghost", "s3cret"),
		"expired secret": basicHeader("expired", "old"),
		"wrong method":   basicHeader("post-only", "s3cret"),
		"malformed":      {"Authorization": {"Basic !!!"}},
	}
	for name, header := range failures {
		t.Run(name, func(t *testing.T) {
			_, err := r.Authenticate(ctx, protocol.NewRequest(http.MethodPost, nil, header))
			oauthErr := requireKind(t, err, protocol.KindInvalidClient)
			assert.Equal(t, basicAuthChallenge, oauthErr.Headers.Get("WWW-Authenticate"))
		})
	}
}

func TestClientSecretPost(t *testing.T) {
	clients := clientMap{
		"conf": {
			ClientID:                "conf",
			ClientSecretHash:        hashSecret(t, "s3cret"),
			TokenEndpointAuthMethod: protocol.AuthMethodClientSecretPost,
		},
	}
	r := DefaultResolver(newDeps(t, clients))
	ctx := context.Background()

	client, err := r.Authenticate(ctx, protocol.NewRequest(http.MethodPost,
		url.Values{"client_id": {"conf"}, "client_secret": {"s3cret"}}, nil))
	require.NoError(t, err)
	assert.Equal(t, "conf", client.ClientID)

	_, err = r.Authenticate(ctx, protocol.NewRequest(http.MethodPost,
		url.Values{"client_id": {"conf"}, "client_secret": {"wrong"}}, nil))
	requireKind(t, err, protocol.KindInvalidClient)
}

func TestNone(t *testing.T) {
	clients := clientMap{
		"public": {ClientID: "public", ClientType: storage.ClientTypePublic},
		"conf":   {ClientID: "conf", ClientSecretHash: hashSecret(t, "s3cret")},
	}
	r := DefaultResolver(newDeps(t, clients))
	ctx := context.Background()

	client, err := r.Authenticate(ctx, protocol.NewRequest(http.MethodPost, url.Values{"client_id": {"public"}}, nil))
	require.NoError(t, err)
	assert.Equal(t, "public", client.ClientID)

	_, err = r.Authenticate(ctx, protocol.NewRequest(http.MethodPost, url.Values{"client_id": {"conf"}}, nil))
	requireKind(t, err, protocol.KindInvalidClient)

	_, err = r.Authenticate(ctx, protocol.NewRequest(http.MethodPost, url.Values{"client_id": {"ghost"}}, nil))
	requireKind(t, err, protocol.KindInvalidClient)
}

func assertionClaims(clientID, aud, jti string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss": clientID,
		"sub": clientID,
		"aud": aud,
		"exp": testNow.Add(5 * time.Minute).Unix(),
		"iat": testNow.Unix(),
		"jti": jti,
	}
}

func assertionRequest(assertion string) *protocol.Request {
	return protocol.NewRequest(http.MethodPost, url.Values{
		"client_assertion":      {assertion},
		"client_assertion_type": {AssertionTypeJWTBearer},
	}, nil)
}

func TestClientSecretJWT(t *testing.T) {
	clients := clientMap{
		"jwt-client": {
			ClientID:                "jwt-client",
			ClientSecret:            "a-long-shared-secret-for-hmac-signing",
			TokenEndpointAuthMethod: protocol.AuthMethodClientSecretJWT,
		},
	}
	r := DefaultResolver(newDeps(t, clients))
	ctx := context.Background()

	sign := func(claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
			SignedString([]byte("a-long-shared-secret-for-hmac-signing"))
		require.NoError(t, err)
		return s
	}

	assertion := sign(assertionClaims("jwt-client", testTokenEndpoint, "jti-1"))
	client, err := r.Authenticate(ctx, assertionRequest(assertion))
	require.NoError(t, err)
	assert.Equal(t, "jwt-client", client.ClientID)

	t.Run("replay rejected", func(t *testing.T) {
		_, err := r.Authenticate(ctx, assertionRequest(assertion))
		oauthErr := requireKind(t, err, protocol.KindInvalidClient)
		assert.Contains(t, oauthErr.Description, "already been used")
	})

	t.Run("wrong audience", func(t *testing.T) {
		_, err := r.Authenticate(ctx, assertionRequest(sign(assertionClaims("jwt-client", "https://other.example.com", "jti-2"))))
		requireKind(t, err, protocol.KindInvalidClient)
	})

	t.Run("missing jti", func(t *testing.T) {
		claims := assertionClaims("jwt-client", testIssuer, "")
		delete(claims, "jti")
		_, err := r.Authenticate(ctx, assertionRequest(sign(claims)))
		requireKind(t, err, protocol.KindInvalidClient)
	})

	t.Run("iss differs from sub", func(t *testing.T) {
		claims := assertionClaims("jwt-client", testIssuer, "jti-3")
		claims["iss"] = "someone-else"
		_, err := r.Authenticate(ctx, assertionRequest(sign(claims)))
		requireKind(t, err, protocol.KindInvalidClient)
	})

	t.Run("wrong secret", func(t *testing.T) {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, assertionClaims("jwt-client", testIssuer, "jti-4")).
			SignedString([]byte("not-the-secret-at-all-but-long-enough"))
		require.NoError(t, err)
		_, err = r.Authenticate(ctx, assertionRequest(s))
		requireKind(t, err, protocol.KindInvalidClient)
	})

	t.Run("expired secret", func(t *testing.T) {
		clients["expired"] = &storage.Client{
			ClientID:                "expired",
			ClientSecret:            "a-long-shared-secret-for-hmac-signing",
			SecretExpiresAt:         testNow.Add(-time.Hour),
			TokenEndpointAuthMethod: protocol.AuthMethodClientSecretJWT,
		}
		_, err := r.Authenticate(ctx, assertionRequest(sign(assertionClaims("expired", testIssuer, "jti-5"))))
		requireKind(t, err, protocol.KindInvalidClient)
	})
}

func TestPrivateKeyJWT(t *testing.T) {
	clientKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	jwks, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: &clientKey.PublicKey, KeyID: "k1", Algorithm: "ES256", Use: "sig"},
	}})
	require.NoError(t, err)

	clients := clientMap{
		"pk-client": {
			ClientID:                "pk-client",
			JWKS:                    jwks,
			TokenEndpointAuthMethod: protocol.AuthMethodPrivateKeyJWT,
		},
	}
	r := DefaultResolver(newDeps(t, clients))
	ctx := context.Background()

	sign := func(kid, jti string) string {
		token := jwt.NewWithClaims(jwt.SigningMethodES256, assertionClaims("pk-client", testIssuer, jti))
		token.Header["kid"] = kid
		s, err := token.SignedString(clientKey)
		require.NoError(t, err)
		return s
	}

	client, err := r.Authenticate(ctx, assertionRequest(sign("k1", "jti-1")))
	require.NoError(t, err)
	assert.Equal(t, "pk-client", client.ClientID)

	_, err = r.Authenticate(ctx, assertionRequest(sign("unknown-kid", "jti-2")))
	requireKind(t, err, protocol.KindInvalidClient)

	t.Run("client_id must match subject", func(t *testing.T) {
		req := assertionRequest(sign("k1", "jti-3"))
		req.Form.Set("client_id", "other")
		_, err := r.Authenticate(ctx, req)
		requireKind(t, err, protocol.KindInvalidClient)
	})

	t.Run("malformed assertion", func(t *testing.T) {
		_, err := r.Authenticate(ctx, assertionRequest("not-a-jwt"))
		requireKind(t, err, protocol.KindInvalidClient)
	})

	t.Run("unsupported assertion type", func(t *testing.T) {
		req := assertionRequest(sign("k1", "jti-4"))
		req.Form.Set("client_assertion_type", "urn:example:other")
		_, err := r.Authenticate(ctx, req)
		requireKind(t, err, protocol.KindInvalidClient)
	})
}

func TestReplayCache(t *testing.T) {
	rc := NewReplayCache(time.Minute, func() time.Time { return testNow })
	exp := testNow.Add(time.Minute)

	assert.True(t, rc.Remember("c1", "a", exp))
	assert.False(t, rc.Remember("c1", "a", exp))
	assert.True(t, rc.Remember("c2", "a", exp), "jti values are scoped per client")
	assert.Equal(t, 2, rc.Len())
}
