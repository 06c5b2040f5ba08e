package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth2-server/storage"
)

const (
	// TestClientID is the ID of the client returned by GenerateTestClient
	TestClientID = "test-client-id"

	// TestClientSecret is the plaintext secret of the client returned by GenerateTestClient
	TestClientSecret = "test-client-secret" //nolint:gosec // test fixture

	// TestRedirectURI is the registered redirect URI of the test client
	TestRedirectURI = "https://client.example.com/callback"

	// TestUserID is the subject used by the generated grants
	TestUserID = "test-user-123"
)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// HashSecret hashes a client secret or password with the minimum bcrypt cost
func HashSecret(t *testing.T, secret string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash secret: %v", err)
	}
	return string(hash)
}

// GenerateTestClient creates a confidential test client authenticating with
// client_secret_basic. Its secret is TestClientSecret.
func GenerateTestClient(t *testing.T) *storage.Client {
	t.Helper()
	return &storage.Client{
		ClientID:                TestClientID,
		ClientSecretHash:        HashSecret(t, TestClientSecret),
		ClientType:              storage.ClientTypeConfidential,
		RedirectURIs:            []string{TestRedirectURI},
		TokenEndpointAuthMethod: "client_secret_basic",
		GrantTypes:              []string{"authorization_code", "refresh_token", "client_credentials"},
		ResponseTypes:           []string{"code", "id_token", "code id_token"},
		ClientName:              "Test Client",
		Scopes:                  []string{"openid", "email", "profile", "offline_access"},
		CreatedAt:               time.Now(),
	}
}

// GenerateTestPublicClient creates a public test client using PKCE only
func GenerateTestPublicClient() *storage.Client {
	return &storage.Client{
		ClientID:                "test-public-client",
		ClientType:              storage.ClientTypePublic,
		RedirectURIs:            []string{"http://127.0.0.1:8765/callback"},
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              "Test Public Client",
		Scopes:                  []string{"openid", "profile"},
		CreatedAt:               time.Now(),
	}
}

// GenerateTestGrant creates an active grant for the test client and user
func GenerateTestGrant(now time.Time, ttl time.Duration, scopes ...string) storage.Grant {
	if len(scopes) == 0 {
		scopes = []string{"openid", "email"}
	}
	return storage.Grant{
		ClientID:   TestClientID,
		UserID:     TestUserID,
		Scopes:     scopes,
		IssuedAt:   now,
		ValidAfter: now,
		ExpiresAt:  now.Add(ttl),
	}
}

// GenerateTestAuthorizationCode creates an unredeemed authorization code bound to
// the given PKCE challenge.
func GenerateTestAuthorizationCode(now time.Time, challenge string) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                GenerateRandomString(43),
		Grant:               GenerateTestGrant(now, 10*time.Minute),
		RedirectURI:         TestRedirectURI,
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		AuthTime:            now,
	}
}

// GenerateTestAccessToken creates an active access token
func GenerateTestAccessToken(now time.Time) *storage.AccessToken {
	return &storage.AccessToken{
		Token: GenerateRandomString(43),
		Grant: GenerateTestGrant(now, time.Hour),
	}
}

// GenerateTestRefreshToken creates an active refresh token
func GenerateTestRefreshToken(now time.Time) *storage.RefreshToken {
	return &storage.RefreshToken{
		Token:    GenerateRandomString(43),
		Grant:    GenerateTestGrant(now, 30*24*time.Hour),
		AuthTime: now,
	}
}

// GenerateRandomString generates a random base64url string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid PKCE challenge and verifier pair for testing.
// Returns (challenge, verifier) where challenge is the S256 hash of the verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

// AssertTimeEqual asserts two times are equal within a tolerance
func AssertTimeEqual(t *testing.T, got, want time.Time, tolerance time.Duration) {
	t.Helper()
	diff := got.Sub(want)
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		t.Errorf("time mismatch: got %v, want %v (tolerance: %v, diff: %v)", got, want, tolerance, diff)
	}
}

// FormRequest is a helper for making form-encoded test HTTP requests
type FormRequest struct {
	Method  string
	Target  string
	Form    url.Values
	Headers map[string]string
}

// NewFormRequest creates a new form request helper
func NewFormRequest(method, target string) *FormRequest {
	return &FormRequest{
		Method:  method,
		Target:  target,
		Form:    url.Values{},
		Headers: make(map[string]string),
	}
}

// With sets a form parameter
func (r *FormRequest) With(key, value string) *FormRequest {
	r.Form.Set(key, value)
	return r
}

// WithHeader adds a header to the request
func (r *FormRequest) WithHeader(key, value string) *FormRequest {
	r.Headers[key] = value
	return r
}

// WithBasicAuth sets HTTP Basic client credentials
func (r *FormRequest) WithBasicAuth(clientID, secret string) *FormRequest {
	creds := url.QueryEscape(clientID) + ":" + url.QueryEscape(secret)
	return r.WithHeader("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(creds)))
}

// Build returns the *http.Request. GET parameters go into the query string,
// everything else into an application/x-www-form-urlencoded body.
func (r *FormRequest) Build() *http.Request {
	var req *http.Request
	if r.Method == http.MethodGet {
		target := r.Target
		if len(r.Form) > 0 {
			target += "?" + r.Form.Encode()
		}
		req = httptest.NewRequest(r.Method, target, nil)
	} else {
		req = httptest.NewRequest(r.Method, r.Target, strings.NewReader(r.Form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	return req
}

// Do executes the request against handler
func (r *FormRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, r.Build())
	return rr
}
