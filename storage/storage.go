package storage

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"
)

var (
	// ErrClientNotFound indicates that no client is registered under the given id.
	ErrClientNotFound = errors.New("client not found")

	// ErrTokenNotFound indicates an unknown access or refresh token.
	ErrTokenNotFound = errors.New("token not found")

	// ErrAuthorizationCodeNotFound indicates an unknown authorization code.
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")

	// ErrAuthorizationCodeUsed indicates that an authorization code was already redeemed.
	ErrAuthorizationCodeUsed = errors.New("authorization code already used")

	// ErrRefreshTokenUsed indicates that a refresh token was already redeemed or revoked.
	ErrRefreshTokenUsed = errors.New("refresh token already used")

	// ErrConsentNotFound indicates that the subject has not consented to the client.
	ErrConsentNotFound = errors.New("consent not found")

	// ErrInvalidCredentials indicates a failed resource owner password check.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Client type constants
const (
	// ClientTypeConfidential represents a client able to keep a secret
	ClientTypeConfidential = "confidential"

	// ClientTypePublic represents a client that cannot keep a secret
	ClientTypePublic = "public"
)

// Client represents a registered OAuth client.
type Client struct {
	ClientID string

	// ClientSecretHash is the bcrypt hash checked by client_secret_basic and
	// client_secret_post.
	ClientSecretHash string

	// ClientSecret is the raw secret. It is only needed for client_secret_jwt,
	// where the secret is the HMAC key, and may be empty otherwise.
	ClientSecret string

	// SecretExpiresAt is zero when the secret never expires.
	SecretExpiresAt time.Time

	ClientType              string
	RedirectURIs            []string
	ResponseTypes           []string
	GrantTypes              []string
	TokenEndpointAuthMethod string
	Scopes                  []string
	ClientName              string

	// JWKS is an inline JSON Web Key Set; JWKSURI a location to fetch one.
	// Used to verify private_key_jwt assertions and to encrypt JARM responses.
	JWKS    json.RawMessage
	JWKSURI string

	// AuthorizationSignedResponseAlg enables the *.jwt response modes (JARM).
	AuthorizationSignedResponseAlg string

	// AuthorizationEncryptedResponseAlg and Enc optionally encrypt JARM responses.
	AuthorizationEncryptedResponseAlg string
	AuthorizationEncryptedResponseEnc string

	// IDTokenSignedResponseAlg overrides the server default id_token algorithm.
	IDTokenSignedResponseAlg string

	CreatedAt time.Time
}

// HasRedirectURI reports whether uri is registered, compared byte for byte.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// HasResponseType reports whether responseType is registered. Response types
// are compared as unordered sets of space-delimited values.
func (c *Client) HasResponseType(responseType string) bool {
	want := normalize(responseType)
	for _, rt := range c.ResponseTypes {
		if normalize(rt) == want {
			return true
		}
	}
	return false
}

// HasGrantType reports whether grantType is registered.
func (c *Client) HasGrantType(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// IsPublic reports whether the client cannot authenticate with a credential.
func (c *Client) IsPublic() bool {
	return c.ClientType == ClientTypePublic || c.TokenEndpointAuthMethod == "none"
}

// SecretExpired reports whether the client's secret has expired at now.
func (c *Client) SecretExpired(now time.Time) bool {
	return !c.SecretExpiresAt.IsZero() && !now.Before(c.SecretExpiresAt)
}

func normalize(list string) string {
	fields := strings.Fields(list)
	slices.Sort(fields)
	return strings.Join(fields, " ")
}

// Session is an end-user authentication produced by the host's login flow.
type Session struct {
	Subject  string
	AuthTime time.Time

	// ACR is the authentication context class reference that was satisfied.
	ACR string

	// AMR lists the authentication methods used.
	AMR []string
}

// Consent is a subject's decision to grant a set of scopes to a client.
type Consent struct {
	ClientID  string
	Subject   string
	Scopes    []string
	GrantedAt time.Time
}

// Covers reports whether every one of scopes was consented to.
func (c *Consent) Covers(scopes []string) bool {
	for _, s := range scopes {
		if !slices.Contains(c.Scopes, s) {
			return false
		}
	}
	return true
}

// Grant holds the fields shared by authorization codes, access tokens and
// refresh tokens. IssuedAt <= ValidAfter < ExpiresAt always holds.
type Grant struct {
	ClientID string

	// UserID is empty for client_credentials grants.
	UserID string

	Scopes     []string
	IssuedAt   time.Time
	ValidAfter time.Time
	ExpiresAt  time.Time
	Revoked    bool
}

// ActiveAt reports whether the grant is usable at now: not revoked and
// inside [ValidAfter, ExpiresAt).
func (g *Grant) ActiveAt(now time.Time) bool {
	return !g.Revoked && g.ValidAt(now)
}

// ValidAt reports whether now is inside [ValidAfter, ExpiresAt), ignoring
// the revoked flag.
func (g *Grant) ValidAt(now time.Time) bool {
	return !now.Before(g.ValidAfter) && now.Before(g.ExpiresAt)
}

// Scope returns the granted scopes as a space-delimited string.
func (g *Grant) Scope() string {
	return strings.Join(g.Scopes, " ")
}

// AuthorizationCode is issued by code-bearing response types and redeemed
// once at the token endpoint.
type AuthorizationCode struct {
	Code string
	Grant

	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	AuthTime            time.Time
	ACR                 string
}

// AccessToken is an opaque bearer token.
type AccessToken struct {
	Token string
	Grant

	// RefreshToken is the handle of the refresh token issued alongside, if any.
	RefreshToken string
}

// RefreshToken is an opaque credential redeemable for new access tokens.
type RefreshToken struct {
	Token string
	Grant

	// AccessToken is the handle of the access token issued alongside.
	AccessToken string
	AuthTime    time.Time
}

// ClientStore looks up registered clients.
type ClientStore interface {
	// GetClient returns ErrClientNotFound for unknown ids.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// SaveClient creates or replaces a client.
	SaveClient(ctx context.Context, client *Client) error
}

// ConsentStore reads consent decisions recorded by the host.
type ConsentStore interface {
	// GetConsent returns ErrConsentNotFound when the subject never consented.
	GetConsent(ctx context.Context, clientID, subject string) (*Consent, error)
}

// AuthorizationCodeStore persists authorization codes.
type AuthorizationCodeStore interface {
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode returns ErrAuthorizationCodeNotFound for unknown codes.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode atomically marks a code revoked and returns it.
	// If the code was already revoked it returns the code together with
	// ErrAuthorizationCodeUsed, so callers can react to the replay.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// AccessTokenStore persists access tokens.
type AccessTokenStore interface {
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken returns ErrTokenNotFound for unknown tokens.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// RevokeAccessToken flips the Revoked flag. Revoking an unknown token
	// returns ErrTokenNotFound.
	RevokeAccessToken(ctx context.Context, token string) error
}

// RefreshTokenStore persists refresh tokens.
type RefreshTokenStore interface {
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken returns ErrTokenNotFound for unknown tokens.
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// RevokeRefreshToken flips the Revoked flag. Revoking an unknown token
	// returns ErrTokenNotFound.
	RevokeRefreshToken(ctx context.Context, token string) error

	// ConsumeRefreshToken atomically marks a refresh token revoked and
	// returns it. A token that was already revoked is returned together with
	// ErrRefreshTokenUsed; unknown tokens give ErrTokenNotFound.
	ConsumeRefreshToken(ctx context.Context, token string) (*RefreshToken, error)
}

// TokenRevocationStore is an optional interface for stores that can revoke
// every token of a (user, client) pair. It is used when an authorization code
// or a rotated refresh token is replayed.
type TokenRevocationStore interface {
	// RevokeAllTokensForUserClient returns the number of tokens revoked.
	RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error)
}

// UserAuthenticator verifies resource owner credentials for the password grant.
type UserAuthenticator interface {
	// AuthenticateUser returns the subject for valid credentials and
	// ErrInvalidCredentials otherwise.
	AuthenticateUser(ctx context.Context, username, password string) (string, error)
}
