// Package token mints the credentials issued by the authorization server:
// authorization codes, opaque access and refresh tokens, and OpenID Connect
// id_tokens. Response types and grant types share one Service so that every
// record honors IssuedAt <= ValidAfter < ExpiresAt.
package token

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth2-server/jose"
	"github.com/giantswarm/oauth2-server/storage"
)

// Config holds issuance lifetimes and identity.
type Config struct {
	Issuer string

	AuthorizationCodeTTL time.Duration
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	IDTokenTTL           time.Duration

	// IDTokenSigningAlg is used when the client registered no
	// id_token_signed_response_alg. Empty selects the default key.
	IDTokenSigningAlg string

	Clock func() time.Time
}

// Stores are the persistence collaborators written at issuance.
type Stores struct {
	Codes         storage.AuthorizationCodeStore
	AccessTokens  storage.AccessTokenStore
	RefreshTokens storage.RefreshTokenStore
}

// Service issues credentials. It holds no mutable state.
type Service struct {
	cfg    Config
	stores Stores
	jose   jose.Service
}

// NewService creates an issuance service.
func NewService(cfg Config, stores Stores, joseService jose.Service) *Service {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Service{cfg: cfg, stores: stores, jose: joseService}
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time {
	return s.cfg.Clock()
}

// AccessTokenTTL returns the configured access token lifetime.
func (s *Service) AccessTokenTTL() time.Duration {
	return s.cfg.AccessTokenTTL
}

// GenerateHandle returns a random 256-bit, base64url encoded handle.
func GenerateHandle() string {
	return oauth2.GenerateVerifier()
}

func (s *Service) newGrant(clientID, userID string, scopes []string, ttl time.Duration) storage.Grant {
	now := s.cfg.Clock()
	return storage.Grant{
		ClientID:   clientID,
		UserID:     userID,
		Scopes:     append([]string(nil), scopes...),
		IssuedAt:   now,
		ValidAfter: now,
		ExpiresAt:  now.Add(ttl),
	}
}

// CodeRequest describes an authorization code to issue.
type CodeRequest struct {
	ClientID            string
	UserID              string
	Scopes              []string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	AuthTime            time.Time
	ACR                 string
}

// IssueAuthorizationCode creates and stores a single-use code.
func (s *Service) IssueAuthorizationCode(ctx context.Context, req CodeRequest) (*storage.AuthorizationCode, error) {
	code := &storage.AuthorizationCode{
		Code:                GenerateHandle(),
		Grant:               s.newGrant(req.ClientID, req.UserID, req.Scopes, s.cfg.AuthorizationCodeTTL),
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		AuthTime:            req.AuthTime,
		ACR:                 req.ACR,
	}
	if err := s.stores.Codes.SaveAuthorizationCode(ctx, code); err != nil {
		return nil, fmt.Errorf("failed to save authorization code: %w", err)
	}
	return code, nil
}

// IssueAccessToken creates and stores an access token without a refresh token.
func (s *Service) IssueAccessToken(ctx context.Context, clientID, userID string, scopes []string) (*storage.AccessToken, error) {
	at := &storage.AccessToken{
		Token: GenerateHandle(),
		Grant: s.newGrant(clientID, userID, scopes, s.cfg.AccessTokenTTL),
	}
	if err := s.stores.AccessTokens.SaveAccessToken(ctx, at); err != nil {
		return nil, fmt.Errorf("failed to save access token: %w", err)
	}
	return at, nil
}

// IssueTokenPair creates and stores a linked access and refresh token.
func (s *Service) IssueTokenPair(ctx context.Context, clientID, userID string, scopes []string, authTime time.Time) (*storage.AccessToken, *storage.RefreshToken, error) {
	at := &storage.AccessToken{
		Token: GenerateHandle(),
		Grant: s.newGrant(clientID, userID, scopes, s.cfg.AccessTokenTTL),
	}
	rt := &storage.RefreshToken{
		Token:    GenerateHandle(),
		Grant:    s.newGrant(clientID, userID, scopes, s.cfg.RefreshTokenTTL),
		AuthTime: authTime,
	}
	at.RefreshToken = rt.Token
	rt.AccessToken = at.Token

	if err := s.stores.AccessTokens.SaveAccessToken(ctx, at); err != nil {
		return nil, nil, fmt.Errorf("failed to save access token: %w", err)
	}
	if err := s.stores.RefreshTokens.SaveRefreshToken(ctx, rt); err != nil {
		return nil, nil, fmt.Errorf("failed to save refresh token: %w", err)
	}
	return at, rt, nil
}

// IDTokenRequest describes an id_token to issue.
type IDTokenRequest struct {
	Client   *storage.Client
	Subject  string
	Nonce    string
	AuthTime time.Time
	ACR      string
	AMR      []string

	// AccessToken and Code, when set, are bound through at_hash and c_hash.
	AccessToken string
	Code        string
}

// IssueIDToken signs an id_token (OpenID Connect Core Section 2).
func (s *Service) IssueIDToken(ctx context.Context, req IDTokenRequest) (string, error) {
	alg := req.Client.IDTokenSignedResponseAlg
	if alg == "" {
		alg = s.cfg.IDTokenSigningAlg
	}

	now := s.cfg.Clock()
	claims := jwt.MapClaims{
		"iss": s.cfg.Issuer,
		"sub": req.Subject,
		"aud": req.Client.ClientID,
		"azp": req.Client.ClientID,
		"exp": now.Add(s.cfg.IDTokenTTL).Unix(),
		"iat": now.Unix(),
		"jti": uuid.NewString(),
	}
	if !req.AuthTime.IsZero() {
		claims["auth_time"] = req.AuthTime.Unix()
	}
	if req.Nonce != "" {
		claims["nonce"] = req.Nonce
	}
	if req.ACR != "" {
		claims["acr"] = req.ACR
	}
	if len(req.AMR) > 0 {
		claims["amr"] = req.AMR
	}

	signingAlg := alg
	if signingAlg == "" {
		algs := s.jose.SigningAlgorithms()
		if len(algs) > 0 {
			signingAlg = algs[0]
		}
	}
	if req.AccessToken != "" {
		claims["at_hash"] = LeftHalfHash(signingAlg, req.AccessToken)
	}
	if req.Code != "" {
		claims["c_hash"] = LeftHalfHash(signingAlg, req.Code)
	}

	signed, err := s.jose.Sign(ctx, alg, claims)
	if err != nil {
		return "", fmt.Errorf("failed to sign id_token: %w", err)
	}
	return signed, nil
}

// LeftHalfHash computes at_hash and c_hash values: the base64url encoding of
// the left-most half of the hash of value, using the hash function of the
// id_token's JWS algorithm (OpenID Connect Core Section 3.3.2.11).
func LeftHalfHash(alg, value string) string {
	h := hashForAlgorithm(alg)
	h.Write([]byte(value))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

func hashForAlgorithm(alg string) hash.Hash {
	switch {
	case alg == "EdDSA", strings.HasSuffix(alg, "512"):
		return sha512.New()
	case strings.HasSuffix(alg, "384"):
		return sha512.New384()
	default:
		return sha256.New()
	}
}
