package clientauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/oauth2-server/jose"
	"github.com/giantswarm/oauth2-server/protocol"
	"github.com/giantswarm/oauth2-server/storage"
)

// AssertionTypeJWTBearer is the only supported client_assertion_type (RFC 7523 Section 2.2).
const AssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

var (
	hmacAlgorithms   = []string{"HS256", "HS384", "HS512"}
	publicAlgorithms = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512", "EdDSA"}
)

// ClientSecretJWT verifies an HMAC-signed assertion keyed with the client's
// raw secret.
type ClientSecretJWT struct {
	assertion
}

// NewClientSecretJWT creates the client_secret_jwt authenticator.
func NewClientSecretJWT(deps Dependencies) *ClientSecretJWT {
	return &ClientSecretJWT{assertion{
		deps:       deps,
		method:     protocol.AuthMethodClientSecretJWT,
		algorithms: hmacAlgorithms,
	}}
}

// PrivateKeyJWT verifies an assertion signed with a key from the client's
// JWKS or jwks_uri.
type PrivateKeyJWT struct {
	assertion
}

// NewPrivateKeyJWT creates the private_key_jwt authenticator.
func NewPrivateKeyJWT(deps Dependencies) *PrivateKeyJWT {
	return &PrivateKeyJWT{assertion{
		deps:       deps,
		method:     protocol.AuthMethodPrivateKeyJWT,
		algorithms: publicAlgorithms,
	}}
}

// assertion is shared by both JWT methods; they differ in accepted
// algorithms and in how the verification key is found.
type assertion struct {
	deps       Dependencies
	method     string
	algorithms []string
}

// Method implements Authenticator.
func (a *assertion) Method() string { return a.method }

// AppliesTo implements Authenticator. The two JWT methods share their
// parameters, so the assertion's alg header decides which one applies.
func (a *assertion) AppliesTo(req *protocol.Request) bool {
	if !req.Has(protocol.ParamClientAssertion) || !req.Has(protocol.ParamClientAssertionType) {
		return false
	}
	alg, ok := peekAlgorithm(req.Get(protocol.ParamClientAssertion))
	if !ok {
		// Malformed assertions are claimed by private_key_jwt so the request
		// still resolves to exactly one method and fails in Authenticate.
		return a.method == protocol.AuthMethodPrivateKeyJWT
	}
	return slices.Contains(a.algorithms, alg) ||
		(a.method == protocol.AuthMethodPrivateKeyJWT && !slices.Contains(hmacAlgorithms, alg))
}

func peekAlgorithm(raw string) (string, bool) {
	token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return "", false
	}
	alg, ok := token.Header["alg"].(string)
	return alg, ok && alg != ""
}

// Authenticate implements Authenticator.
func (a *assertion) Authenticate(ctx context.Context, req *protocol.Request) (*storage.Client, error) {
	if req.Get(protocol.ParamClientAssertionType) != AssertionTypeJWTBearer {
		return nil, protocol.Newf(protocol.KindInvalidClient,
			"Unsupported client_assertion_type %q.", req.Get(protocol.ParamClientAssertionType))
	}
	raw := req.Get(protocol.ParamClientAssertion)

	unverified, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, protocol.ErrInvalidClient("The client assertion is malformed.").WithCause(err)
	}
	unverifiedClaims, _ := unverified.Claims.(jwt.MapClaims)
	clientID, _ := unverifiedClaims.GetSubject()
	if clientID == "" {
		return nil, protocol.ErrInvalidClient("The client assertion has no sub claim.")
	}
	if bodyID := req.Get(protocol.ParamClientID); bodyID != "" && bodyID != clientID {
		return nil, protocol.ErrInvalidClient("The client_id does not match the client assertion subject.")
	}

	client, err := lookupClient(ctx, &a.deps, clientID, a.method)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, protocol.ErrInvalidClient(descriptionFailed)
	}

	keyFunc, err := a.keyFunc(ctx, client)
	if err != nil {
		return nil, err
	}

	claims, err := a.deps.JOSE.Verify(ctx, raw, a.algorithms, keyFunc)
	if err != nil {
		var oauthErr *protocol.Error
		if errors.As(err, &oauthErr) {
			return nil, oauthErr
		}
		a.deps.logger().Debug("Client assertion verification failed",
			"client_id", clientID,
			"method", a.method,
			"error", err)
		return nil, protocol.ErrInvalidClient("The client assertion could not be verified.").WithCause(err)
	}

	if err := a.checkClaims(client.ClientID, claims); err != nil {
		return nil, err
	}
	return client, nil
}

func (a *assertion) keyFunc(ctx context.Context, client *storage.Client) (jwt.Keyfunc, error) {
	if a.method == protocol.AuthMethodClientSecretJWT {
		if client.ClientSecret == "" {
			return nil, protocol.ErrInvalidClient("The client has no secret to verify the assertion with.")
		}
		if client.SecretExpired(a.deps.now()) {
			return nil, protocol.ErrInvalidClient("The client secret has expired.")
		}
		secret := []byte(client.ClientSecret)
		return func(*jwt.Token) (any, error) { return secret, nil }, nil
	}

	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		key, err := a.deps.JOSE.ClientVerificationKey(ctx, client, kid)
		if err != nil {
			if errors.Is(err, jose.ErrKeyNotFound) || errors.Is(err, jose.ErrNoClientKeys) {
				return nil, protocol.ErrInvalidClient("No matching verification key was found for the client assertion.").WithCause(err)
			}
			return nil, fmt.Errorf("failed to resolve client key: %w", err)
		}
		return key, nil
	}, nil
}

// checkClaims enforces RFC 7523 Section 3: iss and sub are the client,
// aud names this server, exp is present and jti is not replayed.
func (a *assertion) checkClaims(clientID string, claims jwt.MapClaims) error {
	iss, _ := claims.GetIssuer()
	sub, _ := claims.GetSubject()
	if iss != clientID || sub != clientID {
		return protocol.ErrInvalidClient("The client assertion iss and sub claims must equal the client_id.")
	}

	aud, _ := claims.GetAudience()
	if !slices.ContainsFunc(aud, func(v string) bool { return slices.Contains(a.deps.Audiences, v) }) {
		return protocol.ErrInvalidClient("The client assertion audience does not include this server.")
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return protocol.ErrInvalidClient("The client assertion has no exp claim.")
	}

	jti, _ := claims["jti"].(string)
	if strings.TrimSpace(jti) == "" {
		return protocol.ErrInvalidClient("The client assertion has no jti claim.")
	}
	if a.deps.Replay != nil && !a.deps.Replay.Remember(clientID, jti, exp.Time) {
		a.deps.logger().Warn("Client assertion replay detected", "client_id", clientID)
		return protocol.ErrInvalidClient("The client assertion has already been used.")
	}
	return nil
}

var (
	_ Authenticator = (*ClientSecretJWT)(nil)
	_ Authenticator = (*PrivateKeyJWT)(nil)
)
