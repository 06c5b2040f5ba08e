package clientauth

import (
	"context"
	"encoding/base64"
	"errors"
	"net/url"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth2-server/protocol"
	"github.com/giantswarm/oauth2-server/storage"
)

// dummySecretHash is compared against when the client does not exist so
// that unknown and known clients take the same time to reject.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

const basicAuthChallenge = `Basic realm="oauth2"`

// ClientSecretBasic authenticates with HTTP Basic credentials
// (RFC 6749 Section 2.3.1).
type ClientSecretBasic struct {
	deps Dependencies
}

// NewClientSecretBasic creates the client_secret_basic authenticator.
func NewClientSecretBasic(deps Dependencies) *ClientSecretBasic {
	return &ClientSecretBasic{deps: deps}
}

// Method implements Authenticator.
func (a *ClientSecretBasic) Method() string { return protocol.AuthMethodClientSecretBasic }

// AppliesTo implements Authenticator.
func (a *ClientSecretBasic) AppliesTo(req *protocol.Request) bool {
	scheme, _, _ := strings.Cut(req.Header.Get("Authorization"), " ")
	return strings.EqualFold(scheme, "Basic")
}

// Authenticate implements Authenticator.
func (a *ClientSecretBasic) Authenticate(ctx context.Context, req *protocol.Request) (*storage.Client, error) {
	clientID, secret, ok := parseBasicAuth(req.Header.Get("Authorization"))
	if !ok || clientID == "" {
		return nil, basicChallenge(protocol.ErrInvalidClient("Malformed HTTP Basic client credentials."))
	}
	client, err := verifySecret(ctx, &a.deps, clientID, secret, a.Method())
	if err != nil {
		var oauthErr *protocol.Error
		if errors.As(err, &oauthErr) {
			return nil, basicChallenge(oauthErr)
		}
		return nil, err
	}
	return client, nil
}

func basicChallenge(err *protocol.Error) *protocol.Error {
	return err.WithHeader("WWW-Authenticate", basicAuthChallenge)
}

// parseBasicAuth decodes "Basic base64(id:secret)". Both parts are
// form-urlencoded before being joined (RFC 6749 Section 2.3.1).
func parseBasicAuth(header string) (clientID, secret string, ok bool) {
	scheme, encoded, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Basic") {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", "", false
	}
	rawID, rawSecret, found := strings.Cut(string(decoded), ":")
	if !found {
		return "", "", false
	}
	if clientID, err = url.QueryUnescape(rawID); err != nil {
		return "", "", false
	}
	if secret, err = url.QueryUnescape(rawSecret); err != nil {
		return "", "", false
	}
	return clientID, secret, true
}

// ClientSecretPost authenticates with client_id and client_secret in the
// request body.
type ClientSecretPost struct {
	deps Dependencies
}

// NewClientSecretPost creates the client_secret_post authenticator.
func NewClientSecretPost(deps Dependencies) *ClientSecretPost {
	return &ClientSecretPost{deps: deps}
}

// Method implements Authenticator.
func (a *ClientSecretPost) Method() string { return protocol.AuthMethodClientSecretPost }

// AppliesTo implements Authenticator.
func (a *ClientSecretPost) AppliesTo(req *protocol.Request) bool {
	return req.Has(protocol.ParamClientID) && req.Has(protocol.ParamClientSecret)
}

// Authenticate implements Authenticator.
func (a *ClientSecretPost) Authenticate(ctx context.Context, req *protocol.Request) (*storage.Client, error) {
	return verifySecret(ctx, &a.deps,
		req.Get(protocol.ParamClientID), req.Get(protocol.ParamClientSecret), a.Method())
}

// verifySecret always performs one bcrypt comparison, against a dummy hash
// when the client is unknown.
func verifySecret(ctx context.Context, deps *Dependencies, clientID, secret, method string) (*storage.Client, error) {
	client, err := lookupClient(ctx, deps, clientID, method)
	if err != nil {
		return nil, err
	}

	hash := dummySecretHash
	if client != nil && client.ClientSecretHash != "" {
		hash = client.ClientSecretHash
	}
	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))

	if client == nil || client.ClientSecretHash == "" || bcryptErr != nil {
		deps.logger().Debug("Client secret verification failed", "client_id", clientID)
		return nil, protocol.ErrInvalidClient(descriptionFailed)
	}
	if client.SecretExpired(deps.now()) {
		return nil, protocol.ErrInvalidClient("The client secret has expired.")
	}
	return client, nil
}

// None identifies public clients that present only their client_id.
type None struct {
	deps Dependencies
}

// NewNone creates the "none" authenticator.
func NewNone(deps Dependencies) *None {
	return &None{deps: deps}
}

// Method implements Authenticator.
func (a *None) Method() string { return protocol.AuthMethodNone }

// AppliesTo implements Authenticator.
func (a *None) AppliesTo(req *protocol.Request) bool {
	return req.Has(protocol.ParamClientID) &&
		!req.Has(protocol.ParamClientSecret) &&
		!req.Has(protocol.ParamClientAssertion) &&
		!req.Has(protocol.ParamClientAssertionType) &&
		req.Header.Get("Authorization") == ""
}

// Authenticate implements Authenticator.
func (a *None) Authenticate(ctx context.Context, req *protocol.Request) (*storage.Client, error) {
	clientID := req.Get(protocol.ParamClientID)
	client, err := lookupClient(ctx, &a.deps, clientID, a.Method())
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, protocol.ErrInvalidClient(descriptionFailed)
	}
	return client, nil
}

var (
	_ Authenticator = (*ClientSecretBasic)(nil)
	_ Authenticator = (*ClientSecretPost)(nil)
	_ Authenticator = (*None)(nil)
)
