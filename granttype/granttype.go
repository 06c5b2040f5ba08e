// Package granttype implements the token endpoint's grant types: the
// strategies that redeem a credential for a token response.
//
// Handlers are registered by name in a Registry. The token endpoint resolves
// the handler, authenticates the client and checks that the client registered
// the grant type before calling Handle, so handlers only deal with the grant
// itself.
package granttype

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/jose"
	"github.com/giantswarm/oauth2-server/pkce"
	"github.com/giantswarm/oauth2-server/protocol"
	"github.com/giantswarm/oauth2-server/scope"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/token"
)

// descriptionInvalidGrant is returned for every rejected code or refresh
// token, so responses do not reveal why a grant failed.
const descriptionInvalidGrant = "The provided authorization grant is invalid, expired, revoked, or was issued to another client."

// Handler redeems one grant type.
type Handler interface {
	// Name returns the grant_type value.
	Name() string

	// Handle redeems the grant for an authenticated client that registered
	// this grant type.
	Handle(ctx context.Context, req *protocol.Request, client *storage.Client) (*protocol.TokenResponse, error)
}

// Dependencies are the collaborators shared by the handlers.
type Dependencies struct {
	Tokens        *token.Service
	Codes         storage.AuthorizationCodeStore
	AccessTokens  storage.AccessTokenStore
	RefreshTokens storage.RefreshTokenStore

	// Revocation, when set, is used to revoke every token of a user and
	// client when a code or refresh token is replayed.
	Revocation storage.TokenRevocationStore

	// Users authenticates resource owners for the password grant.
	Users storage.UserAuthenticator

	PKCE   *pkce.Registry
	Scopes *scope.Policy
	JOSE   jose.Service

	// RotateRefreshTokens revokes a redeemed refresh token and its access
	// token and issues a new pair.
	RotateRefreshTokens bool

	Auditor *security.Auditor
	Metrics *instrumentation.Metrics
	Logger  *slog.Logger
}

func (d *Dependencies) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// ownedBy compares a record's client with the authenticated client in
// constant time.
func (d *Dependencies) ownedBy(ownerClientID string, client *storage.Client) bool {
	return d.JOSE.ConstantTimeEqual(ownerClientID, client.ClientID)
}

// revokeAll revokes the user's tokens for the client after a replay.
func (d *Dependencies) revokeAll(ctx context.Context, eventType, userID string, client *storage.Client, ip string) {
	revoked := 0
	if d.Revocation != nil && userID != "" {
		n, err := d.Revocation.RevokeAllTokensForUserClient(ctx, userID, client.ClientID)
		if err != nil {
			d.logger().Error("Failed to revoke tokens after replay detection",
				"client_id", client.ClientID,
				"error", err)
		}
		revoked = n
	}
	d.Auditor.LogReuseDetected(eventType, userID, client.ClientID, ip, revoked)
}

// Registry maps grant_type values to handlers. It is read-only after
// construction.
type Registry struct {
	handlers map[string]Handler
	names    []string
}

// NewRegistry registers the given handlers. Later handlers with a name
// already registered are ignored.
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		if _, dup := r.handlers[h.Name()]; dup {
			continue
		}
		r.handlers[h.Name()] = h
		r.names = append(r.names, h.Name())
	}
	return r
}

// DefaultRegistry registers authorization_code, refresh_token and
// client_credentials, plus password when deps.Users is set.
func DefaultRegistry(deps Dependencies) *Registry {
	handlers := []Handler{
		NewAuthorizationCode(deps),
		NewRefreshToken(deps),
		NewClientCredentials(deps),
	}
	if deps.Users != nil {
		handlers = append(handlers, NewPassword(deps))
	}
	return NewRegistry(handlers...)
}

// Get returns the handler for grantType.
func (r *Registry) Get(grantType string) (Handler, bool) {
	h, ok := r.handlers[grantType]
	return h, ok
}

// Names lists the registered grant types in registration order.
func (r *Registry) Names() []string {
	return slices.Clone(r.names)
}

// requestedScopes validates the scope parameter of a grant that starts a new
// authorization (client_credentials, password) and returns the granted set.
func (d *Dependencies) requestedScopes(req *protocol.Request, client *storage.Client) ([]string, error) {
	requested := req.Get(protocol.ParamScope)
	if err := d.Scopes.CheckRequestedScope(requested); err != nil {
		return nil, err
	}
	return d.Scopes.AllowedScopes(client, requested), nil
}

// tokenResponse builds the token endpoint response for an issued access token.
func (d *Dependencies) tokenResponse(accessToken *storage.AccessToken, refreshToken *storage.RefreshToken) *protocol.TokenResponse {
	resp := &protocol.TokenResponse{
		AccessToken: accessToken.Token,
		TokenType:   protocol.TokenTypeBearer,
		ExpiresIn:   int64(d.Tokens.AccessTokenTTL().Seconds()),
		Scope:       strings.Join(accessToken.Scopes, " "),
	}
	if refreshToken != nil {
		resp.RefreshToken = refreshToken.Token
	}
	return resp
}

// storageError wraps a collaborator failure unless it is a protocol error.
func storageError(op string, err error) error {
	var oauthErr *protocol.Error
	if errors.As(err, &oauthErr) {
		return err
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
