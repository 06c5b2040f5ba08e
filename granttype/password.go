package granttype

import (
	"context"
	"errors"

	"github.com/giantswarm/oauth2-server/protocol"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

// Password redeems resource owner credentials (RFC 6749 Section 4.3).
// It is only registered when a UserAuthenticator is configured.
type Password struct {
	deps Dependencies
}

// NewPassword creates the password handler.
func NewPassword(deps Dependencies) *Password {
	return &Password{deps: deps}
}

// Name implements Handler.
func (h *Password) Name() string { return protocol.GrantTypePassword }

// Handle implements Handler.
func (h *Password) Handle(ctx context.Context, req *protocol.Request, client *storage.Client) (*protocol.TokenResponse, error) {
	d := &h.deps
	if d.Users == nil {
		return nil, protocol.ErrUnsupportedGrantType("The password grant is not enabled.")
	}

	username := req.Get(protocol.ParamUsername)
	password := req.Get(protocol.ParamPassword)
	if username == "" || password == "" {
		return nil, protocol.ErrInvalidRequest("The username and password parameters are required.")
	}

	scopes, err := d.requestedScopes(req, client)
	if err != nil {
		return nil, err
	}

	subject, err := d.Users.AuthenticateUser(ctx, username, password)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCredentials) {
			d.Auditor.LogAuthFailure(security.EventUserAuthFailure, username, client.ClientID, req.ClientIP, "invalid_credentials")
			return nil, protocol.ErrInvalidGrant("The resource owner credentials are invalid.")
		}
		return nil, storageError("authenticate user", err)
	}

	at, rt, err := d.Tokens.IssueTokenPair(ctx, client.ClientID, subject, scopes, d.Tokens.Now())
	if err != nil {
		return nil, storageError("issue tokens", err)
	}

	resp := d.tokenResponse(at, rt)
	d.Auditor.LogTokenIssued(subject, client.ClientID, req.ClientIP, h.Name(), resp.Scope)
	return resp, nil
}
