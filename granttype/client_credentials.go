package granttype

import (
	"context"

	"github.com/giantswarm/oauth2-server/protocol"
	"github.com/giantswarm/oauth2-server/storage"
)

// ClientCredentials issues tokens to a client acting on its own behalf
// (RFC 6749 Section 4.4). No refresh token is issued.
type ClientCredentials struct {
	deps Dependencies
}

// NewClientCredentials creates the client_credentials handler.
func NewClientCredentials(deps Dependencies) *ClientCredentials {
	return &ClientCredentials{deps: deps}
}

// Name implements Handler.
func (h *ClientCredentials) Name() string { return protocol.GrantTypeClientCredentials }

// Handle implements Handler.
func (h *ClientCredentials) Handle(ctx context.Context, req *protocol.Request, client *storage.Client) (*protocol.TokenResponse, error) {
	d := &h.deps

	// RFC 6749 Section 4.4: confidential clients only
	if client.IsPublic() {
		return nil, protocol.ErrUnauthorizedClient("Public clients may not use the client_credentials grant.")
	}

	scopes, err := d.requestedScopes(req, client)
	if err != nil {
		return nil, err
	}

	at, err := d.Tokens.IssueAccessToken(ctx, client.ClientID, "", scopes)
	if err != nil {
		return nil, storageError("issue access token", err)
	}

	resp := d.tokenResponse(at, nil)
	d.Auditor.LogTokenIssued("", client.ClientID, req.ClientIP, h.Name(), resp.Scope)
	return resp, nil
}
