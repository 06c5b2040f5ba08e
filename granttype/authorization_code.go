package granttype

import (
	"context"
	"errors"
	"slices"

	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/pkce"
	"github.com/giantswarm/oauth2-server/protocol"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/token"
)

// AuthorizationCode redeems authorization codes (RFC 6749 Section 4.1.3).
type AuthorizationCode struct {
	deps Dependencies
}

// NewAuthorizationCode creates the authorization_code handler.
func NewAuthorizationCode(deps Dependencies) *AuthorizationCode {
	return &AuthorizationCode{deps: deps}
}

// Name implements Handler.
func (h *AuthorizationCode) Name() string { return protocol.GrantTypeAuthorizationCode }

// Handle implements Handler.
//
// The code is looked up and its owner checked before it is consumed, so a
// code presented by another client is not burned. Consumption is atomic: of
// concurrent redemptions exactly one succeeds, and every later one is treated
// as a replay that revokes the tokens already issued for the user and client.
func (h *AuthorizationCode) Handle(ctx context.Context, req *protocol.Request, client *storage.Client) (*protocol.TokenResponse, error) {
	d := &h.deps
	codeValue := req.Get(protocol.ParamCode)
	if codeValue == "" {
		return nil, protocol.ErrInvalidRequest("The code parameter is required.")
	}

	code, err := d.Codes.GetAuthorizationCode(ctx, codeValue)
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
			d.logger().Debug("Authorization code validation failed",
				"reason", "not_found",
				"client_id", client.ClientID,
				"code_prefix", util.SafeTruncate(codeValue, 8))
			return nil, protocol.ErrInvalidGrant(descriptionInvalidGrant)
		}
		return nil, storageError("get authorization code", err)
	}

	if !d.ownedBy(code.ClientID, client) {
		d.logger().Debug("Authorization code validation failed",
			"reason", "client_id_mismatch",
			"client_id", client.ClientID,
			"code_prefix", util.SafeTruncate(codeValue, 8))
		d.Auditor.LogAuthFailure(security.EventClientAuthFailure, "", client.ClientID, req.ClientIP, "authorization_code_client_mismatch")
		return nil, protocol.ErrInvalidGrant(descriptionInvalidGrant)
	}

	code, err = d.Codes.ConsumeAuthorizationCode(ctx, codeValue)
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeUsed) && code != nil {
			d.logger().Error("Authorization code reuse detected - revoking all tokens",
				"client_id", client.ClientID,
				"code_prefix", util.SafeTruncate(codeValue, 8))
			if d.Metrics != nil {
				d.Metrics.RecordCodeReuseDetected(ctx)
			}
			d.revokeAll(ctx, security.EventAuthorizationCodeReuseDetected, code.UserID, client, req.ClientIP)
			return nil, protocol.ErrInvalidGrant(descriptionInvalidGrant)
		}
		if errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
			return nil, protocol.ErrInvalidGrant(descriptionInvalidGrant)
		}
		return nil, storageError("consume authorization code", err)
	}

	if !code.ValidAt(d.Tokens.Now()) {
		d.logger().Debug("Authorization code validation failed",
			"reason", "expired",
			"client_id", client.ClientID,
			"code_prefix", util.SafeTruncate(codeValue, 8))
		return nil, protocol.ErrInvalidGrant(descriptionInvalidGrant)
	}

	// RFC 6749 Section 4.1.3: redirect_uri must be identical when it was
	// included in the authorization request.
	if code.RedirectURI != "" && req.Get(protocol.ParamRedirectURI) != code.RedirectURI {
		d.logger().Debug("Authorization code validation failed",
			"reason", "redirect_uri_mismatch",
			"client_id", client.ClientID)
		return nil, protocol.ErrInvalidGrant("The redirect_uri does not match the one used in the authorization request.")
	}

	if err := h.verifyPKCE(ctx, req, client, code); err != nil {
		return nil, err
	}

	at, rt, err := d.Tokens.IssueTokenPair(ctx, client.ClientID, code.UserID, code.Scopes, code.AuthTime)
	if err != nil {
		return nil, storageError("issue tokens", err)
	}
	resp := d.tokenResponse(at, rt)

	if slices.Contains(code.Scopes, protocol.ScopeOpenID) {
		idToken, err := d.Tokens.IssueIDToken(ctx, token.IDTokenRequest{
			Client:      client,
			Subject:     code.UserID,
			Nonce:       code.Nonce,
			AuthTime:    code.AuthTime,
			ACR:         code.ACR,
			AccessToken: at.Token,
		})
		if err != nil {
			return nil, err
		}
		resp.IDToken = idToken
	}

	d.Auditor.LogTokenIssued(code.UserID, client.ClientID, req.ClientIP, h.Name(), resp.Scope)
	return resp, nil
}

// verifyPKCE checks the code_verifier against the challenge stored with the
// code (RFC 7636 Section 4.6).
func (h *AuthorizationCode) verifyPKCE(ctx context.Context, req *protocol.Request, client *storage.Client, code *storage.AuthorizationCode) error {
	d := &h.deps
	verifier := req.Get(protocol.ParamCodeVerifier)

	if code.CodeChallenge == "" {
		if verifier != "" {
			return protocol.ErrInvalidGrant("A code_verifier was provided but the authorization request carried no code_challenge.")
		}
		return nil
	}

	fail := func(reason string) error {
		if d.Metrics != nil {
			d.Metrics.RecordPKCEValidationFailed(ctx, code.CodeChallengeMethod)
		}
		d.Auditor.LogAuthFailure(security.EventPKCEValidationFailed, code.UserID, client.ClientID, req.ClientIP, reason)
		return protocol.ErrInvalidGrant("The code_verifier does not match the code_challenge.")
	}

	if verifier == "" {
		return fail("missing_verifier")
	}
	if err := pkce.ValidateVerifier(verifier); err != nil {
		return fail("malformed_verifier")
	}

	method := code.CodeChallengeMethod
	if method == "" {
		method = pkce.DefaultMethod
	}
	v, ok := d.PKCE.Get(method)
	if !ok {
		return fail("unsupported_method")
	}
	if !v.Verify(code.CodeChallenge, verifier) {
		return fail("verifier_mismatch")
	}
	return nil
}
