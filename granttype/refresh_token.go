package granttype

import (
	"context"
	"errors"
	"slices"

	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/protocol"
	"github.com/giantswarm/oauth2-server/scope"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/token"
)

// RefreshToken redeems refresh tokens (RFC 6749 Section 6).
type RefreshToken struct {
	deps Dependencies
}

// NewRefreshToken creates the refresh_token handler.
func NewRefreshToken(deps Dependencies) *RefreshToken {
	return &RefreshToken{deps: deps}
}

// Name implements Handler.
func (h *RefreshToken) Name() string { return protocol.GrantTypeRefreshToken }

// Handle implements Handler.
//
// The requested scope may only narrow the original grant. With rotation
// enabled the redeemed refresh token is consumed atomically, its access token
// is revoked and a new pair is issued; presenting a rotated token again
// revokes every token of the user and client.
func (h *RefreshToken) Handle(ctx context.Context, req *protocol.Request, client *storage.Client) (*protocol.TokenResponse, error) {
	d := &h.deps
	value := req.Get(protocol.ParamRefreshToken)
	if value == "" {
		return nil, protocol.ErrInvalidRequest("The refresh_token parameter is required.")
	}

	rt, err := d.RefreshTokens.GetRefreshToken(ctx, value)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			d.logger().Debug("Refresh token validation failed",
				"reason", "not_found",
				"client_id", client.ClientID,
				"token_prefix", util.SafeTruncate(value, 8))
			return nil, protocol.ErrInvalidGrant(descriptionInvalidGrant)
		}
		return nil, storageError("get refresh token", err)
	}

	if !d.ownedBy(rt.ClientID, client) {
		d.logger().Debug("Refresh token validation failed",
			"reason", "client_id_mismatch",
			"client_id", client.ClientID,
			"token_prefix", util.SafeTruncate(value, 8))
		return nil, protocol.ErrInvalidGrant(descriptionInvalidGrant)
	}

	if rt.Revoked {
		if d.RotateRefreshTokens {
			h.reuseDetected(ctx, req, rt, client)
		}
		return nil, protocol.ErrInvalidGrant(descriptionInvalidGrant)
	}

	if !rt.ValidAt(d.Tokens.Now()) {
		return nil, protocol.ErrInvalidGrant(descriptionInvalidGrant)
	}

	scopes := rt.Scopes
	if requested := util.SplitList(req.Get(protocol.ParamScope)); len(requested) > 0 {
		if !scope.IsSubset(requested, rt.Scopes) {
			return nil, protocol.ErrInvalidScope("The requested scope exceeds the scope originally granted.")
		}
		scopes = util.Dedupe(requested)
	}

	var resp *protocol.TokenResponse
	if d.RotateRefreshTokens {
		// Only the redemption that flips the token to revoked may proceed.
		if _, err := d.RefreshTokens.ConsumeRefreshToken(ctx, rt.Token); err != nil {
			switch {
			case errors.Is(err, storage.ErrRefreshTokenUsed):
				h.reuseDetected(ctx, req, rt, client)
				return nil, protocol.ErrInvalidGrant(descriptionInvalidGrant)
			case errors.Is(err, storage.ErrTokenNotFound):
				return nil, protocol.ErrInvalidGrant(descriptionInvalidGrant)
			}
			return nil, storageError("consume refresh token", err)
		}
		if rt.AccessToken != "" {
			if err := d.AccessTokens.RevokeAccessToken(ctx, rt.AccessToken); err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
				d.logger().Warn("Failed to revoke access token of rotated refresh token",
					"client_id", client.ClientID,
					"error", err)
			}
		}

		at, newRT, err := d.Tokens.IssueTokenPair(ctx, client.ClientID, rt.UserID, scopes, rt.AuthTime)
		if err != nil {
			return nil, storageError("issue tokens", err)
		}
		resp = d.tokenResponse(at, newRT)
	} else {
		at, err := d.Tokens.IssueAccessToken(ctx, client.ClientID, rt.UserID, scopes)
		if err != nil {
			return nil, storageError("issue access token", err)
		}
		resp = d.tokenResponse(at, nil)
	}

	if rt.UserID != "" && slices.Contains(scopes, protocol.ScopeOpenID) {
		idToken, err := d.Tokens.IssueIDToken(ctx, token.IDTokenRequest{
			Client:      client,
			Subject:     rt.UserID,
			AuthTime:    rt.AuthTime,
			AccessToken: resp.AccessToken,
		})
		if err != nil {
			return nil, err
		}
		resp.IDToken = idToken
	}

	d.Auditor.LogTokenRefreshed(rt.UserID, client.ClientID, req.ClientIP, d.RotateRefreshTokens)
	return resp, nil
}

// reuseDetected handles a rotated refresh token presented again.
func (h *RefreshToken) reuseDetected(ctx context.Context, req *protocol.Request, rt *storage.RefreshToken, client *storage.Client) {
	d := &h.deps
	d.logger().Error("Refresh token reuse detected - revoking all tokens",
		"client_id", client.ClientID,
		"token_prefix", util.SafeTruncate(rt.Token, 8))
	if d.Metrics != nil {
		d.Metrics.RecordTokenReuseDetected(ctx)
	}
	d.revokeAll(ctx, security.EventRefreshTokenReuseDetected, rt.UserID, client, req.ClientIP)
}
