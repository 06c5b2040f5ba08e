package server

import (
	"context"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/protocol"
	"github.com/giantswarm/oauth2-server/storage"
)

// tokenTypeRefresh is the introspection token_type of refresh tokens.
const tokenTypeRefresh = "refresh_token"

// lookedUpToken is an access or refresh token found by handle.
type lookedUpToken struct {
	grant *storage.Grant

	// hint is the token_type_hint value naming the token's kind.
	hint string

	access  *storage.AccessToken
	refresh *storage.RefreshToken
}

// Revoke answers a revocation request (RFC 7009). The client must
// authenticate. Unknown tokens and tokens of other clients are answered
// with an empty 200 so the response does not reveal whether a token exists.
func (s *Server) Revoke(ctx context.Context, req *protocol.Request) *protocol.Response {
	ctx, span := s.tracer.Start(ctx, "oauth.server.revoke")
	defer span.End()
	instrumentation.AddSecurityAttributes(span, s.loggableIP(req.ClientIP))

	if err := s.revoke(ctx, req); err != nil {
		oauthErr := s.boundaryError(err, "revocation")
		instrumentation.AddOAuthErrorAttributes(span, string(oauthErr.Kind), oauthErr.Description)
		instrumentation.RecordError(span, err)
		return oauthErr.Response()
	}
	instrumentation.SetSpanSuccess(span)

	resp := protocol.NewResponse(http.StatusOK)
	protocol.SetNoStore(resp.Header)
	return resp
}

func (s *Server) revoke(ctx context.Context, req *protocol.Request) error {
	if err := s.allowRequest(ctx, req.ClientIP, "revocation"); err != nil {
		return err
	}
	client, err := s.authenticateClient(ctx, req, "revocation")
	if err != nil {
		return err
	}

	handle := req.Get(protocol.ParamToken)
	if handle == "" {
		return protocol.ErrInvalidRequest("The token parameter is required.")
	}
	hint, err := tokenTypeHint(req)
	if err != nil {
		return err
	}

	found, err := s.lookupToken(ctx, handle, hint, revocationOrder)
	if err != nil {
		return err
	}
	if found == nil {
		s.Logger.Debug("Revocation of unknown token ignored", "client_id", client.ClientID)
		return nil
	}
	if !s.jose.ConstantTimeEqual(found.grant.ClientID, client.ClientID) {
		s.Logger.Warn("Client attempted to revoke a token issued to another client",
			"client_id", client.ClientID)
		return nil
	}

	switch found.hint {
	case protocol.TokenTypeHintRefreshToken:
		err = s.stores.RefreshTokens.RevokeRefreshToken(ctx, found.refresh.Token)
	default:
		err = s.stores.AccessTokens.RevokeAccessToken(ctx, found.access.Token)
	}
	if err := ignoreNotFound(err); err != nil {
		return err
	}

	s.Auditor.LogTokenRevoked(found.grant.UserID, client.ClientID, s.loggableIP(req.ClientIP), found.hint)
	if s.metrics != nil {
		s.metrics.RecordTokenRevocation(ctx, client.ClientID, found.hint)
	}
	return nil
}

// Introspect answers an introspection request (RFC 7662). The client must
// authenticate. Unknown, inactive and foreign tokens all yield
// {"active": false}.
func (s *Server) Introspect(ctx context.Context, req *protocol.Request) *protocol.Response {
	ctx, span := s.tracer.Start(ctx, "oauth.server.introspect")
	defer span.End()
	instrumentation.AddSecurityAttributes(span, s.loggableIP(req.ClientIP))

	result, err := s.introspect(ctx, req)
	if err != nil {
		oauthErr := s.boundaryError(err, "introspection")
		instrumentation.AddOAuthErrorAttributes(span, string(oauthErr.Kind), oauthErr.Description)
		instrumentation.RecordError(span, err)
		return oauthErr.Response()
	}

	resp, err := protocol.JSONResponse(http.StatusOK, result)
	if err != nil {
		return s.boundaryError(err, "introspection").Response()
	}
	if s.metrics != nil {
		s.metrics.RecordTokenIntrospection(ctx, result.Active)
	}
	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrTokenActive, result.Active))
	instrumentation.SetSpanSuccess(span)
	return resp
}

func (s *Server) introspect(ctx context.Context, req *protocol.Request) (*protocol.IntrospectionResponse, error) {
	if err := s.allowRequest(ctx, req.ClientIP, "introspection"); err != nil {
		return nil, err
	}
	client, err := s.authenticateClient(ctx, req, "introspection")
	if err != nil {
		return nil, err
	}

	handle := req.Get(protocol.ParamToken)
	if handle == "" {
		return nil, protocol.ErrInvalidRequest("The token parameter is required.")
	}
	hint, err := tokenTypeHint(req)
	if err != nil {
		return nil, err
	}

	inactive := &protocol.IntrospectionResponse{Active: false}

	found, err := s.lookupToken(ctx, handle, hint, introspectionOrder)
	if err != nil {
		return nil, err
	}
	if found == nil || !found.grant.ActiveAt(s.Now()) {
		return inactive, nil
	}
	if !s.jose.ConstantTimeEqual(found.grant.ClientID, client.ClientID) {
		return inactive, nil
	}

	tokenType := protocol.TokenTypeBearer
	if found.hint == protocol.TokenTypeHintRefreshToken {
		tokenType = tokenTypeRefresh
	}
	g := found.grant
	return &protocol.IntrospectionResponse{
		Active:    true,
		Scope:     g.Scope(),
		ClientID:  g.ClientID,
		TokenType: tokenType,
		ExpiresAt: g.ExpiresAt.Unix(),
		IssuedAt:  g.IssuedAt.Unix(),
		NotBefore: g.ValidAfter.Unix(),
		Subject:   g.UserID,
		Audience:  g.ClientID,
		Issuer:    s.Config.Issuer,
	}, nil
}

// Lookup orders when no token_type_hint is given.
var (
	revocationOrder    = []string{protocol.TokenTypeHintRefreshToken, protocol.TokenTypeHintAccessToken}
	introspectionOrder = []string{protocol.TokenTypeHintAccessToken, protocol.TokenTypeHintRefreshToken}
)

// tokenTypeHint validates the optional token_type_hint.
func tokenTypeHint(req *protocol.Request) (string, error) {
	hint := req.Get(protocol.ParamTokenTypeHint)
	switch hint {
	case "", protocol.TokenTypeHintAccessToken, protocol.TokenTypeHintRefreshToken:
		return hint, nil
	default:
		return "", protocol.Newf(protocol.KindUnsupportedTokenType, "The token_type_hint %q is not supported.", hint)
	}
}

// lookupToken finds a token by handle. A hint moves its kind to the front
// of order; the other kind is still tried (RFC 7009 Section 2.1). It
// returns nil when neither store knows the handle.
func (s *Server) lookupToken(ctx context.Context, handle, hint string, order []string) (*lookedUpToken, error) {
	if hint != "" && order[0] != hint {
		order = []string{order[1], order[0]}
	}
	for _, kind := range order {
		switch kind {
		case protocol.TokenTypeHintAccessToken:
			at, err := s.stores.AccessTokens.GetAccessToken(ctx, handle)
			if err == nil {
				return &lookedUpToken{grant: &at.Grant, hint: kind, access: at}, nil
			}
			if !errors.Is(err, storage.ErrTokenNotFound) {
				return nil, err
			}
		case protocol.TokenTypeHintRefreshToken:
			rt, err := s.stores.RefreshTokens.GetRefreshToken(ctx, handle)
			if err == nil {
				return &lookedUpToken{grant: &rt.Grant, hint: kind, refresh: rt}, nil
			}
			if !errors.Is(err, storage.ErrTokenNotFound) {
				return nil, err
			}
		}
	}
	return nil, nil
}

// ignoreNotFound treats a token that vanished between lookup and revocation
// as revoked.
func ignoreNotFound(err error) error {
	if errors.Is(err, storage.ErrTokenNotFound) {
		return nil
	}
	return err
}
