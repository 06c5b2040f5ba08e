// Package responsetype issues the artifacts of an authorization response.
//
// The seven response types of OAuth 2.0 and OpenID Connect differ only in
// which of code, access_token and id_token they return and in how the
// response is delivered by default, so they are rows of one table served by
// a single issuance function.
package responsetype

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strconv"

	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/protocol"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/token"
)

// ResponseType describes one response_type value.
type ResponseType struct {
	// Name is the normalized (sorted, space-joined) response_type.
	Name string

	IssuesCode    bool
	IssuesToken   bool
	IssuesIDToken bool

	// DefaultResponseMode is used when the request names none
	// (OAuth 2.0 Multiple Response Type Encoding Practices, Section 5).
	DefaultResponseMode string
}

// Standard lists the seven response types.
var Standard = []ResponseType{
	{Name: protocol.ResponseTypeCode, IssuesCode: true, DefaultResponseMode: protocol.ResponseModeQuery},
	{Name: protocol.ResponseTypeToken, IssuesToken: true, DefaultResponseMode: protocol.ResponseModeFragment},
	{Name: protocol.ResponseTypeIDToken, IssuesIDToken: true, DefaultResponseMode: protocol.ResponseModeFragment},
	{Name: protocol.ResponseTypeIDTokenToken, IssuesToken: true, IssuesIDToken: true, DefaultResponseMode: protocol.ResponseModeFragment},
	{Name: protocol.ResponseTypeCodeIDToken, IssuesCode: true, IssuesIDToken: true, DefaultResponseMode: protocol.ResponseModeFragment},
	{Name: protocol.ResponseTypeCodeToken, IssuesCode: true, IssuesToken: true, DefaultResponseMode: protocol.ResponseModeFragment},
	{Name: protocol.ResponseTypeCodeIDTokenToken, IssuesCode: true, IssuesToken: true, IssuesIDToken: true, DefaultResponseMode: protocol.ResponseModeFragment},
}

// Registry resolves response_type values. It is read-only after construction.
type Registry struct {
	types  map[string]*ResponseType
	names  []string
	tokens *token.Service
}

// NewRegistry registers the given response types, issuing through tokens.
// With no types the Standard set is registered.
func NewRegistry(tokens *token.Service, types ...ResponseType) *Registry {
	if len(types) == 0 {
		types = Standard
	}
	r := &Registry{types: make(map[string]*ResponseType, len(types)), tokens: tokens}
	for _, rt := range types {
		rt := rt
		rt.Name = util.NormalizeList(rt.Name)
		r.types[rt.Name] = &rt
		r.names = append(r.names, rt.Name)
	}
	return r
}

// Names lists the registered response types in registration order.
func (r *Registry) Names() []string {
	return slices.Clone(r.names)
}

// Get returns the response type for a requested value. The value is
// normalized first, so "token code" resolves to "code token".
func (r *Registry) Get(responseType string) (*ResponseType, bool) {
	rt, ok := r.types[util.NormalizeList(responseType)]
	return rt, ok
}

// Issue creates the artifacts of rt for a validated request and an
// authenticated session, returning the response parameters. The caller adds
// state and delivers the parameters through the response mode.
func (r *Registry) Issue(ctx context.Context, rt *ResponseType, authCtx *protocol.AuthorizationContext, session *storage.Session) (url.Values, error) {
	if rt.IssuesIDToken && !authCtx.HasScope(protocol.ScopeOpenID) {
		return nil, protocol.ErrInvalidScope(fmt.Sprintf("The response_type %q requires the openid scope.", rt.Name))
	}

	params := url.Values{}
	client := authCtx.Client

	var code, accessToken string
	if rt.IssuesCode {
		issued, err := r.tokens.IssueAuthorizationCode(ctx, token.CodeRequest{
			ClientID:            client.ClientID,
			UserID:              session.Subject,
			Scopes:              authCtx.Scopes,
			RedirectURI:         authCtx.RedirectURI,
			CodeChallenge:       authCtx.CodeChallenge,
			CodeChallengeMethod: authCtx.CodeChallengeMethod,
			Nonce:               authCtx.Nonce,
			AuthTime:            session.AuthTime,
			ACR:                 session.ACR,
		})
		if err != nil {
			return nil, err
		}
		code = issued.Code
		params.Set(protocol.ParamCode, code)
	}

	if rt.IssuesToken {
		issued, err := r.tokens.IssueAccessToken(ctx, client.ClientID, session.Subject, authCtx.Scopes)
		if err != nil {
			return nil, err
		}
		accessToken = issued.Token
		params.Set(protocol.ParamAccessToken, accessToken)
		params.Set(protocol.ParamTokenType, protocol.TokenTypeBearer)
		params.Set(protocol.ParamExpiresIn, strconv.FormatInt(int64(r.tokens.AccessTokenTTL().Seconds()), 10))
		params.Set(protocol.ParamScope, authCtx.Scope())
	}

	if rt.IssuesIDToken {
		idToken, err := r.tokens.IssueIDToken(ctx, token.IDTokenRequest{
			Client:      client,
			Subject:     session.Subject,
			Nonce:       authCtx.Nonce,
			AuthTime:    session.AuthTime,
			ACR:         session.ACR,
			AMR:         session.AMR,
			AccessToken: accessToken,
			Code:        code,
		})
		if err != nil {
			return nil, err
		}
		params.Set(protocol.ParamIDToken, idToken)
	}

	return params, nil
}
