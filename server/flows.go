package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/protocol"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

// Authorization outcomes recorded in metrics.
const (
	outcomeSuccess         = "success"
	outcomeLoginRequired   = "login_required"
	outcomeConsentRequired = "consent_required"
	outcomeDenied          = "denied"
	outcomeError           = "error"

	// metricLabelInvalid labels requests whose response_type or grant_type
	// could not be resolved, keeping metric cardinality bounded.
	metricLabelInvalid = "invalid"
)

// Authorize answers an authorization request. session is the end-user
// authentication established by the host, or nil when nobody is logged in.
//
// The response is one of: a redirect to the client carrying the
// authorization response or an error, a redirect to the host's login or
// consent page carrying redirect_to, a redirect to the error page, or a JSON
// error when the request cannot be tied to a valid redirect_uri.
func (s *Server) Authorize(ctx context.Context, req *protocol.Request, session *storage.Session) *protocol.Response {
	ctx, span := s.tracer.Start(ctx, "oauth.server.authorize")
	defer span.End()

	ar, err := s.ValidateAuthorizationRequest(ctx, req)
	if err != nil {
		return s.authorizationError(ctx, span, metricLabelInvalid, err)
	}

	authCtx := ar.Context
	rtName := ar.ResponseType.Name
	client := authCtx.Client
	instrumentation.AddAuthorizationAttributes(span, rtName, ar.ResponseMode.Name())
	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, "", authCtx.Scope())

	if reason, required := s.loginRequired(authCtx, session); required {
		if authCtx.HasPrompt(protocol.PromptNone) {
			return s.authorizationError(ctx, span, rtName, s.redirectError(ar,
				protocol.ErrAccessDenied("The end-user is not logged in and prompt=none forbids asking.")))
		}
		s.recordAuthorization(ctx, rtName, outcomeLoginRequired)
		instrumentation.SetSpanSuccess(span)
		return s.loginRedirect(req, authCtx, reason)
	}

	consented, err := s.hasConsent(ctx, authCtx, session)
	if err != nil {
		return s.authorizationError(ctx, span, rtName, s.redirectError(ar, protocol.AsError(err)))
	}
	if !consented {
		switch {
		case authCtx.HasPrompt(protocol.PromptNone):
			return s.authorizationError(ctx, span, rtName, s.redirectError(ar,
				protocol.ErrAccessDenied("The end-user has not consented and prompt=none forbids asking.")))
		case s.Config.ConsentURL != "":
			s.recordAuthorization(ctx, rtName, outcomeConsentRequired)
			instrumentation.SetSpanSuccess(span)
			return s.consentRedirect(req, authCtx)
		default:
			return s.authorizationError(ctx, span, rtName, s.redirectError(ar,
				protocol.ErrAccessDenied("The end-user has not consented to the requested scopes.")))
		}
	}

	params, err := s.responseTypes.Issue(ctx, ar.ResponseType, authCtx, session)
	if err != nil {
		return s.authorizationError(ctx, span, rtName, s.redirectError(ar, protocol.AsError(err)))
	}
	if authCtx.State != "" {
		params.Set(protocol.ParamState, authCtx.State)
	}

	resp, err := ar.ResponseMode.Serialize(ctx, client, authCtx.RedirectURI, params)
	if err != nil {
		// Nothing was delivered; the issued credentials expire unused.
		return s.authorizationError(ctx, span, rtName, err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationGranted,
		UserID:    session.Subject,
		ClientID:  client.ClientID,
		IPAddress: req.ClientIP,
		Details: map[string]any{
			"response_type": rtName,
			"response_mode": ar.ResponseMode.Name(),
			"scope":         authCtx.Scope(),
		},
	})
	s.recordAuthorization(ctx, rtName, outcomeSuccess)
	instrumentation.SetSpanSuccess(span)
	return resp
}

// Deny answers an authorization request the end-user refused, typically on
// the consent page. A valid request is answered with access_denied at the
// client's redirect_uri.
func (s *Server) Deny(ctx context.Context, req *protocol.Request) *protocol.Response {
	ctx, span := s.tracer.Start(ctx, "oauth.server.deny")
	defer span.End()

	ar, err := s.ValidateAuthorizationRequest(ctx, req)
	if err != nil {
		return s.authorizationError(ctx, span, metricLabelInvalid, err)
	}
	s.recordAuthorization(ctx, ar.ResponseType.Name, outcomeDenied)
	return s.deliverRedirectError(ctx, s.redirectError(ar,
		protocol.ErrAccessDenied("The end-user denied the authorization request.")))
}

// redirectError builds an error delivered through the request's response mode.
func (s *Server) redirectError(ar *AuthorizationRequest, err *protocol.Error) *RedirectError {
	return &RedirectError{
		Err:         err.WithState(ar.Context.State),
		Client:      ar.Context.Client,
		RedirectURI: ar.Context.RedirectURI,
		Mode:        ar.ResponseMode,
	}
}

// authorizationError routes an authorization failure. Redirect errors go to
// the client, everything else to the error page or a JSON body.
func (s *Server) authorizationError(ctx context.Context, span trace.Span, responseType string, err error) *protocol.Response {
	var redirectErr *RedirectError
	isRedirect := errors.As(err, &redirectErr)

	var oauthErr *protocol.Error
	if isRedirect {
		oauthErr = s.boundaryError(redirectErr.Err, "authorization")
	} else {
		oauthErr = s.boundaryError(err, "authorization")
	}

	instrumentation.AddOAuthErrorAttributes(span, string(oauthErr.Kind), oauthErr.Description)
	instrumentation.RecordError(span, err)

	outcome := outcomeError
	if oauthErr.Kind == protocol.KindAccessDenied {
		outcome = outcomeDenied
	}
	s.recordAuthorization(ctx, responseType, outcome)

	if isRedirect {
		return s.deliverRedirectError(ctx, redirectErr)
	}
	return s.fatalAuthorizationError(oauthErr)
}

// deliverRedirectError serializes an error through the response mode,
// falling back to the error page when the mode cannot produce a response.
func (s *Server) deliverRedirectError(ctx context.Context, e *RedirectError) *protocol.Response {
	resp, err := e.Mode.Serialize(ctx, e.Client, e.RedirectURI, e.Err.Parameters())
	if err != nil {
		s.Logger.Error("Failed to serialize authorization error",
			"client_id", e.Client.ClientID,
			"response_mode", e.Mode.Name(),
			"error", err)
		return s.fatalAuthorizationError(protocol.AsError(err))
	}
	return resp
}

// fatalAuthorizationError answers errors that must not reach the
// redirect_uri: with a redirect to ErrorURL, or JSON when none is set.
func (s *Server) fatalAuthorizationError(err *protocol.Error) *protocol.Response {
	if s.Config.ErrorURL == "" {
		return err.Response()
	}
	params := err.Parameters()
	// The state belongs to the client, not to the error page.
	params.Del(protocol.ParamState)
	return protocol.Redirect(withQuery(s.Config.ErrorURL, params))
}

// loginRequired reports whether the end-user must (re-)authenticate, and
// which parameter asked for it.
func (s *Server) loginRequired(authCtx *protocol.AuthorizationContext, session *storage.Session) (string, bool) {
	if session == nil || session.Subject == "" {
		return "", true
	}
	if authCtx.HasPrompt(protocol.PromptLogin) {
		return protocol.ParamPrompt, true
	}
	if authCtx.MaxAge != nil && s.Now().After(session.AuthTime.Add(*authCtx.MaxAge)) {
		return protocol.ParamMaxAge, true
	}
	return "", false
}

// hasConsent reports whether the subject already granted every requested
// scope to the client. With prompt=consent and a consent page configured the
// grant must also be younger than PromptConsentMaxAge, so the end-user is
// asked again. The redirect_to target keeps prompt=consent; the fresh
// consent recorded by the host satisfies it on return.
func (s *Server) hasConsent(ctx context.Context, authCtx *protocol.AuthorizationContext, session *storage.Session) (bool, error) {
	if s.stores.Consents == nil {
		return false, nil
	}
	consent, err := s.stores.Consents.GetConsent(ctx, authCtx.Client.ClientID, session.Subject)
	if err != nil {
		if errors.Is(err, storage.ErrConsentNotFound) {
			return false, nil
		}
		return false, err
	}
	if !consent.Covers(authCtx.Scopes) {
		return false, nil
	}
	if authCtx.HasPrompt(protocol.PromptConsent) && s.Config.ConsentURL != "" {
		return !s.Now().After(consent.GrantedAt.Add(s.Config.promptConsentMaxAge())), nil
	}
	return true, nil
}

// loginRedirect sends the end-user to the host's login page. The
// redirect_to target repeats the request without the parameter that forced
// the login, so the fresh session is not sent back to login again.
func (s *Server) loginRedirect(req *protocol.Request, authCtx *protocol.AuthorizationContext, reason string) *protocol.Response {
	target := cloneValues(req.Form)
	switch reason {
	case protocol.ParamPrompt:
		prompts := make([]string, 0, len(authCtx.Prompts))
		for _, p := range authCtx.Prompts {
			if p != protocol.PromptLogin {
				prompts = append(prompts, p)
			}
		}
		if len(prompts) == 0 {
			target.Del(protocol.ParamPrompt)
		} else {
			target.Set(protocol.ParamPrompt, strings.Join(prompts, " "))
		}
	case protocol.ParamMaxAge:
		target.Del(protocol.ParamMaxAge)
	}

	params := url.Values{}
	params.Set(protocol.ParamRedirectTo, withQuery(s.Config.AuthorizationEndpoint, target))
	if authCtx.HasPrompt(protocol.PromptCreate) {
		params.Set(protocol.ParamPrompt, protocol.PromptCreate)
	}
	if authCtx.LoginHint != "" {
		params.Set(protocol.ParamLoginHint, authCtx.LoginHint)
	}
	if len(authCtx.UILocales) > 0 {
		params.Set(protocol.ParamUILocales, strings.Join(authCtx.UILocales, " "))
	}
	return protocol.Redirect(withQuery(s.Config.LoginURL, params))
}

// consentRedirect sends the end-user to the host's consent page.
func (s *Server) consentRedirect(req *protocol.Request, authCtx *protocol.AuthorizationContext) *protocol.Response {
	params := url.Values{}
	params.Set(protocol.ParamRedirectTo, withQuery(s.Config.AuthorizationEndpoint, req.Form))
	params.Set(protocol.ParamClientID, authCtx.Client.ClientID)
	params.Set(protocol.ParamScope, authCtx.Scope())
	return protocol.Redirect(withQuery(s.Config.ConsentURL, params))
}

func (s *Server) recordAuthorization(ctx context.Context, responseType, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordAuthorizationRequest(ctx, responseType, outcome)
	}
}

// Token answers a token endpoint request: it resolves the grant type,
// authenticates the client and redeems the grant.
func (s *Server) Token(ctx context.Context, req *protocol.Request) *protocol.Response {
	ctx, span := s.tracer.Start(ctx, "oauth.server.token")
	defer span.End()
	instrumentation.AddSecurityAttributes(span, s.loggableIP(req.ClientIP))

	grantType := req.Get(protocol.ParamGrantType)
	resp, client, err := s.token(ctx, req, grantType)
	if err != nil {
		oauthErr := s.boundaryError(err, "token")
		if oauthErr.Kind == protocol.KindInvalidClient && hasBasicAuth(req) {
			// RFC 6749 Section 5.2
			oauthErr = oauthErr.WithHeader("WWW-Authenticate", `Basic realm="token"`)
		}
		instrumentation.AddOAuthErrorAttributes(span, string(oauthErr.Kind), oauthErr.Description)
		instrumentation.RecordError(span, err)
		if s.metrics != nil {
			s.metrics.RecordTokenError(ctx, s.grantTypeLabel(grantType), string(oauthErr.Kind))
		}
		return oauthErr.Response()
	}

	out, err := protocol.JSONResponse(http.StatusOK, resp)
	if err != nil {
		return s.boundaryError(err, "token").Response()
	}
	if s.metrics != nil {
		s.metrics.RecordTokenIssued(ctx, grantType, client.ClientID)
	}
	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, "", resp.Scope)
	instrumentation.SetSpanSuccess(span)
	return out
}

func (s *Server) token(ctx context.Context, req *protocol.Request, grantType string) (*protocol.TokenResponse, *storage.Client, error) {
	if err := s.allowRequest(ctx, req.ClientIP, "token"); err != nil {
		return nil, nil, err
	}
	if grantType == "" {
		return nil, nil, protocol.ErrInvalidRequest("The grant_type parameter is required.")
	}
	handler, ok := s.grantTypes.Get(grantType)
	if !ok {
		return nil, nil, protocol.Newf(protocol.KindUnsupportedGrantType, "The grant_type %q is not supported.", grantType)
	}

	client, err := s.authenticateClient(ctx, req, "token")
	if err != nil {
		return nil, nil, err
	}
	if !client.HasGrantType(grantType) {
		return nil, nil, protocol.Newf(protocol.KindUnauthorizedClient, "The client is not allowed to use the grant_type %q.", grantType)
	}

	resp, err := handler.Handle(ctx, req, client)
	if err != nil {
		return nil, nil, err
	}
	return resp, client, nil
}

// authenticateClient runs client authentication for a token-side endpoint,
// recording failures.
func (s *Server) authenticateClient(ctx context.Context, req *protocol.Request, endpoint string) (*storage.Client, error) {
	client, err := s.clientAuth.Authenticate(ctx, req)
	if err == nil {
		return client, nil
	}
	if protocol.IsKind(err, protocol.KindInvalidClient) {
		s.Auditor.LogClientAuthFailure(req.Get(protocol.ParamClientID), s.loggableIP(req.ClientIP), protocol.AsError(err).Description)
		if s.metrics != nil {
			s.metrics.RecordClientAuthFailed(ctx, endpoint)
		}
	}
	return nil, err
}

// grantTypeLabel bounds the grant_type metric label to registered names.
func (s *Server) grantTypeLabel(grantType string) string {
	if _, ok := s.grantTypes.Get(grantType); ok {
		return grantType
	}
	return metricLabelInvalid
}

// loggableIP returns ip unless client IP logging is disabled.
func (s *Server) loggableIP(ip string) string {
	if s.Instrumentation != nil && !s.Instrumentation.ShouldLogClientIPs() {
		return ""
	}
	return ip
}

func hasBasicAuth(req *protocol.Request) bool {
	scheme, _, ok := strings.Cut(req.Header.Get("Authorization"), " ")
	return ok && strings.EqualFold(scheme, "Basic")
}

// withQuery appends params to base, keeping any query base already has.
func withQuery(base string, params url.Values) string {
	u, err := url.Parse(base)
	if err != nil {
		return base + "?" + params.Encode()
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
