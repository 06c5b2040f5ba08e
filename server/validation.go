package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/pkce"
	"github.com/giantswarm/oauth2-server/protocol"
	"github.com/giantswarm/oauth2-server/responsemode"
	"github.com/giantswarm/oauth2-server/responsetype"
	"github.com/giantswarm/oauth2-server/storage"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// supportedPrompts is the prompt vocabulary (OIDC Core Section 3.1.2.1 and
// OIDC Initiating User Registration Section 4).
var supportedPrompts = []string{
	protocol.PromptConsent,
	protocol.PromptCreate,
	protocol.PromptLogin,
	protocol.PromptNone,
	protocol.PromptSelectAccount,
}

// exclusivePrompts are prompt pairs that contradict each other.
var exclusivePrompts = [][2]string{
	{protocol.PromptCreate, protocol.PromptLogin},
	{protocol.PromptCreate, protocol.PromptSelectAccount},
	{protocol.PromptLogin, protocol.PromptSelectAccount},
}

var maxAgePattern = regexp.MustCompile(`^(0|[1-9]\d*)$`)

// validationRule holds the response_type specific requirements applied
// after the shared pipeline.
type validationRule struct {
	// requiresPKCE rejects requests without a code_challenge.
	requiresPKCE bool

	// requiresNonce rejects requests without a nonce.
	requiresNonce bool

	// forbiddenModes are response modes that would put tokens into the
	// query string.
	forbiddenModes []string
}

var queryModes = []string{protocol.ResponseModeQuery, protocol.ResponseModeQueryJWT}

// validationRules is keyed by normalized response_type. Every type in
// responsetype.Standard has an entry.
var validationRules = map[string]validationRule{
	protocol.ResponseTypeCode:             {requiresPKCE: true},
	protocol.ResponseTypeToken:            {forbiddenModes: queryModes},
	protocol.ResponseTypeCodeToken:        {forbiddenModes: queryModes},
	protocol.ResponseTypeIDToken:          {requiresNonce: true, forbiddenModes: queryModes},
	protocol.ResponseTypeIDTokenToken:     {requiresNonce: true, forbiddenModes: queryModes},
	protocol.ResponseTypeCodeIDToken:      {requiresNonce: true, forbiddenModes: queryModes},
	protocol.ResponseTypeCodeIDTokenToken: {requiresNonce: true, forbiddenModes: queryModes},
}

// AuthorizationRequest is a validated authorization request together with
// the strategies that will answer it.
type AuthorizationRequest struct {
	Context      *protocol.AuthorizationContext
	ResponseType *responsetype.ResponseType
	ResponseMode *responsemode.Mode
}

// RedirectError is an authorization error raised after the redirect_uri was
// validated. It is delivered to the client through Mode rather than to the
// server's error page.
type RedirectError struct {
	Err         *protocol.Error
	Client      *storage.Client
	RedirectURI string
	Mode        *responsemode.Mode
}

func (e *RedirectError) Error() string { return e.Err.Error() }

func (e *RedirectError) Unwrap() error { return e.Err }

// ValidateAuthorizationRequest runs the authorization request pipeline.
//
// Errors about the client, the response_type or the redirect_uri are
// returned as *protocol.Error and must not be sent to the redirect_uri.
// Every later error is a *RedirectError.
func (s *Server) ValidateAuthorizationRequest(ctx context.Context, req *protocol.Request) (*AuthorizationRequest, error) {
	client, err := s.resolveClient(ctx, req)
	if err != nil {
		return nil, err
	}

	rt, err := s.resolveResponseType(req, client)
	if err != nil {
		return nil, err
	}

	redirectURI, err := resolveRedirectURI(req, client)
	if err != nil {
		return nil, err
	}

	state := req.Get(protocol.ParamState)

	// From here on errors go back to the client.
	mode, ok := s.responseModes.Get(rt.DefaultResponseMode)
	if !ok {
		return nil, protocol.Newf(protocol.KindServerError, "The default response_mode %q of response_type %q is not registered.", rt.DefaultResponseMode, rt.Name)
	}
	fail := func(err *protocol.Error) (*AuthorizationRequest, error) {
		return nil, &RedirectError{
			Err:         err.WithState(state),
			Client:      client,
			RedirectURI: redirectURI,
			Mode:        mode,
		}
	}

	authCtx := &protocol.AuthorizationContext{
		ResponseType: rt.Name,
		Client:       client,
		RedirectURI:  redirectURI,
		State:        state,
		Nonce:        req.Get(protocol.ParamNonce),
		LoginHint:    req.Get(protocol.ParamLoginHint),
		IDTokenHint:  req.Get(protocol.ParamIDTokenHint),
	}

	requestedScope := req.Get(protocol.ParamScope)
	if err := s.scopes.CheckRequestedScope(requestedScope); err != nil {
		return fail(protocol.AsError(err))
	}
	authCtx.Scopes = s.scopes.AllowedScopes(client, requestedScope)

	requestedMode := req.Get(protocol.ParamResponseMode)
	if requestedMode == "" {
		requestedMode = rt.DefaultResponseMode
	}
	resolved, err := s.responseModes.Lookup(requestedMode, rt.Name)
	if err != nil {
		return fail(protocol.AsError(err))
	}
	rule := validationRules[rt.Name]
	if slices.Contains(rule.forbiddenModes, resolved.Name()) {
		return fail(protocol.Newf(protocol.KindInvalidRequest,
			"The response_mode %q is not allowed for response_type %q.", resolved.Name(), rt.Name))
	}
	if err := resolved.CheckClient(client); err != nil {
		return fail(protocol.AsError(err))
	}
	mode = resolved
	authCtx.ResponseMode = resolved.Name()

	prompts, err := validatePrompts(req.Get(protocol.ParamPrompt))
	if err != nil {
		return fail(protocol.AsError(err))
	}
	authCtx.Prompts = prompts

	display := req.Get(protocol.ParamDisplay)
	if display == "" {
		display = protocol.DisplayPage
	}
	if !slices.Contains(s.Config.DisplayValuesSupported, display) {
		return fail(protocol.Newf(protocol.KindInvalidRequest, "The display value %q is not supported.", display))
	}
	authCtx.Display = display

	if raw := req.Get(protocol.ParamMaxAge); req.Form.Has(protocol.ParamMaxAge) {
		maxAge, err := parseMaxAge(raw)
		if err != nil {
			return fail(protocol.AsError(err))
		}
		authCtx.MaxAge = &maxAge
	}

	if authCtx.UILocales, err = checkAllowList(protocol.ParamUILocales, req.Get(protocol.ParamUILocales), s.Config.UILocalesSupported); err != nil {
		return fail(protocol.AsError(err))
	}
	if authCtx.ACRValues, err = checkAllowList(protocol.ParamACRValues, req.Get(protocol.ParamACRValues), s.Config.ACRValuesSupported); err != nil {
		return fail(protocol.AsError(err))
	}

	if rule.requiresNonce && authCtx.Nonce == "" {
		return fail(protocol.Newf(protocol.KindInvalidRequest, "The nonce parameter is required for response_type %q.", rt.Name))
	}

	if rt.IssuesCode {
		if err := s.resolvePKCE(ctx, req, rule, authCtx); err != nil {
			return fail(protocol.AsError(err))
		}
	}

	authCtx.Scopes = s.scopes.ApplyOfflineAccess(authCtx.Scopes, rt.Name, authCtx.Prompts)

	return &AuthorizationRequest{
		Context:      authCtx,
		ResponseType: rt,
		ResponseMode: mode,
	}, nil
}

func (s *Server) resolveClient(ctx context.Context, req *protocol.Request) (*storage.Client, error) {
	clientID := req.Get(protocol.ParamClientID)
	if clientID == "" {
		return nil, protocol.ErrInvalidRequest("The client_id parameter is required.")
	}
	client, err := s.stores.Clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, protocol.ErrInvalidClient("The client is not registered.")
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return client, nil
}

func (s *Server) resolveResponseType(req *protocol.Request, client *storage.Client) (*responsetype.ResponseType, error) {
	requested := util.NormalizeList(req.Get(protocol.ParamResponseType))
	if requested == "" {
		return nil, protocol.ErrInvalidRequest("The response_type parameter is required.")
	}
	rt, ok := s.responseTypes.Get(requested)
	if !ok {
		return nil, protocol.Newf(protocol.KindUnsupportedResponseType, "The response_type %q is not supported.", requested)
	}
	if !client.HasResponseType(rt.Name) {
		return nil, protocol.Newf(protocol.KindUnauthorizedClient, "The client is not allowed to use response_type %q.", rt.Name)
	}
	return rt, nil
}

// resolveRedirectURI requires an absolute redirect_uri without fragment
// that is registered byte for byte.
func resolveRedirectURI(req *protocol.Request, client *storage.Client) (string, error) {
	redirectURI := req.Get(protocol.ParamRedirectURI)
	if redirectURI == "" {
		return "", protocol.ErrInvalidRequest("The redirect_uri parameter is required.")
	}
	parsed, err := url.Parse(redirectURI)
	if err != nil || !parsed.IsAbs() || strings.Contains(redirectURI, "#") {
		return "", protocol.ErrInvalidRequest("The redirect_uri must be an absolute URI without a fragment.")
	}
	if !client.HasRedirectURI(redirectURI) {
		return "", protocol.ErrAccessDenied("The redirect_uri is not registered for this client.")
	}
	return redirectURI, nil
}

// validatePrompts checks the prompt list against the vocabulary: none must
// stand alone and contradicting pairs are rejected.
func validatePrompts(raw string) ([]string, error) {
	prompts := util.Dedupe(util.SplitList(raw))
	for _, p := range prompts {
		if !slices.Contains(supportedPrompts, p) {
			return nil, protocol.Newf(protocol.KindInvalidRequest, "The prompt value %q is not supported.", p)
		}
	}
	if slices.Contains(prompts, protocol.PromptNone) && len(prompts) > 1 {
		return nil, protocol.ErrInvalidRequest("The prompt value \"none\" must not be combined with other values.")
	}
	for _, pair := range exclusivePrompts {
		if slices.Contains(prompts, pair[0]) && slices.Contains(prompts, pair[1]) {
			return nil, protocol.Newf(protocol.KindInvalidRequest, "The prompt values %q and %q are mutually exclusive.", pair[0], pair[1])
		}
	}
	return prompts, nil
}

func parseMaxAge(raw string) (time.Duration, error) {
	if !maxAgePattern.MatchString(raw) {
		return 0, protocol.ErrInvalidRequest("The max_age parameter must be a non-negative integer.")
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seconds > int64(time.Duration(1<<63-1)/time.Second) {
		return 0, protocol.ErrInvalidRequest("The max_age parameter is out of range.")
	}
	return time.Duration(seconds) * time.Second, nil
}

// checkAllowList splits a space-delimited parameter and rejects values the
// server does not list. An empty allow-list rejects every value.
func checkAllowList(param, raw string, allowed []string) ([]string, error) {
	values := util.SplitList(raw)
	for _, v := range values {
		if !slices.Contains(allowed, v) {
			return nil, protocol.Newf(protocol.KindInvalidRequest, "The %s value %q is not supported.", param, v)
		}
	}
	return values, nil
}

// resolvePKCE validates code_challenge and code_challenge_method for
// code-bearing response types.
func (s *Server) resolvePKCE(ctx context.Context, req *protocol.Request, rule validationRule, authCtx *protocol.AuthorizationContext) error {
	challenge := req.Get(protocol.ParamCodeChallenge)
	method := req.Get(protocol.ParamCodeChallengeMethod)

	if challenge == "" {
		if rule.requiresPKCE {
			return protocol.ErrInvalidRequest("The code_challenge parameter is required.")
		}
		if method != "" {
			return protocol.ErrInvalidRequest("The code_challenge_method parameter requires a code_challenge.")
		}
		return nil
	}

	if method == "" {
		method = pkce.DefaultMethod
	}
	if _, ok := s.pkce.Get(method); !ok {
		if s.metrics != nil {
			s.metrics.RecordPKCEValidationFailed(ctx, method)
		}
		return protocol.Newf(protocol.KindInvalidRequest, "The code_challenge_method %q is not supported.", method)
	}
	if err := pkce.ValidateChallenge(challenge); err != nil {
		return protocol.ErrInvalidRequest("The code_challenge parameter is malformed.").WithCause(err)
	}

	authCtx.CodeChallenge = challenge
	authCtx.CodeChallengeMethod = method
	return nil
}
