package protocol

// Request and response parameter names.
const (
	ParamClientID            = "client_id"
	ParamClientSecret        = "client_secret"
	ParamClientAssertion     = "client_assertion"
	ParamClientAssertionType = "client_assertion_type"
	ParamResponseType        = "response_type"
	ParamResponseMode        = "response_mode"
	ParamRedirectURI         = "redirect_uri"
	ParamScope               = "scope"
	ParamState               = "state"
	ParamNonce               = "nonce"
	ParamPrompt              = "prompt"
	ParamDisplay             = "display"
	ParamMaxAge              = "max_age"
	ParamLoginHint           = "login_hint"
	ParamIDTokenHint         = "id_token_hint"
	ParamUILocales           = "ui_locales"
	ParamACRValues           = "acr_values"
	ParamCodeChallenge       = "code_challenge"
	ParamCodeChallengeMethod = "code_challenge_method"
	ParamCodeVerifier        = "code_verifier"
	ParamGrantType           = "grant_type"
	ParamCode                = "code"
	ParamRefreshToken        = "refresh_token"
	ParamUsername            = "username"
	ParamPassword            = "password"
	ParamToken               = "token"
	ParamTokenTypeHint       = "token_type_hint"
	ParamAccessToken         = "access_token"
	ParamTokenType           = "token_type"
	ParamExpiresIn           = "expires_in"
	ParamIDToken             = "id_token"
	ParamResponse            = "response"
	ParamRedirectTo          = "redirect_to"
	ParamError               = "error"
	ParamErrorDescription    = "error_description"
	ParamErrorURI            = "error_uri"
)

// Response types (RFC 6749 Section 3.1.1, OAuth 2.0 Multiple Response Type Encoding Practices).
const (
	ResponseTypeCode             = "code"
	ResponseTypeToken            = "token"
	ResponseTypeIDToken          = "id_token"
	ResponseTypeIDTokenToken     = "id_token token"
	ResponseTypeCodeIDToken      = "code id_token"
	ResponseTypeCodeToken        = "code token"
	ResponseTypeCodeIDTokenToken = "code id_token token"
)

// Response modes.
const (
	ResponseModeQuery       = "query"
	ResponseModeFragment    = "fragment"
	ResponseModeFormPost    = "form_post"
	ResponseModeJWT         = "jwt"
	ResponseModeQueryJWT    = "query.jwt"
	ResponseModeFragmentJWT = "fragment.jwt"
	ResponseModeFormPostJWT = "form_post.jwt"
)

// Grant types.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypePassword          = "password"
)

// Client authentication methods (RFC 7591 Section 2, OIDC Core Section 9).
const (
	AuthMethodNone              = "none"
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodClientSecretJWT   = "client_secret_jwt"
	AuthMethodPrivateKeyJWT     = "private_key_jwt"
)

// Prompt values (OIDC Core Section 3.1.2.1, Initiating User Registration).
const (
	PromptConsent       = "consent"
	PromptCreate        = "create"
	PromptLogin         = "login"
	PromptNone          = "none"
	PromptSelectAccount = "select_account"
)

// Display values (OIDC Core Section 3.1.2.1).
const (
	DisplayPage  = "page"
	DisplayPopup = "popup"
	DisplayTouch = "touch"
	DisplayWAP   = "wap"
)

// Token type hints (RFC 7009 Section 2.1).
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token" //nolint:gosec // hint name, not a credential
)

// Scopes with protocol meaning.
const (
	ScopeOpenID        = "openid"
	ScopeOfflineAccess = "offline_access"
)

// TokenTypeBearer is the only access token type issued.
const TokenTypeBearer = "Bearer"

// ContentTypeJSON is the content type of every JSON response.
const ContentTypeJSON = "application/json;charset=UTF-8"
