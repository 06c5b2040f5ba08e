package protocol

import (
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/giantswarm/oauth2-server/storage"
)

// Request is an inbound protocol request, already decoded from its transport.
// For the authorization endpoint Form holds the query (GET) or body (POST)
// parameters; for the token-side endpoints it holds the form-encoded body.
type Request struct {
	Method   string
	Form     url.Values
	Header   http.Header
	ClientIP string
}

// NewRequest creates a request from decoded parameters and headers.
func NewRequest(method string, form url.Values, header http.Header) *Request {
	if form == nil {
		form = url.Values{}
	}
	if header == nil {
		header = http.Header{}
	}
	return &Request{Method: method, Form: form, Header: header}
}

// Get returns the first value of a parameter.
func (r *Request) Get(name string) string {
	return r.Form.Get(name)
}

// Has reports whether a parameter is present with a non-empty value.
func (r *Request) Has(name string) bool {
	return r.Form.Get(name) != ""
}

// AuthorizationContext is a fully validated authorization request. It is
// built once by the authorization request validator and handed unchanged to
// the response type and response mode.
type AuthorizationContext struct {
	ResponseType string
	Client       *storage.Client
	RedirectURI  string
	Scopes       []string
	State        string
	ResponseMode string
	Nonce        string
	Prompts      []string
	Display      string

	// MaxAge is nil when the request carried no max_age.
	MaxAge *time.Duration

	LoginHint   string
	IDTokenHint string
	UILocales   []string
	ACRValues   []string

	// Set only for code-bearing response types that carried a challenge.
	CodeChallenge       string
	CodeChallengeMethod string
}

// HasPrompt reports whether the request asked for the given prompt.
func (c *AuthorizationContext) HasPrompt(prompt string) bool {
	return slices.Contains(c.Prompts, prompt)
}

// HasScope reports whether scope was granted.
func (c *AuthorizationContext) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// Scope returns the granted scopes as a space-delimited string.
func (c *AuthorizationContext) Scope() string {
	return strings.Join(c.Scopes, " ")
}
