// Package responsemode delivers authorization responses to the client's
// redirect URI (OAuth 2.0 Multiple Response Type Encoding Practices,
// Form Post Response Mode, and JWT Secured Authorization Response Mode).
//
// Each mode is a row in a table of {name, placement, signed}: the JWT
// variants place a single "response" parameter holding a signed, and
// optionally encrypted, JWT instead of the plain parameters.
package responsemode

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/giantswarm/oauth2-server/jose"
	"github.com/giantswarm/oauth2-server/protocol"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

// Placement says where in the redirect the parameters go.
type Placement int

// Placements.
const (
	PlacementQuery Placement = iota
	PlacementFragment
	PlacementFormPost
)

// Mode is one response mode.
type Mode struct {
	name      string
	placement Placement
	signed    bool
	registry  *Registry
}

// Name returns the response_mode value.
func (m *Mode) Name() string { return m.name }

// Placement returns where the parameters are delivered.
func (m *Mode) Placement() Placement { return m.placement }

// Signed reports whether this is a JARM mode.
func (m *Mode) Signed() bool { return m.signed }

// Options configures a Registry.
type Options struct {
	// JOSE signs and encrypts JARM responses. Without it only the plain
	// modes are registered.
	JOSE jose.Service

	// Issuer is the iss claim of JARM responses.
	Issuer string

	// JWTTTL bounds the lifetime of JARM responses.
	JWTTTL time.Duration

	Clock func() time.Time
}

// Registry resolves response_mode values. It is read-only after construction.
type Registry struct {
	modes map[string]*Mode
	names []string
	opts  Options
}

// NewRegistry creates a registry with query, fragment and form_post, plus
// their JWT variants when opts.JOSE is set.
func NewRegistry(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.JWTTTL <= 0 {
		opts.JWTTTL = 10 * time.Minute
	}

	r := &Registry{modes: make(map[string]*Mode), opts: opts}

	definitions := []Mode{
		{name: protocol.ResponseModeQuery, placement: PlacementQuery},
		{name: protocol.ResponseModeFragment, placement: PlacementFragment},
		{name: protocol.ResponseModeFormPost, placement: PlacementFormPost},
	}
	if opts.JOSE != nil {
		definitions = append(definitions,
			Mode{name: protocol.ResponseModeQueryJWT, placement: PlacementQuery, signed: true},
			Mode{name: protocol.ResponseModeFragmentJWT, placement: PlacementFragment, signed: true},
			Mode{name: protocol.ResponseModeFormPostJWT, placement: PlacementFormPost, signed: true},
		)
	}

	for _, def := range definitions {
		mode := def
		mode.registry = r
		r.modes[mode.name] = &mode
		r.names = append(r.names, mode.name)
	}
	return r
}

// Names lists the registered modes, including the "jwt" shorthand when
// JARM is enabled.
func (r *Registry) Names() []string {
	names := slices.Clone(r.names)
	if r.opts.JOSE != nil {
		names = append(names, protocol.ResponseModeJWT)
	}
	return names
}

// Get returns a registered mode without client checks.
func (r *Registry) Get(name string) (*Mode, bool) {
	m, ok := r.modes[name]
	return m, ok
}

// Resolve maps a requested response_mode to a mode usable for client.
// It is Lookup followed by CheckClient.
func (r *Registry) Resolve(name string, client *storage.Client, responseType string) (*Mode, error) {
	mode, err := r.Lookup(name, responseType)
	if err != nil {
		return nil, err
	}
	if err := mode.CheckClient(client); err != nil {
		return nil, err
	}
	return mode, nil
}

// Lookup maps a requested response_mode to a registered mode. The "jwt"
// shorthand means query.jwt for the code response type and fragment.jwt
// otherwise.
func (r *Registry) Lookup(name, responseType string) (*Mode, error) {
	if name == protocol.ResponseModeJWT && r.opts.JOSE != nil {
		name = protocol.ResponseModeFragmentJWT
		if responseType == protocol.ResponseTypeCode {
			name = protocol.ResponseModeQueryJWT
		}
	}

	mode, ok := r.modes[name]
	if !ok {
		return nil, protocol.Newf(protocol.KindInvalidRequest, "The response_mode %q is not supported.", name)
	}
	return mode, nil
}

// CheckClient reports whether client can receive responses in this mode.
// JWT modes require a registered authorization response signing algorithm.
func (m *Mode) CheckClient(client *storage.Client) error {
	if m.signed && (client == nil || client.AuthorizationSignedResponseAlg == "") {
		return protocol.Newf(protocol.KindInvalidRequest,
			"The response_mode %q requires the client to register an authorization_signed_response_alg.", m.name)
	}
	return nil
}

// Serialize delivers params to redirectURI.
func (m *Mode) Serialize(ctx context.Context, client *storage.Client, redirectURI string, params url.Values) (*protocol.Response, error) {
	if m.signed {
		response, err := m.registry.sign(ctx, client, params)
		if err != nil {
			return nil, err
		}
		params = url.Values{protocol.ParamResponse: {response}}
	}

	switch m.placement {
	case PlacementQuery:
		return queryRedirect(redirectURI, params)
	case PlacementFragment:
		return fragmentRedirect(redirectURI, params)
	case PlacementFormPost:
		return formPost(redirectURI, params)
	default:
		return nil, fmt.Errorf("unknown placement %d", m.placement)
	}
}

// sign wraps params into a JARM response JWT.
func (r *Registry) sign(ctx context.Context, client *storage.Client, params url.Values) (string, error) {
	now := r.opts.Clock()
	claims := jwt.MapClaims{
		"iss": r.opts.Issuer,
		"aud": client.ClientID,
		"exp": now.Add(r.opts.JWTTTL).Unix(),
		"iat": now.Unix(),
		"jti": uuid.NewString(),
	}
	for k := range params {
		claims[k] = params.Get(k)
	}

	token, err := r.opts.JOSE.Sign(ctx, client.AuthorizationSignedResponseAlg, claims)
	if err != nil {
		return "", fmt.Errorf("failed to sign authorization response: %w", err)
	}
	if client.AuthorizationEncryptedResponseAlg == "" {
		return token, nil
	}

	encrypted, err := r.opts.JOSE.Encrypt(ctx, client, []byte(token))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt authorization response: %w", err)
	}
	return encrypted, nil
}

func queryRedirect(redirectURI string, params url.Values) (*protocol.Response, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect_uri: %w", err)
	}
	q := u.Query()
	for k, v := range params {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return protocol.Redirect(u.String()), nil
}

func fragmentRedirect(redirectURI string, params url.Values) (*protocol.Response, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect_uri: %w", err)
	}
	u.Fragment = ""
	u.RawFragment = ""
	return protocol.Redirect(u.String() + "#" + params.Encode()), nil
}

var formPostTmpl = template.Must(template.New("form_post").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Submit This Form</title>
</head>
<body>
<form method="post" action="{{.Action}}">
{{- range .Fields}}
<input type="hidden" name="{{.Name}}" value="{{.Value}}">
{{- end}}
<noscript><button type="submit">Continue</button></noscript>
</form>
<script nonce="{{.Nonce}}">document.forms[0].submit();</script>
</body>
</html>
`))

type formField struct {
	Name  string
	Value string
}

type formPostData struct {
	// template.URL keeps custom redirect URI schemes (RFC 8252) intact;
	// the redirect URI was matched against the client's registration.
	Action template.URL
	Fields []formField
	Nonce  string
}

func formPost(redirectURI string, params url.Values) (*protocol.Response, error) {
	nonce, err := scriptNonce()
	if err != nil {
		return nil, err
	}

	data := formPostData{
		Action: template.URL(redirectURI), //nolint:gosec // registered redirect URI
		Nonce:  nonce,
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range params[k] {
			data.Fields = append(data.Fields, formField{Name: k, Value: v})
		}
	}

	var buf bytes.Buffer
	if err := formPostTmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render form_post response: %w", err)
	}

	resp := protocol.NewResponse(http.StatusOK)
	resp.Header.Set("Content-Type", "text/html;charset=UTF-8")
	security.SetFormPostSecurityHeaders(resp.Header, nonce, redirectURI)
	resp.Body = buf.Bytes()
	return resp, nil
}

func scriptNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate script nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
