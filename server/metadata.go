package server

import (
	"slices"
)

// subjectTypePublic is the only subject identifier type: every client sees
// the same sub for a user.
const subjectTypePublic = "public"

// Metadata is the authorization server metadata served by both discovery
// documents (RFC 8414, OIDC Discovery Section 3).
type Metadata struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`

	// RevocationEndpoint is the URL of the OAuth 2.0 token revocation endpoint (RFC 7009)
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`

	// IntrospectionEndpoint is the URL of the OAuth 2.0 token introspection endpoint (RFC 7662)
	IntrospectionEndpoint string `json:"introspection_endpoint,omitempty"`

	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported []string `json:"response_types_supported"`
	ResponseModesSupported []string `json:"response_modes_supported,omitempty"`
	GrantTypesSupported    []string `json:"grant_types_supported,omitempty"`

	// TokenEndpointAuthMethodsSupported is shared by the revocation and
	// introspection endpoints, which authenticate clients the same way.
	TokenEndpointAuthMethodsSupported         []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	RevocationEndpointAuthMethodsSupported    []string `json:"revocation_endpoint_auth_methods_supported,omitempty"`
	IntrospectionEndpointAuthMethodsSupported []string `json:"introspection_endpoint_auth_methods_supported,omitempty"`

	// CodeChallengeMethodsSupported lists the PKCE code challenge methods supported
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`

	SubjectTypesSupported                  []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported       []string `json:"id_token_signing_alg_values_supported"`
	AuthorizationSigningAlgValuesSupported []string `json:"authorization_signing_alg_values_supported,omitempty"`
	DisplayValuesSupported                 []string `json:"display_values_supported,omitempty"`
	UILocalesSupported                     []string `json:"ui_locales_supported,omitempty"`
	ACRValuesSupported                     []string `json:"acr_values_supported,omitempty"`
	PromptValuesSupported                  []string `json:"prompt_values_supported,omitempty"`

	// Request objects and the claims parameter are not implemented.
	ClaimsParameterSupported     bool `json:"claims_parameter_supported"`
	RequestParameterSupported    bool `json:"request_parameter_supported"`
	RequestURIParameterSupported bool `json:"request_uri_parameter_supported"`
}

// Metadata describes the server as configured. Every list is read from the
// live registries, so the document never advertises a value the endpoints
// would reject.
func (s *Server) Metadata() *Metadata {
	authMethods := s.clientAuth.Methods()
	return &Metadata{
		Issuer:                                    s.Config.Issuer,
		AuthorizationEndpoint:                     s.Config.AuthorizationEndpoint,
		TokenEndpoint:                             s.Config.TokenEndpoint,
		JWKSURI:                                   s.Config.JWKSURI,
		RevocationEndpoint:                        s.Config.RevocationEndpoint,
		IntrospectionEndpoint:                     s.Config.IntrospectionEndpoint,
		ScopesSupported:                           s.scopes.Supported(),
		ResponseTypesSupported:                    s.responseTypes.Names(),
		ResponseModesSupported:                    s.responseModes.Names(),
		GrantTypesSupported:                       s.grantTypes.Names(),
		TokenEndpointAuthMethodsSupported:         authMethods,
		RevocationEndpointAuthMethodsSupported:    authMethods,
		IntrospectionEndpointAuthMethodsSupported: authMethods,
		CodeChallengeMethodsSupported:             s.pkce.Methods(),
		SubjectTypesSupported:                     []string{subjectTypePublic},
		IDTokenSigningAlgValuesSupported:          s.jose.SigningAlgorithms(),
		AuthorizationSigningAlgValuesSupported:    s.jose.SigningAlgorithms(),
		DisplayValuesSupported:                    slices.Clone(s.Config.DisplayValuesSupported),
		UILocalesSupported:                        slices.Clone(s.Config.UILocalesSupported),
		ACRValuesSupported:                        slices.Clone(s.Config.ACRValuesSupported),
		PromptValuesSupported:                     slices.Clone(supportedPrompts),
	}
}

// SupportsResponseType reports whether responseType is registered.
func (s *Server) SupportsResponseType(responseType string) bool {
	_, ok := s.responseTypes.Get(responseType)
	return ok
}

// SupportsGrantType reports whether grantType is registered.
func (s *Server) SupportsGrantType(grantType string) bool {
	_, ok := s.grantTypes.Get(grantType)
	return ok
}
