package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth2-server/protocol"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/token"
)

// ErrInvalidClientMetadata is wrapped by every RegisterClient validation
// failure (RFC 7591 Section 3.2.2).
var ErrInvalidClientMetadata = errors.New("invalid client metadata")

// ClientRegistration is the metadata of a client to register.
type ClientRegistration struct {
	ClientName string

	// ClientType is "public" or "confidential". When empty it follows from
	// TokenEndpointAuthMethod.
	ClientType string

	// TokenEndpointAuthMethod defaults to client_secret_basic for
	// confidential clients and none for public clients.
	TokenEndpointAuthMethod string

	RedirectURIs []string

	// ResponseTypes defaults to code.
	ResponseTypes []string

	// GrantTypes defaults to authorization_code and refresh_token.
	GrantTypes []string

	// Scopes defaults to every scope the server supports.
	Scopes []string

	// JWKS or JWKSURI is required for private_key_jwt.
	JWKS    json.RawMessage
	JWKSURI string

	AuthorizationSignedResponseAlg    string
	AuthorizationEncryptedResponseAlg string
	AuthorizationEncryptedResponseEnc string
	IDTokenSignedResponseAlg          string

	// SecretTTL bounds the generated secret's lifetime. Zero never expires.
	SecretTTL time.Duration
}

// RegisterClient validates the metadata, generates the client id and, for
// confidential clients, a secret, and saves the client. The raw secret is
// returned once and only its bcrypt hash is stored, except for
// client_secret_jwt clients, which need the raw secret as HMAC key.
func (s *Server) RegisterClient(ctx context.Context, reg ClientRegistration) (*storage.Client, string, error) {
	clientType, authMethod := resolveClientTypeAndAuthMethod(reg.ClientType, reg.TokenEndpointAuthMethod)
	responseTypes, grantTypes := defaultFlows(reg.ResponseTypes, reg.GrantTypes)

	scopes := reg.Scopes
	if len(scopes) == 0 {
		scopes = s.scopes.Supported()
	}

	client := &storage.Client{
		ClientID:                          uuid.NewString(),
		ClientType:                        clientType,
		RedirectURIs:                      slices.Clone(reg.RedirectURIs),
		ResponseTypes:                     responseTypes,
		GrantTypes:                        grantTypes,
		TokenEndpointAuthMethod:           authMethod,
		Scopes:                            slices.Clone(scopes),
		ClientName:                        reg.ClientName,
		JWKS:                              reg.JWKS,
		JWKSURI:                           reg.JWKSURI,
		AuthorizationSignedResponseAlg:    reg.AuthorizationSignedResponseAlg,
		AuthorizationEncryptedResponseAlg: reg.AuthorizationEncryptedResponseAlg,
		AuthorizationEncryptedResponseEnc: reg.AuthorizationEncryptedResponseEnc,
		IDTokenSignedResponseAlg:          reg.IDTokenSignedResponseAlg,
		CreatedAt:                         s.Now(),
	}

	if err := s.validateClientMetadata(client); err != nil {
		s.Auditor.LogEvent(security.Event{
			Type: security.EventClientRegistrationRejected,
			Details: map[string]any{
				"reason":   err.Error(),
				"category": GetRedirectURIErrorCategory(err),
			},
		})
		s.Logger.Warn("Client registration rejected",
			"client_name", reg.ClientName,
			"error", err)
		return nil, "", err
	}

	clientSecret, err := generateClientSecret(client)
	if err != nil {
		return nil, "", err
	}
	if clientSecret != "" && reg.SecretTTL > 0 {
		client.SecretExpiresAt = client.CreatedAt.Add(reg.SecretTTL)
	}

	if err := s.stores.Clients.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	s.Auditor.LogClientRegistered(client.ClientID, client.ClientType)
	if s.metrics != nil {
		s.metrics.RecordClientRegistration(ctx, client.ClientType)
	}
	s.Logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", client.ClientType,
		"token_endpoint_auth_method", client.TokenEndpointAuthMethod)

	return client, clientSecret, nil
}

// validateClientMetadata checks a client against the server's registries.
func (s *Server) validateClientMetadata(client *storage.Client) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidClientMetadata, fmt.Sprintf(format, args...))
	}

	if client.ClientType != storage.ClientTypePublic && client.ClientType != storage.ClientTypeConfidential {
		return invalid("unknown client type %q", client.ClientType)
	}
	if !slices.Contains(s.clientAuth.Methods(), client.TokenEndpointAuthMethod) {
		return invalid("token_endpoint_auth_method %q is not supported", client.TokenEndpointAuthMethod)
	}
	if client.IsPublic() != (client.TokenEndpointAuthMethod == protocol.AuthMethodNone) {
		return invalid("token_endpoint_auth_method %q does not match client type %q", client.TokenEndpointAuthMethod, client.ClientType)
	}
	if client.TokenEndpointAuthMethod == protocol.AuthMethodPrivateKeyJWT && len(client.JWKS) == 0 && client.JWKSURI == "" {
		return invalid("private_key_jwt requires jwks or jwks_uri")
	}
	if len(client.JWKS) > 0 && client.JWKSURI != "" {
		// RFC 7591 Section 2
		return invalid("jwks and jwks_uri must not both be set")
	}
	if client.JWKSURI != "" {
		if err := validateAbsoluteURL("jwks_uri", client.JWKSURI); err != nil {
			return invalid("%v", err)
		}
	}

	for _, gt := range client.GrantTypes {
		if !s.SupportsGrantType(gt) {
			return invalid("grant_type %q is not supported", gt)
		}
	}
	if client.IsPublic() && client.HasGrantType(protocol.GrantTypeClientCredentials) {
		return invalid("public clients cannot use the client_credentials grant")
	}

	for _, rt := range client.ResponseTypes {
		registered, ok := s.responseTypes.Get(rt)
		if !ok {
			return invalid("response_type %q is not supported", rt)
		}
		// RFC 7591 Section 2.1
		if registered.IssuesCode && !client.HasGrantType(protocol.GrantTypeAuthorizationCode) {
			return invalid("response_type %q requires the authorization_code grant type", rt)
		}
	}
	if len(client.ResponseTypes) > 0 {
		if err := s.ValidateRedirectURIsForRegistration(client.RedirectURIs); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidClientMetadata, err)
		}
	}

	for _, sc := range client.Scopes {
		if err := s.scopes.CheckRequestedScope(sc); err != nil {
			return invalid("scope %q is not supported", sc)
		}
	}

	algs := s.jose.SigningAlgorithms()
	if alg := client.IDTokenSignedResponseAlg; alg != "" && !slices.Contains(algs, alg) {
		return invalid("id_token_signed_response_alg %q is not supported", alg)
	}
	if alg := client.AuthorizationSignedResponseAlg; alg != "" && !slices.Contains(algs, alg) {
		return invalid("authorization_signed_response_alg %q is not supported", alg)
	}
	if (client.AuthorizationEncryptedResponseAlg == "") != (client.AuthorizationEncryptedResponseEnc == "") {
		return invalid("authorization_encrypted_response_alg and authorization_encrypted_response_enc must be set together")
	}
	if client.AuthorizationEncryptedResponseAlg != "" && len(client.JWKS) == 0 && client.JWKSURI == "" {
		return invalid("encrypted authorization responses require jwks or jwks_uri")
	}
	return nil
}

// resolveClientTypeAndAuthMethod determines the client type and auth method.
// Per RFC 7591 Section 2: token_endpoint_auth_method determines client type.
func resolveClientTypeAndAuthMethod(clientType, tokenEndpointAuthMethod string) (string, string) {
	if tokenEndpointAuthMethod == protocol.AuthMethodNone {
		clientType = storage.ClientTypePublic
	} else if clientType == "" {
		clientType = storage.ClientTypeConfidential
	}

	if tokenEndpointAuthMethod == "" {
		if clientType == storage.ClientTypePublic {
			tokenEndpointAuthMethod = protocol.AuthMethodNone
		} else {
			tokenEndpointAuthMethod = protocol.AuthMethodClientSecretBasic
		}
	}

	return clientType, tokenEndpointAuthMethod
}

// defaultFlows fills in the RFC 7591 Section 2 defaults.
func defaultFlows(responseTypes, grantTypes []string) ([]string, []string) {
	if len(grantTypes) == 0 {
		grantTypes = []string{protocol.GrantTypeAuthorizationCode, protocol.GrantTypeRefreshToken}
	}
	if len(responseTypes) == 0 && slices.Contains(grantTypes, protocol.GrantTypeAuthorizationCode) {
		responseTypes = []string{protocol.ResponseTypeCode}
	}
	return slices.Clone(responseTypes), slices.Clone(grantTypes)
}

// generateClientSecret sets the secret hash of confidential clients and
// returns the raw secret.
func generateClientSecret(client *storage.Client) (string, error) {
	if client.IsPublic() || client.TokenEndpointAuthMethod == protocol.AuthMethodPrivateKeyJWT {
		return "", nil
	}

	clientSecret := token.GenerateHandle()
	hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	client.ClientSecretHash = string(hash)
	if client.TokenEndpointAuthMethod == protocol.AuthMethodClientSecretJWT {
		client.ClientSecret = clientSecret
	}
	return clientSecret, nil
}
