// Package clientauth authenticates OAuth clients at the token, revocation and
// introspection endpoints.
//
// Each Authenticator implements one token_endpoint_auth_method. A Resolver
// holds the registered authenticators and requires that exactly one of them
// applies to a request: requests matching no method or several methods are
// rejected with invalid_client rather than guessing which credential counts.
package clientauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/oauth2-server/jose"
	"github.com/giantswarm/oauth2-server/protocol"
	"github.com/giantswarm/oauth2-server/storage"
)

// Descriptions returned when the number of applicable methods is not one.
const (
	DescriptionNoMethod        = "No Client Authentication Method detected."
	DescriptionMultipleMethods = "Multiple Client Authentication Methods detected."
	descriptionFailed          = "Client authentication failed."
)

// Authenticator is one client authentication method.
type Authenticator interface {
	// Method returns the token_endpoint_auth_method name.
	Method() string

	// AppliesTo reports whether the request carries this method's credentials.
	// It inspects only the presence of parameters and headers.
	AppliesTo(req *protocol.Request) bool

	// Authenticate verifies the credentials and returns the client.
	Authenticate(ctx context.Context, req *protocol.Request) (*storage.Client, error)
}

// Dependencies are the collaborators shared by the authenticators.
type Dependencies struct {
	Clients storage.ClientStore

	// JOSE verifies client assertions. Required for the JWT methods.
	JOSE jose.Service

	// Audiences accepted in a client assertion's aud claim, typically the
	// issuer and the token endpoint URL.
	Audiences []string

	// Replay tracks assertion jti values. Required for the JWT methods.
	Replay *ReplayCache

	Clock  func() time.Time
	Logger *slog.Logger
}

func (d *Dependencies) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

func (d *Dependencies) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Resolver selects and runs the single applicable authenticator.
// It is read-only after construction.
type Resolver struct {
	authenticators []Authenticator
}

// NewResolver creates a resolver over the given authenticators.
func NewResolver(authenticators ...Authenticator) *Resolver {
	return &Resolver{authenticators: authenticators}
}

// DefaultResolver registers all five standard methods.
func DefaultResolver(deps Dependencies) *Resolver {
	return NewResolver(
		NewNone(deps),
		NewClientSecretBasic(deps),
		NewClientSecretPost(deps),
		NewClientSecretJWT(deps),
		NewPrivateKeyJWT(deps),
	)
}

// Methods lists the registered method names in registration order.
func (r *Resolver) Methods() []string {
	methods := make([]string, 0, len(r.authenticators))
	for _, a := range r.authenticators {
		methods = append(methods, a.Method())
	}
	return methods
}

// Authenticate runs the single authenticator that applies to req.
// Every failure is an invalid_client *protocol.Error, except collaborator
// failures, which are returned as-is for the caller to wrap.
func (r *Resolver) Authenticate(ctx context.Context, req *protocol.Request) (*storage.Client, error) {
	var applicable Authenticator
	for _, a := range r.authenticators {
		if !a.AppliesTo(req) {
			continue
		}
		if applicable != nil {
			return nil, protocol.ErrInvalidClient(DescriptionMultipleMethods)
		}
		applicable = a
	}
	if applicable == nil {
		return nil, protocol.ErrInvalidClient(DescriptionNoMethod)
	}
	return applicable.Authenticate(ctx, req)
}

// registeredMethod returns the client's method. Confidential clients
// default to client_secret_basic (RFC 7591 Section 2), public clients to none.
func registeredMethod(client *storage.Client) string {
	switch {
	case client.TokenEndpointAuthMethod != "":
		return client.TokenEndpointAuthMethod
	case client.ClientType == storage.ClientTypePublic:
		return protocol.AuthMethodNone
	default:
		return protocol.AuthMethodClientSecretBasic
	}
}

// lookupClient fetches the client and checks that it registered method.
// Unknown clients yield (nil, nil) so callers can finish constant work first.
func lookupClient(ctx context.Context, deps *Dependencies, clientID, method string) (*storage.Client, error) {
	client, err := deps.Clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	if registeredMethod(client) != method {
		deps.logger().Debug("Client authentication method mismatch",
			"client_id", clientID,
			"registered_method", registeredMethod(client),
			"used_method", method)
		return nil, protocol.Newf(protocol.KindInvalidClient,
			"The client is not registered for the %s authentication method.", method)
	}
	return client, nil
}
