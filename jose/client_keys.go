package jose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/oauth2-server/storage"
)

// ErrNoClientKeys indicates a client without JWKS or jwks_uri.
var ErrNoClientKeys = errors.New("client has no registered keys")

// ErrKeyNotFound indicates that no key matched the requested key id or use.
var ErrKeyNotFound = errors.New("no matching key found")

// registrationTimeout bounds the first fetch of a jwks_uri.
const registrationTimeout = 5 * time.Second

// ClientKeyResolver resolves client public keys from an inline JWKS or a
// jwks_uri. Remote key sets are cached and refreshed in the background.
type ClientKeyResolver struct {
	cache *jwk.Cache

	// registrations collapses concurrent first fetches of the same URI.
	// Different URIs register in parallel.
	registrations singleflight.Group

	mu         sync.RWMutex
	registered map[string]struct{}
}

// NewClientKeyResolver creates a resolver. The context bounds the lifetime
// of the background refresh workers. A nil httpClient uses http.DefaultClient.
func NewClientKeyResolver(ctx context.Context, httpClient *http.Client) (*ClientKeyResolver, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(httpClient)))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}
	return &ClientKeyResolver{
		cache:      cache,
		registered: make(map[string]struct{}),
	}, nil
}

// KeySet returns the client's key set. Inline JWKS take precedence over jwks_uri.
func (r *ClientKeyResolver) KeySet(ctx context.Context, client *storage.Client) (jwk.Set, error) {
	if len(client.JWKS) > 0 {
		set, err := jwk.Parse(client.JWKS)
		if err != nil {
			return nil, fmt.Errorf("failed to parse client JWKS: %w", err)
		}
		return set, nil
	}

	if client.JWKSURI == "" {
		return nil, ErrNoClientKeys
	}
	if r == nil || r.cache == nil {
		return nil, fmt.Errorf("jwks_uri resolution is not configured")
	}

	if err := r.ensureRegistered(ctx, client.JWKSURI); err != nil {
		return nil, err
	}
	set, err := r.cache.Lookup(ctx, client.JWKSURI)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}
	return set, nil
}

func (r *ClientKeyResolver) ensureRegistered(ctx context.Context, uri string) error {
	r.mu.RLock()
	_, done := r.registered[uri]
	r.mu.RUnlock()
	if done {
		return nil
	}

	_, err, _ := r.registrations.Do(uri, func() (any, error) {
		r.mu.RLock()
		_, done := r.registered[uri]
		r.mu.RUnlock()
		if done {
			return nil, nil
		}

		// Callers share the fetch, so one caller's cancellation must not fail the rest.
		regCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), registrationTimeout)
		defer cancel()

		if err := r.cache.Register(regCtx, uri); err != nil {
			return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
		}

		r.mu.Lock()
		r.registered[uri] = struct{}{}
		r.mu.Unlock()
		return nil, nil
	})
	return err
}

// VerificationKey returns the raw public key with the given key id.
func (r *ClientKeyResolver) VerificationKey(ctx context.Context, client *storage.Client, kid string) (any, error) {
	if kid == "" {
		return nil, fmt.Errorf("%w: assertion header has no kid", ErrKeyNotFound)
	}

	set, err := r.KeySet(ctx, client)
	if err != nil {
		return nil, err
	}

	key, found := set.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("%w: key ID %s", ErrKeyNotFound, kid)
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return raw, nil
}

// EncryptionKey returns the client key to encrypt to: the first key whose
// use is "enc", or failing that the first key registered for alg.
func (r *ClientKeyResolver) EncryptionKey(ctx context.Context, client *storage.Client, alg string) (*jose.JSONWebKey, error) {
	set, err := r.KeySet(ctx, client)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("failed to encode client JWKS: %w", err)
	}
	var keys jose.JSONWebKeySet
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("failed to decode client JWKS: %w", err)
	}

	for i := range keys.Keys {
		if keys.Keys[i].Use == "enc" {
			return &keys.Keys[i], nil
		}
	}
	for i := range keys.Keys {
		if keys.Keys[i].Use == "" && keys.Keys[i].Algorithm == alg {
			return &keys.Keys[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no encryption key for %s", ErrKeyNotFound, alg)
}
