package jose

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/oauth2-server/storage"
)

// DefaultContentEncryption is used when a client registered an encryption
// algorithm without a content encryption algorithm.
const DefaultContentEncryption = "A128CBC-HS256"

// Service is the JOSE collaborator of the authorization server.
type Service interface {
	// Sign produces a compact JWS over claims. An empty alg selects the
	// keyring's default key.
	Sign(ctx context.Context, alg string, claims jwt.MapClaims) (string, error)

	// SigningAlgorithms lists the algorithms Sign accepts.
	SigningAlgorithms() []string

	// Encrypt wraps payload in a compact JWE for the client's registered
	// authorization response encryption key.
	Encrypt(ctx context.Context, client *storage.Client, payload []byte) (string, error)

	// Verify parses and validates token, accepting only algs.
	Verify(ctx context.Context, token string, algs []string, keyFunc jwt.Keyfunc) (jwt.MapClaims, error)

	// ClientVerificationKey resolves the client's public key with the given kid.
	ClientVerificationKey(ctx context.Context, client *storage.Client, kid string) (any, error)

	// ConstantTimeEqual compares two secrets without leaking timing.
	ConstantTimeEqual(a, b string) bool
}

// Keyring implements Service with in-memory signing keys.
type Keyring struct {
	keys     []*SigningKey
	byAlg    map[string]*SigningKey
	resolver *ClientKeyResolver
	clock    func() time.Time
	leeway   time.Duration
}

// KeyringOption configures a Keyring.
type KeyringOption func(*Keyring)

// WithClientKeyResolver enables jwks_uri resolution for client keys.
func WithClientKeyResolver(r *ClientKeyResolver) KeyringOption {
	return func(k *Keyring) { k.resolver = r }
}

// WithClock overrides the time source used for token validation.
func WithClock(clock func() time.Time) KeyringOption {
	return func(k *Keyring) {
		if clock != nil {
			k.clock = clock
		}
	}
}

// WithLeeway sets the clock skew tolerated on exp, nbf and iat.
func WithLeeway(d time.Duration) KeyringOption {
	return func(k *Keyring) { k.leeway = d }
}

// NewKeyring creates a keyring. The first key is the default signing key;
// later keys with an algorithm already present are ignored for signing but
// still published.
func NewKeyring(keys []*SigningKey, opts ...KeyringOption) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, errors.New("at least one signing key is required")
	}

	k := &Keyring{
		keys:  keys,
		byAlg: make(map[string]*SigningKey, len(keys)),
		clock: time.Now,
	}
	for _, key := range keys {
		if key == nil || key.Key == nil {
			return nil, errors.New("signing key is nil")
		}
		if jwt.GetSigningMethod(key.Algorithm) == nil {
			return nil, fmt.Errorf("unsupported signing algorithm: %s", key.Algorithm)
		}
		if _, ok := k.byAlg[key.Algorithm]; !ok {
			k.byAlg[key.Algorithm] = key
		}
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

// Sign implements Service.
func (k *Keyring) Sign(_ context.Context, alg string, claims jwt.MapClaims) (string, error) {
	key := k.keys[0]
	if alg != "" {
		var ok bool
		key, ok = k.byAlg[alg]
		if !ok {
			return "", fmt.Errorf("%w: no signing key for %s", ErrKeyNotFound, alg)
		}
	}

	token := jwt.NewWithClaims(jwt.GetSigningMethod(key.Algorithm), claims)
	token.Header["kid"] = key.KeyID

	signed, err := token.SignedString(key.Key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// SigningAlgorithms implements Service.
func (k *Keyring) SigningAlgorithms() []string {
	algs := make([]string, 0, len(k.byAlg))
	for _, key := range k.keys {
		if !slices.Contains(algs, key.Algorithm) {
			algs = append(algs, key.Algorithm)
		}
	}
	return algs
}

// Encrypt implements Service.
func (k *Keyring) Encrypt(ctx context.Context, client *storage.Client, payload []byte) (string, error) {
	alg := client.AuthorizationEncryptedResponseAlg
	if alg == "" {
		return "", errors.New("client has no authorization response encryption algorithm")
	}
	enc := client.AuthorizationEncryptedResponseEnc
	if enc == "" {
		enc = DefaultContentEncryption
	}

	key, err := k.resolver.EncryptionKey(ctx, client, alg)
	if err != nil {
		return "", err
	}

	encrypter, err := jose.NewEncrypter(
		jose.ContentEncryption(enc),
		jose.Recipient{Algorithm: jose.KeyAlgorithm(alg), Key: key.Key, KeyID: key.KeyID},
		(&jose.EncrypterOptions{}).WithContentType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create encrypter: %w", err)
	}

	object, err := encrypter.Encrypt(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt payload: %w", err)
	}
	return object.CompactSerialize()
}

// Verify implements Service.
func (k *Keyring) Verify(_ context.Context, token string, algs []string, keyFunc jwt.Keyfunc) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods(algs),
		jwt.WithTimeFunc(k.clock),
		jwt.WithLeeway(k.leeway),
	)
	if _, err := parser.ParseWithClaims(token, claims, keyFunc); err != nil {
		return nil, err
	}
	return claims, nil
}

// ClientVerificationKey implements Service.
func (k *Keyring) ClientVerificationKey(ctx context.Context, client *storage.Client, kid string) (any, error) {
	return k.resolver.VerificationKey(ctx, client, kid)
}

// ConstantTimeEqual implements Service.
func (k *Keyring) ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// PublicJWKS returns the public keys for the jwks endpoint.
func (k *Keyring) PublicJWKS() jose.JSONWebKeySet {
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(k.keys))}
	for _, key := range k.keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       key.Key.Public(),
			KeyID:     key.KeyID,
			Algorithm: key.Algorithm,
			Use:       "sig",
		})
	}
	return set
}

var _ Service = (*Keyring)(nil)
