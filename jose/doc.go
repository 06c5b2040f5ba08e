// Package jose provides the signing, encryption and key resolution used by the
// authorization server.
//
// A Keyring holds the server's private signing keys and publishes their
// public halves as a JWKS. Client keys are resolved by a ClientKeyResolver
// from either the client's inline JWKS or its jwks_uri; remote key sets are
// cached and refreshed in the background.
//
//	key, err := jose.GenerateSigningKey()
//	resolver, err := jose.NewClientKeyResolver(ctx, nil)
//	keyring, err := jose.NewKeyring([]*jose.SigningKey{key}, jose.WithClientKeyResolver(resolver))
package jose
