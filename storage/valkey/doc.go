// Package valkey provides a Valkey storage backend for the authorization server.
//
// Valkey is a key-value store that is wire-compatible with Redis. The Store
// type implements every storage interface, so several server replicas can
// share clients, codes and tokens:
//
//   - [storage.ClientStore] and [storage.ConsentStore]
//   - [storage.AuthorizationCodeStore]
//   - [storage.AccessTokenStore] and [storage.RefreshTokenStore]
//   - [storage.TokenRevocationStore]
//   - [storage.UserAuthenticator]
//
// # Key Schema
//
// All keys use a configurable prefix (default "oauth2:"):
//
//	{prefix}client:{clientID}             -> JSON(client)
//	{prefix}consent:{clientID}:{subject}  -> JSON(consent)
//	{prefix}user:{username}               -> JSON(subject, bcrypt hash)
//	{prefix}code:{code}                   -> JSON(authorization code)
//	{prefix}access:{token}                -> JSON(access token)
//	{prefix}refresh:{token}               -> JSON(refresh token)
//	{key}:revoked                         -> revocation marker of a code or token
//	{prefix}userclient:{uid}:{cid}        -> SET of token keys
//
// Codes and tokens expire ExpiredRetention after their own expiry, so a
// replayed code or refresh token is still recognized for a while.
//
// # Atomic Operations
//
// Redeeming an authorization code and revoking every token of a user+client
// pair run as Lua scripts. Only one of two concurrent redemptions of the same
// code succeeds; the other gets [storage.ErrAuthorizationCodeUsed].
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "oauth2:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
//
// # Client Secret Encryption
//
// Raw client secrets are only kept for client_secret_jwt clients. They can be
// encrypted at rest with AES-256-GCM:
//
//	key, _ := security.GenerateKey()
//	encryptor, _ := security.NewEncryptor(key)
//	store.SetEncryptor(encryptor)
package valkey
