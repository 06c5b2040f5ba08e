// Package server implements the OAuth 2.0 / OpenID Connect authorization
// server engine.
//
// A Server validates protocol requests and produces protocol responses. It
// never touches net/http directly: the host (or the root oauth package)
// decodes the request into a protocol.Request and writes the returned
// protocol.Response.
//
// The Server delegates to strategy registries built once in New:
//   - Response types and response modes (responsetype, responsemode)
//   - Grant types (granttype)
//   - Client authentication methods (clientauth)
//   - PKCE verifiers (pkce)
//
// Endpoints:
//   - Authorize: authorization code, implicit and hybrid flows. Errors that
//     cannot be tied to a valid redirect_uri go to ErrorURL (or JSON); all
//     later errors are delivered to the client through the response mode.
//   - Token: authorization_code, refresh_token, client_credentials and,
//     with a UserAuthenticator, password.
//   - Revoke (RFC 7009) and Introspect (RFC 7662).
//   - Metadata: discovery document built from the registries.
//
// Example usage:
//
//	store := memory.New()
//	key, _ := jose.GenerateSigningKey()
//	keyring, _ := jose.NewKeyring([]*jose.SigningKey{key})
//
//	srv, err := server.New(server.Stores{
//	    Clients:       store,
//	    Codes:         store,
//	    AccessTokens:  store,
//	    RefreshTokens: store,
//	    Consents:      store,
//	}, keyring, &server.Config{
//	    Issuer:   "https://auth.example.com",
//	    LoginURL: "https://auth.example.com/login",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
