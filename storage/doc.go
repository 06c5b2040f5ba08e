// Package storage defines the persistence collaborators of the authorization
// server: the records it reads and writes (clients, sessions, consents,
// authorization codes, access and refresh tokens) and the interfaces a host
// implements to store them.
//
//   - ClientStore: registered clients
//   - ConsentStore: consent decisions per client and subject
//   - AuthorizationCodeStore: issued codes, with atomic single-use redemption
//   - AccessTokenStore and RefreshTokenStore: issued tokens and their revocation
//   - TokenRevocationStore: optional bulk revocation used on replay detection
//   - UserAuthenticator: optional resource owner credentials for the password grant
//
// The engine never deletes records. The only mutation after creation is
// flipping a Revoked flag; removing expired records is left to the
// implementation.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/mock: Mock storage for unit testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
package storage
