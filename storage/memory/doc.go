// Package memory provides an in-memory implementation of the storage interfaces.
//
// A single Store implements ClientStore, ConsentStore, AuthorizationCodeStore,
// AccessTokenStore, RefreshTokenStore, TokenRevocationStore and
// UserAuthenticator using maps guarded by a sync.RWMutex. It is suitable for
// development, testing, and single-instance deployments where persistence is
// not required.
//
// Features:
//   - Atomic single-use redemption of authorization codes
//   - Records are copied on the way in and out, callers never share state
//   - Background removal of records that expired longer ago than the retention
//   - Storage spans and metrics when instrumentation is set
//
// For multi-instance deployments use the storage/valkey package instead.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.New(server.Stores{
//		Clients:       store,
//		Consents:      store,
//		Codes:         store,
//		AccessTokens:  store,
//		RefreshTokens: store,
//	}, keyring, cfg, logger)
package memory
