// Package security provides the protective infrastructure around the
// authorization server endpoints: audit logging with hashed user ids,
// AES-256-GCM encryption of client secrets at rest, per-client-IP rate
// limiting, response security headers, client IP extraction behind trusted
// proxies, and request IDs.
//
// # Rate Limiting
//
// RateLimiter keeps one token bucket per identifier (usually the client IP)
// and bounds memory with LRU eviction:
//
//	limiter := security.NewRateLimiterWithConfig(security.RateLimitConfig{
//		RequestsPerSecond: 10,
//		Burst:             20,
//		MaxEntries:        5000,
//	}, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//		// answer 429 Too Many Requests
//	}
//
// GetStats reports the tracked identifiers, evictions and memory pressure.
// A rapidly growing eviction count usually means a distributed attack.
//
// # Secrets at Rest
//
// Encryptor binds every ciphertext to associated data (the owning client id),
// so an encrypted secret copied onto another record fails to decrypt.
package security
