package clientauth

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// minReplayWindow keeps a jti for a short while even when the assertion
// is already at or past its expiry, which the verifier's leeway may allow.
const minReplayWindow = time.Minute

// ReplayCache remembers client assertion jti values until the assertion
// expires. It is safe for concurrent use.
type ReplayCache struct {
	seen  *cache.Cache
	clock func() time.Time
}

// NewReplayCache creates a cache whose expired entries are purged every
// cleanupInterval.
func NewReplayCache(cleanupInterval time.Duration, clock func() time.Time) *ReplayCache {
	if clock == nil {
		clock = time.Now
	}
	return &ReplayCache{
		seen:  cache.New(minReplayWindow, cleanupInterval),
		clock: clock,
	}
}

// Remember records jti for clientID until expiresAt. It returns false if the
// pair was already recorded and has not expired.
func (r *ReplayCache) Remember(clientID, jti string, expiresAt time.Time) bool {
	ttl := max(expiresAt.Sub(r.clock()), minReplayWindow)
	return r.seen.Add(clientID+"\x00"+jti, struct{}{}, ttl) == nil
}

// Len returns the number of tracked assertions.
func (r *ReplayCache) Len() int {
	return r.seen.ItemCount()
}
