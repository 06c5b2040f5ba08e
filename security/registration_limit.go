package security

import (
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	// DefaultMaxRegistrationsPerHour is the default number of clients one IP
	// may register per window.
	DefaultMaxRegistrationsPerHour = 10

	// DefaultRegistrationWindow is the default sliding window.
	DefaultRegistrationWindow = time.Hour

	// DefaultMaxRegistrationEntries bounds the number of tracked IPs.
	DefaultMaxRegistrationEntries = 10000

	registrationCleanupInterval = 15 * time.Minute
)

// RegistrationLimitConfig configures a RegistrationLimiter. Zero values
// fall back to the package defaults.
type RegistrationLimitConfig struct {
	MaxPerWindow int
	Window       time.Duration

	// MaxEntries bounds the tracked IPs. While the limiter is full, IPs it
	// does not already track are refused until older entries expire.
	MaxEntries int

	// Clock overrides the time source. Nil uses time.Now.
	Clock func() time.Time
}

// RegistrationLimiter bounds how many clients a single IP may register
// within a sliding window. Entries expire one window after the IP's last
// registration.
type RegistrationLimiter struct {
	mu     sync.Mutex
	recent *cache.Cache // ip -> []time.Time
	config RegistrationLimitConfig
	logger *slog.Logger

	allowed int64
	blocked int64
	refused int64
}

// NewRegistrationLimiter creates a limiter.
func NewRegistrationLimiter(config RegistrationLimitConfig, logger *slog.Logger) *RegistrationLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxPerWindow <= 0 {
		config.MaxPerWindow = DefaultMaxRegistrationsPerHour
	}
	if config.Window <= 0 {
		config.Window = DefaultRegistrationWindow
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultMaxRegistrationEntries
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	logger.Info("Client registration limiter initialized",
		"max_per_window", config.MaxPerWindow,
		"window", config.Window,
		"max_entries", config.MaxEntries)

	return &RegistrationLimiter{
		recent: cache.New(config.Window, registrationCleanupInterval),
		config: config,
		logger: logger,
	}
}

// Allow records a registration attempt from ip and reports whether it is
// within the limit. Refused attempts are not counted against the window.
func (l *RegistrationLimiter) Allow(ip string) bool {
	now := l.config.Clock()
	cutoff := now.Add(-l.config.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	var stamps []time.Time
	if v, ok := l.recent.Get(ip); ok {
		for _, t := range v.([]time.Time) {
			if t.After(cutoff) {
				stamps = append(stamps, t)
			}
		}
	} else if l.recent.ItemCount() >= l.config.MaxEntries {
		l.recent.DeleteExpired()
		if l.recent.ItemCount() >= l.config.MaxEntries {
			l.refused++
			l.logger.Warn("Client registration limiter full, refusing untracked IP",
				"ip", ip,
				"max_entries", l.config.MaxEntries)
			return false
		}
	}

	if len(stamps) >= l.config.MaxPerWindow {
		l.blocked++
		l.recent.Set(ip, stamps, stamps[len(stamps)-1].Add(l.config.Window).Sub(now))
		return false
	}

	stamps = append(stamps, now)
	l.recent.Set(ip, stamps, l.config.Window)
	l.allowed++
	return true
}

// RegistrationStats reports limiter counters.
type RegistrationStats struct {
	TrackedIPs int
	MaxEntries int
	Allowed    int64
	Blocked    int64
	Refused    int64 // untracked IPs turned away while full
}

// Stats returns a snapshot of the limiter counters.
func (l *RegistrationLimiter) Stats() RegistrationStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return RegistrationStats{
		TrackedIPs: l.recent.ItemCount(),
		MaxEntries: l.config.MaxEntries,
		Allowed:    l.allowed,
		Blocked:    l.blocked,
		Refused:    l.refused,
	}
}

// Reset forgets every tracked IP.
func (l *RegistrationLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recent.Flush()
}
