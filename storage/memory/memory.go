package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// DefaultExpiredRetention is how long expired records are kept before cleanup
	// removes them. Keeping them lets a replayed code or refresh token still be
	// recognized shortly after it expired.
	DefaultExpiredRetention = time.Hour

	// dummyPasswordHash is compared against when a username is unknown, so the
	// response time does not reveal which usernames exist.
	dummyPasswordHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"
)

type consentKey struct {
	clientID string
	subject  string
}

type user struct {
	subject      string
	passwordHash []byte
}

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	consents      map[consentKey]*storage.Consent
	codes         map[string]*storage.AuthorizationCode
	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken
	users         map[string]*user

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	clientsCountAtomic       atomic.Int64
	codesCountAtomic         atomic.Int64
	accessTokensCountAtomic  atomic.Int64
	refreshTokensCountAtomic atomic.Int64

	// Cleanup
	cleanupInterval  time.Duration
	expiredRetention time.Duration
	clock            func() time.Time
	stopCleanup      chan struct{}
	stopOnce         sync.Once
	logger           *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore            = (*Store)(nil)
	_ storage.ConsentStore           = (*Store)(nil)
	_ storage.AuthorizationCodeStore = (*Store)(nil)
	_ storage.AccessTokenStore       = (*Store)(nil)
	_ storage.RefreshTokenStore      = (*Store)(nil)
	_ storage.TokenRevocationStore   = (*Store)(nil)
	_ storage.UserAuthenticator      = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:          make(map[string]*storage.Client),
		consents:         make(map[consentKey]*storage.Consent),
		codes:            make(map[string]*storage.AuthorizationCode),
		accessTokens:     make(map[string]*storage.AccessToken),
		refreshTokens:    make(map[string]*storage.RefreshToken),
		users:            make(map[string]*user),
		cleanupInterval:  cleanupInterval,
		expiredRetention: DefaultExpiredRetention,
		clock:            time.Now,
		stopCleanup:      make(chan struct{}),
		logger:           slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock replaces the time source used by cleanup.
func (s *Store) SetClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// SetExpiredRetention sets how long expired records are kept.
func (s *Store) SetExpiredRetention(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiredRetention = d
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}

	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.codesCountAtomic.Store(int64(len(s.codes)))
	s.accessTokensCountAtomic.Store(int64(len(s.accessTokens)))
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.codesCountAtomic.Load() },
			func() int64 { return s.accessTokensCountAtomic.Load() },
			func() int64 { return s.refreshTokensCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stats holds the number of stored records.
type Stats struct {
	Clients            int
	AuthorizationCodes int
	AccessTokens       int
	RefreshTokens      int
}

// Stats returns current record counts without taking the store lock.
func (s *Store) Stats() Stats {
	return Stats{
		Clients:            int(s.clientsCountAtomic.Load()),
		AuthorizationCodes: int(s.codesCountAtomic.Load()),
		AccessTokens:       int(s.accessTokensCountAtomic.Load()),
		RefreshTokens:      int(s.refreshTokensCountAtomic.Load()),
	}
}

// Stop gracefully stops the cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient creates or replaces a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_client", &err, time.Now())

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client and client ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.clients[client.ClientID]; !existed {
		s.clientsCountAtomic.Add(1)
	}
	s.clients[client.ClientID] = cloneClient(client)

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_client", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return cloneClient(client), nil
}

// DeleteClient removes a client. Tokens issued to it stay until they expire.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	delete(s.clients, clientID)
	s.clientsCountAtomic.Add(-1)
	return nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, cloneClient(client))
	}
	slices.SortFunc(clients, func(a, b *storage.Client) int {
		switch {
		case a.ClientID < b.ClientID:
			return -1
		case a.ClientID > b.ClientID:
			return 1
		}
		return 0
	})
	return clients, nil
}

// ============================================================
// ConsentStore Implementation
// ============================================================

// SaveConsent records a consent decision, replacing any earlier one for the
// same client and subject. The host calls this from its consent page.
func (s *Store) SaveConsent(ctx context.Context, consent *storage.Consent) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_consent")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_consent", &err, time.Now())

	if consent == nil || consent.ClientID == "" || consent.Subject == "" {
		return fmt.Errorf("consent client ID and subject cannot be empty")
	}

	c := *consent
	c.Scopes = slices.Clone(consent.Scopes)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.consents[consentKey{consent.ClientID, consent.Subject}] = &c
	return nil
}

// GetConsent returns the subject's consent for a client
func (s *Store) GetConsent(ctx context.Context, clientID, subject string) (_ *storage.Consent, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_consent")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_consent", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	consent, ok := s.consents[consentKey{clientID, subject}]
	if !ok {
		return nil, storage.ErrConsentNotFound
	}
	c := *consent
	c.Scopes = slices.Clone(consent.Scopes)
	return &c, nil
}

// DeleteConsent withdraws a consent decision.
func (s *Store) DeleteConsent(ctx context.Context, clientID, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.consents, consentKey{clientID, subject})
	return nil
}

// ============================================================
// UserAuthenticator Implementation
// ============================================================

// AddUser registers resource owner credentials for the password grant.
func (s *Store) AddUser(username, password, subject string) error {
	if username == "" || password == "" || subject == "" {
		return fmt.Errorf("username, password and subject cannot be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = &user{subject: subject, passwordHash: hash}
	return nil
}

// AuthenticateUser verifies a username and password
func (s *Store) AuthenticateUser(ctx context.Context, username, password string) (_ string, err error) {
	ctx, span := s.startStorageSpan(ctx, "authenticate_user")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "authenticate_user", &err, time.Now())

	s.mu.RLock()
	u, ok := s.users[username]
	s.mu.RUnlock()

	hash := []byte(dummyPasswordHash)
	if ok {
		hash = u.passwordHash
	}
	// Always run the comparison to keep timing uniform
	if bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil || !ok {
		return "", storage.ErrInvalidCredentials
	}
	return u.subject, nil
}

// ============================================================
// AuthorizationCodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_authorization_code", &err, time.Now())

	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.codes[code.Code]; !existed {
		s.codesCountAtomic.Add(1)
	}
	s.codes[code.Code] = cloneCode(code)

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves an authorization code without consuming it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_authorization_code")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_authorization_code", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	authCode, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	return cloneCode(authCode), nil
}

// ConsumeAuthorizationCode atomically marks a code as redeemed.
// A replayed code is returned together with ErrAuthorizationCodeUsed so the
// caller can revoke what was issued for it.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "consume_authorization_code", &err, time.Now())

	s.mu.Lock() // write lock for the atomic check-and-set
	defer s.mu.Unlock()

	authCode, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	if authCode.Revoked {
		return cloneCode(authCode), storage.ErrAuthorizationCodeUsed
	}

	authCode.Revoked = true
	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return cloneCode(authCode), nil
}

// ============================================================
// AccessTokenStore Implementation
// ============================================================

// SaveAccessToken saves an issued access token
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_access_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_access_token", &err, time.Now())

	if token == nil || token.Token == "" {
		return fmt.Errorf("access token cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.accessTokens[token.Token]; !existed {
		s.accessTokensCountAtomic.Add(1)
	}
	t := *token
	t.Grant = cloneGrant(token.Grant)
	s.accessTokens[token.Token] = &t
	return nil
}

// GetAccessToken retrieves an access token
func (s *Store) GetAccessToken(ctx context.Context, token string) (_ *storage.AccessToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_access_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_access_token", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	at, ok := s.accessTokens[token]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	t := *at
	t.Grant = cloneGrant(at.Grant)
	return &t, nil
}

// RevokeAccessToken marks an access token revoked
func (s *Store) RevokeAccessToken(ctx context.Context, token string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_access_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "revoke_access_token", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.accessTokens[token]
	if !ok {
		return storage.ErrTokenNotFound
	}
	at.Revoked = true
	return nil
}

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// SaveRefreshToken saves an issued refresh token
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_refresh_token", &err, time.Now())

	if token == nil || token.Token == "" {
		return fmt.Errorf("refresh token cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.refreshTokens[token.Token]; !existed {
		s.refreshTokensCountAtomic.Add(1)
	}
	t := *token
	t.Grant = cloneGrant(token.Grant)
	s.refreshTokens[token.Token] = &t
	return nil
}

// GetRefreshToken retrieves a refresh token
func (s *Store) GetRefreshToken(ctx context.Context, token string) (_ *storage.RefreshToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_refresh_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_refresh_token", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	rt, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	return cloneRefreshToken(rt), nil
}

// RevokeRefreshToken marks a refresh token revoked
func (s *Store) RevokeRefreshToken(ctx context.Context, token string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_refresh_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "revoke_refresh_token", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.refreshTokens[token]
	if !ok {
		return storage.ErrTokenNotFound
	}
	rt.Revoked = true
	return nil
}

// ConsumeRefreshToken atomically marks a refresh token as redeemed.
func (s *Store) ConsumeRefreshToken(ctx context.Context, token string) (_ *storage.RefreshToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_refresh_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "consume_refresh_token", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	if rt.Revoked {
		return cloneRefreshToken(rt), storage.ErrRefreshTokenUsed
	}

	rt.Revoked = true
	return cloneRefreshToken(rt), nil
}

// ============================================================
// TokenRevocationStore Implementation
// ============================================================

// RevokeAllTokensForUserClient revokes every access and refresh token of a
// user+client pair. It is used when a code or refresh token is replayed.
// Returns the number of tokens that were active before the call.
func (s *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_all_tokens_for_user_client")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "revoke_all_tokens_for_user_client", &err, time.Now())

	if userID == "" || clientID == "" {
		return 0, fmt.Errorf("userID and clientID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, at := range s.accessTokens {
		if at.UserID == userID && at.ClientID == clientID && !at.Revoked {
			at.Revoked = true
			revoked++
		}
	}
	for _, rt := range s.refreshTokens {
		if rt.UserID == userID && rt.ClientID == clientID && !rt.Revoked {
			rt.Revoked = true
			revoked++
		}
	}

	if revoked > 0 {
		s.logger.Warn("Revoked all tokens for user+client",
			"client_id", clientID,
			"tokens_revoked", revoked)
	}
	return revoked, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup removes records that expired more than expiredRetention ago.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock().Add(-s.expiredRetention)
	cleaned := 0

	for k, c := range s.codes {
		if c.ExpiresAt.Before(cutoff) {
			delete(s.codes, k)
			s.codesCountAtomic.Add(-1)
			cleaned++
		}
	}
	for k, t := range s.accessTokens {
		if t.ExpiresAt.Before(cutoff) {
			delete(s.accessTokens, k)
			s.accessTokensCountAtomic.Add(-1)
			cleaned++
		}
	}
	for k, t := range s.refreshTokens {
		if t.ExpiresAt.Before(cutoff) {
			delete(s.refreshTokens, k)
			s.refreshTokensCountAtomic.Add(-1)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired records", "count", cleaned)
	}
}

// ============================================================
// Copy helpers
// ============================================================

func cloneGrant(g storage.Grant) storage.Grant {
	g.Scopes = slices.Clone(g.Scopes)
	return g
}

func cloneCode(c *storage.AuthorizationCode) *storage.AuthorizationCode {
	cp := *c
	cp.Grant = cloneGrant(c.Grant)
	return &cp
}

func cloneRefreshToken(t *storage.RefreshToken) *storage.RefreshToken {
	cp := *t
	cp.Grant = cloneGrant(t.Grant)
	return &cp
}

func cloneClient(c *storage.Client) *storage.Client {
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.ResponseTypes = slices.Clone(c.ResponseTypes)
	cp.GrantTypes = slices.Clone(c.GrantTypes)
	cp.Scopes = slices.Clone(c.Scopes)
	cp.JWKS = slices.Clone(c.JWKS)
	return &cp
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))
}

// recordStorageOperation records metrics for a storage operation and sets
// span status. Lookups that miss are reported as "not_found", not as errors.
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, errp *error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	var err error
	if errp != nil {
		err = *errp
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case isMiss(err):
		result = "not_found"
	default:
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}

func isMiss(err error) bool {
	return errors.Is(err, storage.ErrClientNotFound) ||
		errors.Is(err, storage.ErrTokenNotFound) ||
		errors.Is(err, storage.ErrAuthorizationCodeNotFound) ||
		errors.Is(err, storage.ErrConsentNotFound) ||
		errors.Is(err, storage.ErrInvalidCredentials)
}
