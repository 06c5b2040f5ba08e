// Package mock provides a mock implementation of the storage interfaces for testing.
package mock

import (
	"context"
	"sync"

	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/storage/memory"
)

// Store implements every storage interface. Each method calls its Func field
// when set and falls through to an in-memory store otherwise, so tests only
// override the calls they care about.
type Store struct {
	// Memory backs every method without an override.
	Memory *memory.Store

	GetClientFunc                    func(ctx context.Context, clientID string) (*storage.Client, error)
	SaveClientFunc                   func(ctx context.Context, client *storage.Client) error
	GetConsentFunc                   func(ctx context.Context, clientID, subject string) (*storage.Consent, error)
	SaveAuthorizationCodeFunc        func(ctx context.Context, code *storage.AuthorizationCode) error
	GetAuthorizationCodeFunc         func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	ConsumeAuthorizationCodeFunc     func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	SaveAccessTokenFunc              func(ctx context.Context, token *storage.AccessToken) error
	GetAccessTokenFunc               func(ctx context.Context, token string) (*storage.AccessToken, error)
	RevokeAccessTokenFunc            func(ctx context.Context, token string) error
	SaveRefreshTokenFunc             func(ctx context.Context, token *storage.RefreshToken) error
	GetRefreshTokenFunc              func(ctx context.Context, token string) (*storage.RefreshToken, error)
	RevokeRefreshTokenFunc           func(ctx context.Context, token string) error
	ConsumeRefreshTokenFunc          func(ctx context.Context, token string) (*storage.RefreshToken, error)
	RevokeAllTokensForUserClientFunc func(ctx context.Context, userID, clientID string) (int, error)
	AuthenticateUserFunc             func(ctx context.Context, username, password string) (string, error)

	mu         sync.Mutex
	callCounts map[string]int
}

var (
	_ storage.ClientStore            = (*Store)(nil)
	_ storage.ConsentStore           = (*Store)(nil)
	_ storage.AuthorizationCodeStore = (*Store)(nil)
	_ storage.AccessTokenStore       = (*Store)(nil)
	_ storage.RefreshTokenStore      = (*Store)(nil)
	_ storage.TokenRevocationStore   = (*Store)(nil)
	_ storage.UserAuthenticator      = (*Store)(nil)
)

// NewStore creates a mock store backed by a fresh in-memory store.
// Call Stop when done.
func NewStore() *Store {
	return &Store{
		Memory:     memory.New(),
		callCounts: make(map[string]int),
	}
}

// Stop stops the backing store's cleanup goroutine.
func (m *Store) Stop() {
	m.Memory.Stop()
}

// Calls returns how often method was called.
func (m *Store) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

func (m *Store) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts[method]++
}

// GetClient implements storage.ClientStore
func (m *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.record("GetClient")
	if m.GetClientFunc != nil {
		return m.GetClientFunc(ctx, clientID)
	}
	return m.Memory.GetClient(ctx, clientID)
}

// SaveClient implements storage.ClientStore
func (m *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	m.record("SaveClient")
	if m.SaveClientFunc != nil {
		return m.SaveClientFunc(ctx, client)
	}
	return m.Memory.SaveClient(ctx, client)
}

// GetConsent implements storage.ConsentStore
func (m *Store) GetConsent(ctx context.Context, clientID, subject string) (*storage.Consent, error) {
	m.record("GetConsent")
	if m.GetConsentFunc != nil {
		return m.GetConsentFunc(ctx, clientID, subject)
	}
	return m.Memory.GetConsent(ctx, clientID, subject)
}

// SaveAuthorizationCode implements storage.AuthorizationCodeStore
func (m *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	m.record("SaveAuthorizationCode")
	if m.SaveAuthorizationCodeFunc != nil {
		return m.SaveAuthorizationCodeFunc(ctx, code)
	}
	return m.Memory.SaveAuthorizationCode(ctx, code)
}

// GetAuthorizationCode implements storage.AuthorizationCodeStore
func (m *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.record("GetAuthorizationCode")
	if m.GetAuthorizationCodeFunc != nil {
		return m.GetAuthorizationCodeFunc(ctx, code)
	}
	return m.Memory.GetAuthorizationCode(ctx, code)
}

// ConsumeAuthorizationCode implements storage.AuthorizationCodeStore
func (m *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.record("ConsumeAuthorizationCode")
	if m.ConsumeAuthorizationCodeFunc != nil {
		return m.ConsumeAuthorizationCodeFunc(ctx, code)
	}
	return m.Memory.ConsumeAuthorizationCode(ctx, code)
}

// SaveAccessToken implements storage.AccessTokenStore
func (m *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	m.record("SaveAccessToken")
	if m.SaveAccessTokenFunc != nil {
		return m.SaveAccessTokenFunc(ctx, token)
	}
	return m.Memory.SaveAccessToken(ctx, token)
}

// GetAccessToken implements storage.AccessTokenStore
func (m *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	m.record("GetAccessToken")
	if m.GetAccessTokenFunc != nil {
		return m.GetAccessTokenFunc(ctx, token)
	}
	return m.Memory.GetAccessToken(ctx, token)
}

// RevokeAccessToken implements storage.AccessTokenStore
func (m *Store) RevokeAccessToken(ctx context.Context, token string) error {
	m.record("RevokeAccessToken")
	if m.RevokeAccessTokenFunc != nil {
		return m.RevokeAccessTokenFunc(ctx, token)
	}
	return m.Memory.RevokeAccessToken(ctx, token)
}

// SaveRefreshToken implements storage.RefreshTokenStore
func (m *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	m.record("SaveRefreshToken")
	if m.SaveRefreshTokenFunc != nil {
		return m.SaveRefreshTokenFunc(ctx, token)
	}
	return m.Memory.SaveRefreshToken(ctx, token)
}

// GetRefreshToken implements storage.RefreshTokenStore
func (m *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	m.record("GetRefreshToken")
	if m.GetRefreshTokenFunc != nil {
		return m.GetRefreshTokenFunc(ctx, token)
	}
	return m.Memory.GetRefreshToken(ctx, token)
}

// RevokeRefreshToken implements storage.RefreshTokenStore
func (m *Store) RevokeRefreshToken(ctx context.Context, token string) error {
	m.record("RevokeRefreshToken")
	if m.RevokeRefreshTokenFunc != nil {
		return m.RevokeRefreshTokenFunc(ctx, token)
	}
	return m.Memory.RevokeRefreshToken(ctx, token)
}

// ConsumeRefreshToken implements storage.RefreshTokenStore
func (m *Store) ConsumeRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	m.record("ConsumeRefreshToken")
	if m.ConsumeRefreshTokenFunc != nil {
		return m.ConsumeRefreshTokenFunc(ctx, token)
	}
	return m.Memory.ConsumeRefreshToken(ctx, token)
}

// RevokeAllTokensForUserClient implements storage.TokenRevocationStore
func (m *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	m.record("RevokeAllTokensForUserClient")
	if m.RevokeAllTokensForUserClientFunc != nil {
		return m.RevokeAllTokensForUserClientFunc(ctx, userID, clientID)
	}
	return m.Memory.RevokeAllTokensForUserClient(ctx, userID, clientID)
}

// AuthenticateUser implements storage.UserAuthenticator
func (m *Store) AuthenticateUser(ctx context.Context, username, password string) (string, error) {
	m.record("AuthenticateUser")
	if m.AuthenticateUserFunc != nil {
		return m.AuthenticateUserFunc(ctx, username, password)
	}
	return m.Memory.AuthenticateUser(ctx, username, password)
}
