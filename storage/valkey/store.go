package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauth2:"

	// DefaultExpiredRetention is how long records outlive their expiry, so a
	// replayed code or refresh token is still recognized for a while.
	DefaultExpiredRetention = time.Hour

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxTokenLength is the maximum allowed length for codes and token handles
	MaxTokenLength = 512

	// MaxIDLength is the maximum allowed length for identifiers (userID, clientID)
	MaxIDLength = 256

	// revokedSuffix is appended to a record key to form its revocation marker.
	revokedSuffix = ":revoked"

	// Sentinels returned by the Lua scripts.
	resultNotFound    = "NOT_FOUND"
	resultAlreadyUsed = "ALREADY_USED:"
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth2:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// ExpiredRetention is added to every record's TTL (default 1 hour).
	ExpiredRetention time.Duration

	// Clock is the time source for TTL calculation (default time.Now).
	Clock func() time.Time
}

// Store is a Valkey-backed implementation of all storage interfaces.
type Store struct {
	client    valkeygo.Client
	prefix    string
	logger    *slog.Logger
	retention time.Duration
	clock     func() time.Time

	// encryptor protects client secrets at rest
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
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

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retention := cfg.ExpiredRetention
	if retention <= 0 {
		retention = DefaultExpiredRetention
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:    client,
		prefix:    prefix,
		logger:    logger,
		retention: retention,
		clock:     clock,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetEncryptor sets the encryptor used for client secrets at rest.
// Secrets written before an encryptor was set are still readable.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("Client secret encryption at rest enabled for Valkey storage")
	}
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// validateStringLength checks if a string exceeds the maximum allowed length
func validateStringLength(value string, maxLen int, fieldName string) error {
	if len(value) > maxLen {
		return fmt.Errorf("%s exceeds maximum length of %d bytes", fieldName, maxLen)
	}
	return nil
}

// recordTTL returns how long a record expiring at expiresAt is kept. It is
// at least one second, the smallest expiry Valkey accepts for EX.
func (s *Store) recordTTL(expiresAt time.Time) time.Duration {
	ttl := expiresAt.Add(s.retention).Sub(s.clock())
	if ttl < time.Second {
		return time.Second
	}
	return ttl.Round(time.Second)
}

// ============================================================
// Key Helpers
// ============================================================

// clientKey returns the key for a client: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// consentKey returns the key for a consent: {prefix}consent:{clientID}:{subject}
func (s *Store) consentKey(clientID, subject string) string {
	return fmt.Sprintf("%sconsent:%s:%s", s.prefix, clientID, subject)
}

// userKey returns the key for resource owner credentials: {prefix}user:{username}
func (s *Store) userKey(username string) string {
	return fmt.Sprintf("%suser:%s", s.prefix, username)
}

// codeKey returns the key for an authorization code: {prefix}code:{code}
func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

// accessTokenKey returns the key for an access token: {prefix}access:{token}
func (s *Store) accessTokenKey(token string) string {
	return fmt.Sprintf("%saccess:%s", s.prefix, token)
}

// refreshTokenKey returns the key for a refresh token: {prefix}refresh:{token}
func (s *Store) refreshTokenKey(token string) string {
	return fmt.Sprintf("%srefresh:%s", s.prefix, token)
}

// userClientKey returns the key of the set of token keys issued to a
// user+client pair: {prefix}userclient:{userID}:{clientID}
func (s *Store) userClientKey(userID, clientID string) string {
	return fmt.Sprintf("%suserclient:%s:%s", s.prefix, userID, clientID)
}

// revokedKey returns the revocation marker of a record key.
func revokedKey(key string) string {
	return key + revokedSuffix
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// Revocation is stored as a separate marker key next to the record, with the
// same remaining TTL. Records are never rewritten after they are saved.

// luaConsume atomically checks that a one-time record (an authorization code
// or a rotated refresh token) has no revocation marker and sets one.
//
// KEYS[1] = record key
// KEYS[2] = revocation marker key
//
// Returns:
//   - the record JSON if it was unused and is now marked
//   - "NOT_FOUND" if the record does not exist
//   - "ALREADY_USED:<json>" if the record was already redeemed
const luaConsume = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

if redis.call('EXISTS', KEYS[2]) == 1 then
    return 'ALREADY_USED:' .. data
end

local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
    redis.call('SET', KEYS[2], '1', 'PX', ttl)
else
    redis.call('SET', KEYS[2], '1')
end

return data
`

// luaRevoke sets the revocation marker of an existing record.
//
// KEYS[1] = record key
// KEYS[2] = revocation marker key
//
// Returns 1 if the marker was set, 0 if it already existed and -1 if the
// record does not exist.
const luaRevoke = `
local ttl = redis.call('PTTL', KEYS[1])
if ttl == -2 then
    return -1
end

if redis.call('EXISTS', KEYS[2]) == 1 then
    return 0
end

if ttl > 0 then
    redis.call('SET', KEYS[2], '1', 'PX', ttl)
else
    redis.call('SET', KEYS[2], '1')
end
return 1
`

// luaRevokeAll sets the revocation marker of every live record listed in a
// user+client set.
//
// KEYS[1] = user+client set key
// ARGV[1] = revocation marker suffix
//
// Returns the number of records that were not revoked before.
const luaRevokeAll = `
local keys = redis.call('SMEMBERS', KEYS[1])
local revoked = 0
for _, key in ipairs(keys) do
    local ttl = redis.call('PTTL', key)
    if ttl == -2 then
        redis.call('SREM', KEYS[1], key)
    else
        local marker = key .. ARGV[1]
        if redis.call('EXISTS', marker) == 0 then
            if ttl > 0 then
                redis.call('SET', marker, '1', 'PX', ttl)
            else
                redis.call('SET', marker, '1')
            end
            revoked = revoked + 1
        end
    end
end
return revoked
`

// revoke runs luaRevoke for key and maps a missing record to notFound.
func (s *Store) revoke(ctx context.Context, key string, notFound error) error {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevoke).
			Numkeys(2).
			Key(key, revokedKey(key)).
			Build(),
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to execute revocation: %w", err)
	}
	if result < 0 {
		return notFound
	}
	return nil
}

// ============================================================
// JSON Serialization Helpers
// ============================================================

// grantJSON is the JSON representation of the fields shared by codes and tokens
type grantJSON struct {
	ClientID   string   `json:"client_id"`
	UserID     string   `json:"user_id,omitempty"`
	Scopes     []string `json:"scopes,omitempty"`
	IssuedAt   int64    `json:"issued_at"`
	ValidAfter int64    `json:"valid_after"`
	ExpiresAt  int64    `json:"expires_at"`
}

func toGrantJSON(g storage.Grant) grantJSON {
	return grantJSON{
		ClientID:   g.ClientID,
		UserID:     g.UserID,
		Scopes:     g.Scopes,
		IssuedAt:   g.IssuedAt.Unix(),
		ValidAfter: g.ValidAfter.Unix(),
		ExpiresAt:  g.ExpiresAt.Unix(),
	}
}

// fromGrantJSON converts back; revocation comes from the marker key.
func fromGrantJSON(j grantJSON, revoked bool) storage.Grant {
	return storage.Grant{
		ClientID:   j.ClientID,
		UserID:     j.UserID,
		Scopes:     j.Scopes,
		IssuedAt:   time.Unix(j.IssuedAt, 0),
		ValidAfter: time.Unix(j.ValidAfter, 0),
		ExpiresAt:  time.Unix(j.ExpiresAt, 0),
		Revoked:    revoked,
	}
}

// authorizationCodeJSON is the JSON representation of an authorization code
type authorizationCodeJSON struct {
	Code string `json:"code"`
	grantJSON
	RedirectURI         string `json:"redirect_uri"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	Nonce               string `json:"nonce,omitempty"`
	AuthTime            int64  `json:"auth_time,omitempty"`
	ACR                 string `json:"acr,omitempty"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:                code.Code,
		grantJSON:           toGrantJSON(code.Grant),
		RedirectURI:         code.RedirectURI,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		Nonce:               code.Nonce,
		AuthTime:            unixOrZero(code.AuthTime),
		ACR:                 code.ACR,
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON, revoked bool) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                j.Code,
		Grant:               fromGrantJSON(j.grantJSON, revoked),
		RedirectURI:         j.RedirectURI,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		Nonce:               j.Nonce,
		AuthTime:            timeOrZero(j.AuthTime),
		ACR:                 j.ACR,
	}
}

// accessTokenJSON is the JSON representation of an access token
type accessTokenJSON struct {
	Token string `json:"token"`
	grantJSON
	RefreshToken string `json:"refresh_token,omitempty"`
}

func toAccessTokenJSON(t *storage.AccessToken) *accessTokenJSON {
	return &accessTokenJSON{
		Token:        t.Token,
		grantJSON:    toGrantJSON(t.Grant),
		RefreshToken: t.RefreshToken,
	}
}

func fromAccessTokenJSON(j *accessTokenJSON, revoked bool) *storage.AccessToken {
	return &storage.AccessToken{
		Token:        j.Token,
		Grant:        fromGrantJSON(j.grantJSON, revoked),
		RefreshToken: j.RefreshToken,
	}
}

// refreshTokenJSON is the JSON representation of a refresh token
type refreshTokenJSON struct {
	Token string `json:"token"`
	grantJSON
	AccessToken string `json:"access_token,omitempty"`
	AuthTime    int64  `json:"auth_time,omitempty"`
}

func toRefreshTokenJSON(t *storage.RefreshToken) *refreshTokenJSON {
	return &refreshTokenJSON{
		Token:       t.Token,
		grantJSON:   toGrantJSON(t.Grant),
		AccessToken: t.AccessToken,
		AuthTime:    unixOrZero(t.AuthTime),
	}
}

func fromRefreshTokenJSON(j *refreshTokenJSON, revoked bool) *storage.RefreshToken {
	return &storage.RefreshToken{
		Token:       j.Token,
		Grant:       fromGrantJSON(j.grantJSON, revoked),
		AccessToken: j.AccessToken,
		AuthTime:    timeOrZero(j.AuthTime),
	}
}

// clientJSON is the JSON representation of an OAuth client
type clientJSON struct {
	ClientID                          string          `json:"client_id"`
	ClientSecretHash                  string          `json:"client_secret_hash,omitempty"`
	ClientSecret                      string          `json:"client_secret,omitempty"`
	SecretExpiresAt                   int64           `json:"secret_expires_at,omitempty"`
	ClientType                        string          `json:"client_type"`
	RedirectURIs                      []string        `json:"redirect_uris,omitempty"`
	ResponseTypes                     []string        `json:"response_types,omitempty"`
	GrantTypes                        []string        `json:"grant_types,omitempty"`
	TokenEndpointAuthMethod           string          `json:"token_endpoint_auth_method,omitempty"`
	Scopes                            []string        `json:"scopes,omitempty"`
	ClientName                        string          `json:"client_name,omitempty"`
	JWKS                              json.RawMessage `json:"jwks,omitempty"`
	JWKSURI                           string          `json:"jwks_uri,omitempty"`
	AuthorizationSignedResponseAlg    string          `json:"authorization_signed_response_alg,omitempty"`
	AuthorizationEncryptedResponseAlg string          `json:"authorization_encrypted_response_alg,omitempty"`
	AuthorizationEncryptedResponseEnc string          `json:"authorization_encrypted_response_enc,omitempty"`
	IDTokenSignedResponseAlg          string          `json:"id_token_signed_response_alg,omitempty"`
	CreatedAt                         int64           `json:"created_at"`
}

func toClientJSON(client *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:                          client.ClientID,
		ClientSecretHash:                  client.ClientSecretHash,
		ClientSecret:                      client.ClientSecret,
		SecretExpiresAt:                   unixOrZero(client.SecretExpiresAt),
		ClientType:                        client.ClientType,
		RedirectURIs:                      client.RedirectURIs,
		ResponseTypes:                     client.ResponseTypes,
		GrantTypes:                        client.GrantTypes,
		TokenEndpointAuthMethod:           client.TokenEndpointAuthMethod,
		Scopes:                            client.Scopes,
		ClientName:                        client.ClientName,
		JWKS:                              client.JWKS,
		JWKSURI:                           client.JWKSURI,
		AuthorizationSignedResponseAlg:    client.AuthorizationSignedResponseAlg,
		AuthorizationEncryptedResponseAlg: client.AuthorizationEncryptedResponseAlg,
		AuthorizationEncryptedResponseEnc: client.AuthorizationEncryptedResponseEnc,
		IDTokenSignedResponseAlg:          client.IDTokenSignedResponseAlg,
		CreatedAt:                         client.CreatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	return &storage.Client{
		ClientID:                          j.ClientID,
		ClientSecretHash:                  j.ClientSecretHash,
		ClientSecret:                      j.ClientSecret,
		SecretExpiresAt:                   timeOrZero(j.SecretExpiresAt),
		ClientType:                        j.ClientType,
		RedirectURIs:                      j.RedirectURIs,
		ResponseTypes:                     j.ResponseTypes,
		GrantTypes:                        j.GrantTypes,
		TokenEndpointAuthMethod:           j.TokenEndpointAuthMethod,
		Scopes:                            j.Scopes,
		ClientName:                        j.ClientName,
		JWKS:                              j.JWKS,
		JWKSURI:                           j.JWKSURI,
		AuthorizationSignedResponseAlg:    j.AuthorizationSignedResponseAlg,
		AuthorizationEncryptedResponseAlg: j.AuthorizationEncryptedResponseAlg,
		AuthorizationEncryptedResponseEnc: j.AuthorizationEncryptedResponseEnc,
		IDTokenSignedResponseAlg:          j.IDTokenSignedResponseAlg,
		CreatedAt:                         time.Unix(j.CreatedAt, 0),
	}
}

// consentJSON is the JSON representation of a consent decision
type consentJSON struct {
	ClientID  string   `json:"client_id"`
	Subject   string   `json:"subject"`
	Scopes    []string `json:"scopes,omitempty"`
	GrantedAt int64    `json:"granted_at"`
}

// userJSON holds resource owner credentials
type userJSON struct {
	Subject      string `json:"subject"`
	PasswordHash string `json:"password_hash"`
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// ============================================================
// Helper methods
// ============================================================

// getRecord fetches a record together with its revocation marker.
func (s *Store) getRecord(ctx context.Context, key string, notFound error) (data string, revoked bool, err error) {
	values, err := s.client.Do(ctx,
		s.client.B().Mget().Key(key, revokedKey(key)).Build(),
	).ToArray()
	if err != nil {
		return "", false, fmt.Errorf("failed to get record: %w", err)
	}
	if len(values) != 2 {
		return "", false, fmt.Errorf("unexpected MGET reply length %d", len(values))
	}

	data, err = values[0].ToString()
	if err != nil {
		if isNilError(err) {
			return "", false, notFound
		}
		return "", false, fmt.Errorf("failed to read record: %w", err)
	}
	// The marker only needs to exist; any readable value means revoked.
	_, markerErr := values[1].ToString()
	return data, markerErr == nil, nil
}

// getAndUnmarshal fetches a plain JSON record and converts it.
func getAndUnmarshal[J any, T any](
	ctx context.Context,
	s *Store,
	key string,
	notFoundErr error,
	fromJSON func(*J) *T,
) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return fromJSON(&j), nil
}

// trackUserClient adds a record key to its user+client set. Failures are
// logged; they only weaken bulk revocation.
func (s *Store) trackUserClient(ctx context.Context, userID, clientID, recordKey string, ttl time.Duration) {
	if userID == "" {
		return
	}
	setKey := s.userClientKey(userID, clientID)
	if err := s.client.Do(ctx,
		s.client.B().Sadd().Key(setKey).Member(recordKey).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to track token for user+client", "client_id", clientID, "error", err)
		return
	}

	// Only ever extend the set's lifetime.
	current, err := s.client.Do(ctx, s.client.B().Ttl().Key(setKey).Build()).AsInt64()
	if err == nil && current >= int64(ttl.Seconds()) {
		return
	}
	if err := s.client.Do(ctx,
		s.client.B().Expire().Key(setKey).Seconds(int64(ttl.Seconds())).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to set TTL on user+client set", "client_id", clientID, "error", err)
	}
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// safeTruncate safely truncates a string to n characters
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
