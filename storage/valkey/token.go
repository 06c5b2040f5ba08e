package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/giantswarm/oauth2-server/storage"
)

// ============================================================
// AccessTokenStore Implementation
// ============================================================

// SaveAccessToken saves an issued access token
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("access token cannot be empty")
	}
	return s.saveToken(ctx, s.accessTokenKey(token.Token), token.Token, token.Grant, toAccessTokenJSON(token))
}

// GetAccessToken retrieves an access token
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	data, revoked, err := s.getRecord(ctx, s.accessTokenKey(token), storage.ErrTokenNotFound)
	if err != nil {
		return nil, err
	}

	var j accessTokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal access token: %w", err)
	}
	return fromAccessTokenJSON(&j, revoked), nil
}

// RevokeAccessToken marks an access token revoked
func (s *Store) RevokeAccessToken(ctx context.Context, token string) error {
	return s.revoke(ctx, s.accessTokenKey(token), storage.ErrTokenNotFound)
}

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// SaveRefreshToken saves an issued refresh token
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("refresh token cannot be empty")
	}
	return s.saveToken(ctx, s.refreshTokenKey(token.Token), token.Token, token.Grant, toRefreshTokenJSON(token))
}

// GetRefreshToken retrieves a refresh token
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	data, revoked, err := s.getRecord(ctx, s.refreshTokenKey(token), storage.ErrTokenNotFound)
	if err != nil {
		return nil, err
	}

	var j refreshTokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}
	return fromRefreshTokenJSON(&j, revoked), nil
}

// RevokeRefreshToken marks a refresh token revoked
func (s *Store) RevokeRefreshToken(ctx context.Context, token string) error {
	return s.revoke(ctx, s.refreshTokenKey(token), storage.ErrTokenNotFound)
}

// ConsumeRefreshToken atomically marks a refresh token as redeemed.
func (s *Store) ConsumeRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	key := s.refreshTokenKey(token)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsume).
			Numkeys(2).
			Key(key, revokedKey(key)).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic refresh token consumption: %w", err)
	}

	used := false
	switch {
	case result == resultNotFound:
		return nil, storage.ErrTokenNotFound
	case strings.HasPrefix(result, resultAlreadyUsed):
		used = true
		result = strings.TrimPrefix(result, resultAlreadyUsed)
	}

	var j refreshTokenJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse refresh token: %w", err)
	}
	if used {
		return fromRefreshTokenJSON(&j, true), storage.ErrRefreshTokenUsed
	}

	s.logger.Debug("Consumed refresh token",
		"token_prefix", safeTruncate(token, tokenIDLogLength))
	return fromRefreshTokenJSON(&j, true), nil
}

// saveToken writes a token record, tracks it for bulk revocation and carries
// over a revoked flag set by the caller.
func (s *Store) saveToken(ctx context.Context, key, token string, grant storage.Grant, record any) error {
	if err := validateStringLength(token, MaxTokenLength, "token"); err != nil {
		return err
	}
	if err := validateStringLength(grant.UserID, MaxIDLength, "userID"); err != nil {
		return err
	}
	if err := validateStringLength(grant.ClientID, MaxIDLength, "clientID"); err != nil {
		return err
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	ttl := s.recordTTL(grant.ExpiresAt)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}

	// A re-saved handle starts out unrevoked unless the record says otherwise.
	if err := s.client.Do(ctx, s.client.B().Del().Key(revokedKey(key)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to reset token revocation: %w", err)
	}
	if grant.Revoked {
		if err := s.revoke(ctx, key, storage.ErrTokenNotFound); err != nil {
			return err
		}
	}

	s.trackUserClient(ctx, grant.UserID, grant.ClientID, key, ttl)

	s.logger.Debug("Saved token",
		"token_prefix", safeTruncate(token, tokenIDLogLength),
		"client_id", grant.ClientID)
	return nil
}

// ============================================================
// TokenRevocationStore Implementation
// ============================================================

// RevokeAllTokensForUserClient revokes every access and refresh token of a
// user+client pair in one atomic script. Returns the number of tokens that
// were not revoked before the call.
func (s *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	if userID == "" || clientID == "" {
		return 0, fmt.Errorf("userID and clientID cannot be empty")
	}

	revoked, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeAll).
			Numkeys(1).
			Key(s.userClientKey(userID, clientID)).
			Arg(revokedSuffix).
			Build(),
	).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to revoke tokens for user+client: %w", err)
	}

	if revoked > 0 {
		s.logger.Warn("Revoked all tokens for user+client",
			"client_id", clientID,
			"tokens_revoked", revoked)
	}
	return int(revoked), nil
}
