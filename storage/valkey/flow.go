package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/giantswarm/oauth2-server/storage"
)

// ============================================================
// AuthorizationCodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}
	if err := validateStringLength(code.Code, MaxTokenLength, "code"); err != nil {
		return err
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	key := s.codeKey(code.Code)
	ttl := s.recordTTL(code.ExpiresAt)

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(revokedKey(key)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to reset authorization code state: %w", err)
	}
	if code.Revoked {
		if err := s.revoke(ctx, key, storage.ErrAuthorizationCodeNotFound); err != nil {
			return err
		}
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", safeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves an authorization code without consuming it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	data, revoked, err := s.getRecord(ctx, s.codeKey(code), storage.ErrAuthorizationCodeNotFound)
	if err != nil {
		return nil, err
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	return fromAuthorizationCodeJSON(&j, revoked), nil
}

// ConsumeAuthorizationCode atomically marks a code as redeemed.
// A replayed code is returned together with ErrAuthorizationCodeUsed so the
// caller can revoke what was issued for it.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	key := s.codeKey(code)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsume).
			Numkeys(2).
			Key(key, revokedKey(key)).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic code consumption: %w", err)
	}

	switch {
	case result == resultNotFound:
		return nil, storage.ErrAuthorizationCodeNotFound
	case strings.HasPrefix(result, resultAlreadyUsed):
		var j authorizationCodeJSON
		if err := json.Unmarshal([]byte(strings.TrimPrefix(result, resultAlreadyUsed)), &j); err != nil {
			return nil, fmt.Errorf("%w: failed to parse reused code", storage.ErrAuthorizationCodeUsed)
		}
		return fromAuthorizationCodeJSON(&j, true), storage.ErrAuthorizationCodeUsed
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse authorization code: %w", err)
	}

	s.logger.Debug("Consumed authorization code",
		"code_prefix", safeTruncate(code, tokenIDLogLength))
	return fromAuthorizationCodeJSON(&j, true), nil
}
