package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth2-server/storage"
)

// dummyPasswordHash is compared against for unknown usernames so the
// response time does not reveal which usernames exist.
const dummyPasswordHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient creates or replaces a client. The raw client secret, if any,
// is encrypted when an encryptor is set.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client and client ID cannot be empty")
	}
	if err := validateStringLength(client.ClientID, MaxIDLength, "clientID"); err != nil {
		return err
	}

	j := toClientJSON(client)
	secret, err := s.getEncryptor().Encrypt(client.ClientSecret, client.ClientID)
	if err != nil {
		return fmt.Errorf("failed to encrypt client secret: %w", err)
	}
	j.ClientSecret = secret

	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.clientKey(client.ClientID)).Value(string(data)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := getAndUnmarshal(ctx, s, s.clientKey(clientID),
		fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID), fromClientJSON)
	if err != nil {
		return nil, err
	}

	secret, err := s.getEncryptor().Decrypt(client.ClientSecret, client.ClientID)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt client secret: %w", err)
	}
	client.ClientSecret = secret
	return client, nil
}

// DeleteClient removes a client. Tokens issued to it stay until they expire.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	deleted, err := s.client.Do(ctx, s.client.B().Del().Key(s.clientKey(clientID)).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if deleted == 0 {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return nil
}

// ============================================================
// ConsentStore Implementation
// ============================================================

// SaveConsent records a consent decision, replacing any earlier one.
// Consents do not expire.
func (s *Store) SaveConsent(ctx context.Context, consent *storage.Consent) error {
	if consent == nil || consent.ClientID == "" || consent.Subject == "" {
		return fmt.Errorf("consent client ID and subject cannot be empty")
	}

	data, err := json.Marshal(&consentJSON{
		ClientID:  consent.ClientID,
		Subject:   consent.Subject,
		Scopes:    consent.Scopes,
		GrantedAt: consent.GrantedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal consent: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.consentKey(consent.ClientID, consent.Subject)).Value(string(data)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save consent: %w", err)
	}
	return nil
}

// GetConsent returns the subject's consent for a client
func (s *Store) GetConsent(ctx context.Context, clientID, subject string) (*storage.Consent, error) {
	return getAndUnmarshal(ctx, s, s.consentKey(clientID, subject), storage.ErrConsentNotFound,
		func(j *consentJSON) *storage.Consent {
			return &storage.Consent{
				ClientID:  j.ClientID,
				Subject:   j.Subject,
				Scopes:    j.Scopes,
				GrantedAt: time.Unix(j.GrantedAt, 0),
			}
		})
}

// DeleteConsent withdraws a consent decision.
func (s *Store) DeleteConsent(ctx context.Context, clientID, subject string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.consentKey(clientID, subject)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete consent: %w", err)
	}
	return nil
}

// ============================================================
// UserAuthenticator Implementation
// ============================================================

// AddUser registers resource owner credentials for the password grant.
func (s *Store) AddUser(ctx context.Context, username, password, subject string) error {
	if username == "" || password == "" || subject == "" {
		return fmt.Errorf("username, password and subject cannot be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	data, err := json.Marshal(&userJSON{Subject: subject, PasswordHash: string(hash)})
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.userKey(username)).Value(string(data)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// AuthenticateUser verifies a username and password
func (s *Store) AuthenticateUser(ctx context.Context, username, password string) (string, error) {
	u, err := getAndUnmarshal(ctx, s, s.userKey(username), storage.ErrInvalidCredentials,
		func(j *userJSON) *userJSON { return j })

	hash := dummyPasswordHash
	if err == nil {
		hash = u.PasswordHash
	}

	// Always run the comparison to keep timing uniform
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil || err != nil {
		if err != nil && !errors.Is(err, storage.ErrInvalidCredentials) {
			return "", err
		}
		return "", storage.ErrInvalidCredentials
	}
	return u.Subject, nil
}
