package credentials

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jscharber/coursemirror/pkg/settings"
	"github.com/jscharber/coursemirror/pkg/storage"
	"github.com/jscharber/coursemirror/pkg/storage/encryption"
)

// Credential field names as persisted in the credentials settings group
const (
	FieldClientID       = "client_id"
	FieldClientSecret   = "client_secret"
	FieldRefreshToken   = "refresh_token"
	FieldAccessToken    = "access_token"
	FieldTokenExpiresAt = "token_expires_at"
)

var sensitiveFields = map[string]bool{
	FieldClientSecret: true,
	FieldRefreshToken: true,
	FieldAccessToken:  true,
}

// Credentials holds the decrypted OAuth credentials of one provider
type Credentials struct {
	ClientID       string    `json:"client_id"`
	ClientSecret   string    `json:"-"`
	RefreshToken   string    `json:"-"`
	AccessToken    string    `json:"-"`
	TokenExpiresAt time.Time `json:"token_expires_at,omitempty"`
}

// Connected reports whether a refresh token is available
func (c Credentials) Connected() bool {
	return c.RefreshToken != ""
}

// HasClient reports whether the OAuth client id and secret are configured
func (c Credentials) HasClient() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// AccessTokenValid reports whether the cached access token outlives skew
func (c Credentials) AccessTokenValid(now time.Time, skew time.Duration) bool {
	return c.AccessToken != "" && !c.TokenExpiresAt.IsZero() && now.Add(skew).Before(c.TokenExpiresAt)
}

// Update is a partial credential write; nil fields are left untouched
type Update struct {
	ClientID       *string
	ClientSecret   *string
	RefreshToken   *string
	AccessToken    *string
	TokenExpiresAt *time.Time
}

// String returns a pointer to s, for building Updates
func String(s string) *string {
	return &s
}

// Provider reads and writes per-provider credentials
type Provider interface {
	Get(ctx context.Context, provider storage.Provider) (Credentials, error)
	Set(ctx context.Context, provider storage.Provider, update Update) error
	Clear(ctx context.Context, provider storage.Provider) error
}

// Store persists credentials through the settings repository, encrypting sensitive fields
type Store struct {
	repo     settings.CredentialRepository
	envelope *encryption.Envelope
	preserve map[string]bool
	logger   *zap.Logger

	mu     sync.Mutex
	warned map[string]struct{}
}

// Option configures a Store
type Option func(*Store)

// WithPreserveOnEmpty marks fields that an empty update must not overwrite
func WithPreserveOnEmpty(fields ...string) Option {
	return func(s *Store) {
		s.preserve = make(map[string]bool, len(fields))
		for _, f := range fields {
			s.preserve[f] = true
		}
	}
}

// WithLogger sets the logger used for decryption warnings
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a credential store. By default client_secret is preserved on empty.
func NewStore(repo settings.CredentialRepository, envelope *encryption.Envelope, opts ...Option) *Store {
	s := &Store{
		repo:     repo,
		envelope: envelope,
		preserve: map[string]bool{FieldClientSecret: true},
		logger:   zap.NewNop(),
		warned:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the decrypted credentials of a provider. A field that cannot be
// decrypted comes back empty; the failure is logged once per stored value.
func (s *Store) Get(ctx context.Context, provider storage.Provider) (Credentials, error) {
	rec, err := s.repo.LoadCredentials(ctx, provider)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to load credentials for %s: %w", provider, err)
	}

	creds := Credentials{
		ClientID:     rec[FieldClientID],
		ClientSecret: s.open(provider, FieldClientSecret, rec[FieldClientSecret]),
		RefreshToken: s.open(provider, FieldRefreshToken, rec[FieldRefreshToken]),
		AccessToken:  s.open(provider, FieldAccessToken, rec[FieldAccessToken]),
	}
	if v := rec[FieldTokenExpiresAt]; v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			creds.TokenExpiresAt = t
		}
	}

	return creds, nil
}

// Set writes the fields present in update
func (s *Store) Set(ctx context.Context, provider storage.Provider, update Update) error {
	rec, err := s.repo.LoadCredentials(ctx, provider)
	if err != nil {
		return fmt.Errorf("failed to load credentials for %s: %w", provider, err)
	}
	if rec == nil {
		rec = settings.CredentialRecord{}
	}

	fields := map[string]*string{
		FieldClientID:     update.ClientID,
		FieldClientSecret: update.ClientSecret,
		FieldRefreshToken: update.RefreshToken,
		FieldAccessToken:  update.AccessToken,
	}
	if update.TokenExpiresAt != nil {
		expires := ""
		if !update.TokenExpiresAt.IsZero() {
			expires = update.TokenExpiresAt.UTC().Format(time.RFC3339)
		}
		fields[FieldTokenExpiresAt] = &expires
	}

	for field, value := range fields {
		if value == nil {
			continue
		}
		if *value == "" {
			if s.preserve[field] && rec[field] != "" {
				continue
			}
			delete(rec, field)
			continue
		}

		stored := *value
		if sensitiveFields[field] {
			stored, err = s.envelope.Seal(*value)
			if err != nil {
				return fmt.Errorf("failed to encrypt %s for %s: %w", field, provider, err)
			}
		}
		rec[field] = stored
	}

	if err := s.repo.SaveCredentials(ctx, provider, rec); err != nil {
		return fmt.Errorf("failed to save credentials for %s: %w", provider, err)
	}

	return s.writeSnapshot(ctx, provider, rec)
}

// Clear deletes every stored field of a provider
func (s *Store) Clear(ctx context.Context, provider storage.Provider) error {
	if err := s.repo.DeleteCredentials(ctx, provider); err != nil {
		return fmt.Errorf("failed to clear credentials for %s: %w", provider, err)
	}
	s.logger.Info("credentials cleared", zap.String("provider", provider.String()))
	return nil
}

// Connected reports whether provider has a usable refresh token
func (s *Store) Connected(ctx context.Context, provider storage.Provider) bool {
	creds, err := s.Get(ctx, provider)
	return err == nil && creds.Connected()
}

// Snapshot returns the compat snapshot: the at-rest record as last written
func (s *Store) Snapshot(ctx context.Context, provider storage.Provider) (settings.CredentialRecord, error) {
	data, err := s.repo.LoadCredentialSnapshot(ctx, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential snapshot for %s: %w", provider, err)
	}
	rec := settings.CredentialRecord{}
	if len(data) == 0 {
		return rec, nil
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode credential snapshot for %s: %w", provider, err)
	}
	return rec, nil
}

// Helper methods

// writeSnapshot serializes the record exactly as stored; sealed values are never sealed again.
func (s *Store) writeSnapshot(ctx context.Context, provider storage.Provider, rec settings.CredentialRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode credential snapshot: %w", err)
	}
	if err := s.repo.SaveCredentialSnapshot(ctx, provider, data); err != nil {
		return fmt.Errorf("failed to save credential snapshot for %s: %w", provider, err)
	}
	return nil
}

func (s *Store) open(provider storage.Provider, field, stored string) string {
	if stored == "" {
		return ""
	}

	plain, err := s.envelope.Open(stored)
	if err == nil {
		return plain
	}

	hash := CiphertextHash(stored)
	s.mu.Lock()
	_, seen := s.warned[hash]
	if !seen {
		s.warned[hash] = struct{}{}
	}
	s.mu.Unlock()

	if !seen {
		reason := "undecryptable"
		if errors.Is(err, encryption.ErrCipherUnavailable) {
			reason = "cipher unavailable"
		}
		s.logger.Warn("credential field could not be decrypted; treating as absent",
			zap.String("provider", provider.String()),
			zap.String("field", field),
			zap.String("ciphertext_hash", hash),
			zap.String("reason", reason),
		)
	}
	return ""
}

// CiphertextHash returns the stable identifier used to deduplicate decryption warnings
func CiphertextHash(stored string) string {
	sum := sha256.Sum256([]byte(stored))
	return hex.EncodeToString(sum[:8])
}
