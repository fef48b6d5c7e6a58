// Package auth issues and verifies the anti-forgery state carried through
// provider OAuth redirects.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidState is returned for any state that fails verification
var ErrInvalidState = errors.New("invalid oauth state")

// StateConfig contains OAuth state configuration
type StateConfig struct {
	Secret string        `yaml:"-" env:"-"`
	Issuer string        `yaml:"issuer" env:"ISSUER"`
	TTL    time.Duration `yaml:"ttl" env:"TTL"`
}

// DefaultStateConfig returns default state configuration
func DefaultStateConfig() *StateConfig {
	return &StateConfig{
		Issuer: "coursemirror",
		TTL:    10 * time.Minute,
	}
}

// StateClaims is the payload of an OAuth state token
type StateClaims struct {
	Provider string `json:"prv"`
	// Binding is a hash of the value tying the flow to the browser session that started it
	Binding string `json:"bnd"`
	jwt.RegisteredClaims
}

// StateManager signs and verifies OAuth state tokens. Each state is accepted once.
type StateManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time

	mu   sync.Mutex
	used map[string]time.Time // token ID -> expiry
}

// NewStateManager creates a state manager
func NewStateManager(config *StateConfig) (*StateManager, error) {
	if config == nil {
		config = DefaultStateConfig()
	}
	if config.Secret == "" {
		return nil, fmt.Errorf("oauth state requires a signing secret")
	}
	if config.TTL <= 0 {
		config.TTL = DefaultStateConfig().TTL
	}

	return &StateManager{
		secret: []byte(config.Secret),
		issuer: config.Issuer,
		ttl:    config.TTL,
		now:    time.Now,
		used:   make(map[string]time.Time),
	}, nil
}

// Issue creates a state token for provider bound to binding
func (m *StateManager) Issue(provider, binding string) (string, error) {
	now := m.now()
	claims := &StateClaims{
		Provider: provider,
		Binding:  hashBinding(binding),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign state: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry, provider and binding, then consumes the state
func (m *StateManager) Verify(state, provider, binding string) error {
	if state == "" {
		return fmt.Errorf("%w: missing", ErrInvalidState)
	}

	claims := &StateClaims{}
	_, err := jwt.ParseWithClaims(state, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	if claims.Provider != provider {
		return fmt.Errorf("%w: provider mismatch", ErrInvalidState)
	}
	if subtle.ConstantTimeCompare([]byte(claims.Binding), []byte(hashBinding(binding))) != 1 {
		return fmt.Errorf("%w: binding mismatch", ErrInvalidState)
	}

	return m.consume(claims.ID, claims.ExpiresAt.Time)
}

func (m *StateManager) consume(id string, expires time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, exp := range m.used {
		if now.After(exp) {
			delete(m.used, k)
		}
	}

	if _, seen := m.used[id]; seen {
		return fmt.Errorf("%w: already used", ErrInvalidState)
	}
	m.used[id] = expires
	return nil
}

func hashBinding(binding string) string {
	sum := sha256.Sum256([]byte(binding))
	return hex.EncodeToString(sum[:])
}
