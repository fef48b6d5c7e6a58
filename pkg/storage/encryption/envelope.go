package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/pbkdf2"
)

// Envelope format prefixes
const (
	PrefixV1    = "v1:"
	PrefixPlain = "p0:"
)

var (
	// ErrUndecryptable is returned when no decryption strategy recovers the value
	ErrUndecryptable = errors.New("stored value could not be decrypted")

	// ErrCipherUnavailable is returned when an encrypted value is read without a key
	ErrCipherUnavailable = errors.New("cipher unavailable")
)

// Config configures key derivation for the envelope
type Config struct {
	Secret     string `yaml:"secret" env:"SECRET"`
	Salt       string `yaml:"salt" env:"SALT"`
	Iterations int    `yaml:"iterations" env:"ITERATIONS"`
}

// DefaultConfig returns a configuration without a secret (degraded mode)
func DefaultConfig() Config {
	return Config{
		Salt:       "coursemirror.credentials",
		Iterations: 100000,
	}
}

// Envelope seals and opens secrets using a versioned at-rest format.
//
// New values are written as "v1:" + base64(nonce || AES-256-GCM ciphertext).
// Unprefixed values are treated as legacy and go through the migration chain.
// Without a secret, values are written as "p0:" + plaintext.
type Envelope struct {
	aead     cipher.AEAD
	logger   *zap.Logger
	warnOnce sync.Once
}

// NewEnvelope derives the key from cfg.Secret and builds an envelope
func NewEnvelope(cfg Config, logger *zap.Logger) (*Envelope, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Envelope{logger: logger}

	if cfg.Secret == "" {
		return e, nil
	}
	if cfg.Iterations <= 0 {
		cfg.Iterations = DefaultConfig().Iterations
	}
	if cfg.Salt == "" {
		cfg.Salt = DefaultConfig().Salt
	}

	key := pbkdf2.Key([]byte(cfg.Secret), []byte(cfg.Salt), cfg.Iterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	e.aead = gcm

	return e, nil
}

// Available reports whether values are encrypted at rest
func (e *Envelope) Available() bool {
	return e.aead != nil
}

// Seal converts plaintext into its at-rest form. Empty input stays empty.
func (e *Envelope) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	if e.aead == nil {
		e.warnOnce.Do(func() {
			e.logger.Warn("encryption unavailable, storing credentials in plaintext; configure a site secret")
		})
		return PrefixPlain + plaintext, nil
	}

	raw, err := e.sealRaw([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return PrefixV1 + raw, nil
}

// Open recovers plaintext from an at-rest value
func (e *Envelope) Open(stored string) (string, error) {
	switch {
	case stored == "":
		return "", nil
	case strings.HasPrefix(stored, PrefixPlain):
		return strings.TrimPrefix(stored, PrefixPlain), nil
	case strings.HasPrefix(stored, PrefixV1):
		if e.aead == nil {
			return "", ErrCipherUnavailable
		}
		plain, err := e.openRaw(strings.TrimPrefix(stored, PrefixV1))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUndecryptable, err)
		}
		return plain, nil
	}
	return e.openLegacy(stored)
}

// IsSealed reports whether stored already carries an envelope prefix
func IsSealed(stored string) bool {
	return strings.HasPrefix(stored, PrefixV1) || strings.HasPrefix(stored, PrefixPlain)
}

// openLegacy handles values written before the versioned format existed:
// direct decrypt first, then base64 transport-decode and decrypt.
func (e *Envelope) openLegacy(stored string) (string, error) {
	if e.aead == nil {
		return "", ErrCipherUnavailable
	}

	if plain, err := e.openRaw(stored); err == nil {
		return plain, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(stored)
	if err == nil {
		if plain, err := e.openRaw(string(decoded)); err == nil {
			return plain, nil
		}
	}

	return "", ErrUndecryptable
}

// SealLegacy produces the unversioned legacy format. Used for migration tests and tooling.
func (e *Envelope) SealLegacy(plaintext string) (string, error) {
	if e.aead == nil {
		return "", ErrCipherUnavailable
	}
	return e.sealRaw([]byte(plaintext))
}

// Helper methods

func (e *Envelope) sealRaw(plaintext []byte) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := e.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (e *Envelope) openRaw(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}
