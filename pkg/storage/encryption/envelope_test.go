package encryption

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestEnvelope(t *testing.T, secret string) *Envelope {
	t.Helper()
	e, err := NewEnvelope(Config{Secret: secret, Iterations: 1000}, zap.NewNop())
	require.NoError(t, err)
	return e
}

func TestEnvelope_SealOpen(t *testing.T) {
	e := newTestEnvelope(t, "site-secret")

	sealed, err := e.Seal("refresh-token-value")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, PrefixV1))
	assert.NotContains(t, sealed, "refresh-token-value")

	plain, err := e.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "refresh-token-value", plain)
}

func TestEnvelope_EmptyValues(t *testing.T) {
	e := newTestEnvelope(t, "site-secret")

	sealed, err := e.Seal("")
	require.NoError(t, err)
	assert.Empty(t, sealed)

	plain, err := e.Open("")
	require.NoError(t, err)
	assert.Empty(t, plain)
}

func TestEnvelope_LegacyChain(t *testing.T) {
	e := newTestEnvelope(t, "site-secret")

	t.Run("direct decrypt", func(t *testing.T) {
		legacy, err := e.SealLegacy("abc")
		require.NoError(t, err)

		plain, err := e.Open(legacy)
		require.NoError(t, err)
		assert.Equal(t, "abc", plain)
	})

	t.Run("transport-decoded then decrypt", func(t *testing.T) {
		legacy, err := e.SealLegacy("abc")
		require.NoError(t, err)
		doubleEncoded := base64.StdEncoding.EncodeToString([]byte(legacy))

		plain, err := e.Open(doubleEncoded)
		require.NoError(t, err)
		assert.Equal(t, "abc", plain)
	})

	t.Run("gives up", func(t *testing.T) {
		_, err := e.Open("not-a-ciphertext")
		assert.ErrorIs(t, err, ErrUndecryptable)
	})
}

func TestEnvelope_WrongKey(t *testing.T) {
	sealed, err := newTestEnvelope(t, "one").Seal("value")
	require.NoError(t, err)

	_, err = newTestEnvelope(t, "two").Open(sealed)
	assert.ErrorIs(t, err, ErrUndecryptable)
}

func TestEnvelope_DegradedMode(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	e, err := NewEnvelope(Config{}, zap.New(core))
	require.NoError(t, err)
	assert.False(t, e.Available())

	first, err := e.Seal("one")
	require.NoError(t, err)
	assert.Equal(t, PrefixPlain+"one", first)

	_, err = e.Seal("two")
	require.NoError(t, err)
	assert.Equal(t, 1, logs.Len(), "plaintext warning must be logged once")

	plain, err := e.Open(first)
	require.NoError(t, err)
	assert.Equal(t, "one", plain)

	_, err = e.Open(PrefixV1 + "AAAA")
	assert.ErrorIs(t, err, ErrCipherUnavailable)
}

func TestIsSealed(t *testing.T) {
	assert.True(t, IsSealed("v1:abc"))
	assert.True(t, IsSealed("p0:abc"))
	assert.False(t, IsSealed("abc"))
}
