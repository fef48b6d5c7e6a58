package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStateManager(t *testing.T) *StateManager {
	t.Helper()
	m, err := NewStateManager(&StateConfig{Secret: "secret", Issuer: "test", TTL: time.Minute})
	require.NoError(t, err)
	return m
}

func TestNewStateManager_RequiresSecret(t *testing.T) {
	_, err := NewStateManager(&StateConfig{})
	assert.Error(t, err)
}

func TestStateManager_IssueVerify(t *testing.T) {
	m := newTestStateManager(t)

	state, err := m.Issue("dropbox", "session-1")
	require.NoError(t, err)

	require.NoError(t, m.Verify(state, "dropbox", "session-1"))

	t.Run("single use", func(t *testing.T) {
		assert.ErrorIs(t, m.Verify(state, "dropbox", "session-1"), ErrInvalidState)
	})
}

func TestStateManager_Rejects(t *testing.T) {
	m := newTestStateManager(t)
	state, err := m.Issue("dropbox", "session-1")
	require.NoError(t, err)

	tests := []struct {
		name     string
		state    string
		provider string
		binding  string
	}{
		{"empty state", "", "dropbox", "session-1"},
		{"garbage", "not-a-jwt", "dropbox", "session-1"},
		{"other provider", state, "google_drive", "session-1"},
		{"other session", state, "dropbox", "session-2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, m.Verify(tt.state, tt.provider, tt.binding), ErrInvalidState)
		})
	}

	t.Run("other signing key", func(t *testing.T) {
		other, err := NewStateManager(&StateConfig{Secret: "different", Issuer: "test"})
		require.NoError(t, err)
		forged, err := other.Issue("dropbox", "session-1")
		require.NoError(t, err)
		assert.ErrorIs(t, m.Verify(forged, "dropbox", "session-1"), ErrInvalidState)
	})
}

func TestStateManager_Expiry(t *testing.T) {
	m := newTestStateManager(t)
	start := time.Now()
	m.now = func() time.Time { return start }

	state, err := m.Issue("sharepoint", "s")
	require.NoError(t, err)

	m.now = func() time.Time { return start.Add(2 * time.Minute) }
	assert.ErrorIs(t, m.Verify(state, "sharepoint", "s"), ErrInvalidState)
}
