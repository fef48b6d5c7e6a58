package credentials

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jscharber/coursemirror/pkg/settings"
	"github.com/jscharber/coursemirror/pkg/storage"
	"github.com/jscharber/coursemirror/pkg/storage/encryption"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *settings.MemoryRepository, *observer.ObservedLogs) {
	t.Helper()
	envelope, err := encryption.NewEnvelope(encryption.Config{Secret: "test-secret", Iterations: 1000}, zap.NewNop())
	require.NoError(t, err)

	core, logs := observer.New(zapcore.WarnLevel)
	repo := settings.NewMemoryRepository()
	opts = append([]Option{WithLogger(zap.New(core))}, opts...)
	return NewStore(repo, envelope, opts...), repo, logs
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, repo, _ := newTestStore(t)

	require.NoError(t, store.Set(ctx, storage.ProviderDropbox, Update{RefreshToken: String("X")}))

	creds, err := store.Get(ctx, storage.ProviderDropbox)
	require.NoError(t, err)
	assert.Equal(t, "X", creds.RefreshToken)
	assert.True(t, creds.Connected())

	rec, err := repo.LoadCredentials(ctx, storage.ProviderDropbox)
	require.NoError(t, err)
	assert.NotEqual(t, "X", rec[FieldRefreshToken])
	assert.True(t, strings.HasPrefix(rec[FieldRefreshToken], encryption.PrefixV1))
}

func TestStore_PartialUpdate(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	require.NoError(t, store.Set(ctx, storage.ProviderGoogleDrive, Update{
		ClientID:     String("client"),
		ClientSecret: String("secret"),
	}))
	require.NoError(t, store.Set(ctx, storage.ProviderGoogleDrive, Update{RefreshToken: String("refresh")}))

	creds, err := store.Get(ctx, storage.ProviderGoogleDrive)
	require.NoError(t, err)
	assert.Equal(t, "client", creds.ClientID)
	assert.Equal(t, "secret", creds.ClientSecret)
	assert.Equal(t, "refresh", creds.RefreshToken)
}

func TestStore_PreserveOnEmpty(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	require.NoError(t, store.Set(ctx, storage.ProviderSharePoint, Update{ClientSecret: String("keep-me")}))
	require.NoError(t, store.Set(ctx, storage.ProviderSharePoint, Update{ClientSecret: String("")}))

	creds, err := store.Get(ctx, storage.ProviderSharePoint)
	require.NoError(t, err)
	assert.Equal(t, "keep-me", creds.ClientSecret)

	t.Run("unprotected fields are blanked", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, storage.ProviderSharePoint, Update{ClientID: String("id")}))
		require.NoError(t, store.Set(ctx, storage.ProviderSharePoint, Update{ClientID: String("")}))

		creds, err := store.Get(ctx, storage.ProviderSharePoint)
		require.NoError(t, err)
		assert.Empty(t, creds.ClientID)
	})
}

func TestStore_CustomPreservePolicy(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t, WithPreserveOnEmpty(FieldRefreshToken))

	require.NoError(t, store.Set(ctx, storage.ProviderDropbox, Update{
		ClientSecret: String("s"),
		RefreshToken: String("r"),
	}))
	require.NoError(t, store.Set(ctx, storage.ProviderDropbox, Update{
		ClientSecret: String(""),
		RefreshToken: String(""),
	}))

	creds, err := store.Get(ctx, storage.ProviderDropbox)
	require.NoError(t, err)
	assert.Empty(t, creds.ClientSecret)
	assert.Equal(t, "r", creds.RefreshToken)
}

func TestStore_CorruptedSecretWarnsOnce(t *testing.T) {
	ctx := context.Background()
	store, repo, logs := newTestStore(t)

	other, err := encryption.NewEnvelope(encryption.Config{Secret: "another-secret", Iterations: 1000}, nil)
	require.NoError(t, err)
	inner, err := other.Seal("token")
	require.NoError(t, err)
	corrupted, err := other.Seal(inner)
	require.NoError(t, err)

	require.NoError(t, repo.SaveCredentials(ctx, storage.ProviderGoogleDrive, settings.CredentialRecord{
		FieldRefreshToken: corrupted,
	}))

	creds, err := store.Get(ctx, storage.ProviderGoogleDrive)
	require.NoError(t, err)
	assert.Empty(t, creds.RefreshToken)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, CiphertextHash(corrupted), logs.All()[0].ContextMap()["ciphertext_hash"])

	creds, err = store.Get(ctx, storage.ProviderGoogleDrive)
	require.NoError(t, err)
	assert.Empty(t, creds.RefreshToken)
	assert.Equal(t, 1, logs.Len(), "second read of the same value must not log again")
}

func TestStore_SnapshotNeverDoubleEncrypts(t *testing.T) {
	ctx := context.Background()
	store, repo, _ := newTestStore(t)

	require.NoError(t, store.Set(ctx, storage.ProviderDropbox, Update{
		ClientID:     String("id"),
		RefreshToken: String("refresh"),
	}))
	require.NoError(t, store.Set(ctx, storage.ProviderDropbox, Update{AccessToken: String("access")}))

	rec, err := repo.LoadCredentials(ctx, storage.ProviderDropbox)
	require.NoError(t, err)

	snapshot, err := store.Snapshot(ctx, storage.ProviderDropbox)
	require.NoError(t, err)
	assert.Equal(t, rec, snapshot)
}

func TestStore_TokenExpiry(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	expires := time.Now().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, store.Set(ctx, storage.ProviderDropbox, Update{
		AccessToken:    String("access"),
		TokenExpiresAt: &expires,
	}))

	creds, err := store.Get(ctx, storage.ProviderDropbox)
	require.NoError(t, err)
	assert.True(t, expires.Equal(creds.TokenExpiresAt))
	assert.True(t, creds.AccessTokenValid(time.Now(), time.Minute))
	assert.False(t, creds.AccessTokenValid(time.Now().Add(2*time.Hour), time.Minute))
}

func TestStore_Clear(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	require.NoError(t, store.Set(ctx, storage.ProviderDropbox, Update{
		ClientID:     String("id"),
		ClientSecret: String("secret"),
		RefreshToken: String("refresh"),
	}))
	require.True(t, store.Connected(ctx, storage.ProviderDropbox))

	require.NoError(t, store.Clear(ctx, storage.ProviderDropbox))

	creds, err := store.Get(ctx, storage.ProviderDropbox)
	require.NoError(t, err)
	assert.Equal(t, Credentials{}, creds)
	assert.False(t, store.Connected(ctx, storage.ProviderDropbox))
}
