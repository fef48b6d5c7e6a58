package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jscharber/coursemirror/pkg/config"
	"github.com/jscharber/coursemirror/pkg/settings"
	"github.com/jscharber/coursemirror/pkg/storage"
)

func validConfig() *Config {
	cfg := GetDefaultConfig()
	cfg.SiteSecret = "site-secret"
	return cfg
}

func TestConfig_Defaults(t *testing.T) {
	cfg := GetDefaultConfig()

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.GetAddress())
	assert.Equal(t, "/api/v1", cfg.APIPrefix)
	assert.Equal(t, SyncLogMemory, cfg.SyncLog.Backend)
	assert.Equal(t, settings.DefaultGeneral(), cfg.Sync.Defaults)
	assert.NotNil(t, cfg.Providers.GoogleDrive)
	assert.NotNil(t, cfg.Providers.Dropbox)
	assert.NotNil(t, cfg.Providers.SharePoint)

	// a site secret has no default
	assert.Error(t, cfg.Validate())
	assert.NoError(t, validConfig().Validate())
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Port = 70000 }},
		{"tls without cert", func(c *Config) { c.TLSEnabled = true }},
		{"zero read timeout", func(c *Config) { c.ReadTimeout = 0 }},
		{"rate limit without burst", func(c *Config) { c.RateLimitBurst = 0 }},
		{"relative api prefix", func(c *Config) { c.APIPrefix = "api" }},
		{"bad public url", func(c *Config) { c.PublicURL = "not a url" }},
		{"unknown sync log backend", func(c *Config) { c.SyncLog.Backend = "kafka" }},
		{"redis without address", func(c *Config) {
			c.SyncLog.Backend = SyncLogRedis
			c.SyncLog.Redis.Addr = ""
		}},
		{"empty sync log", func(c *Config) { c.SyncLog.Capacity = 0 }},
		{"bad interval", func(c *Config) { c.Sync.Defaults.Interval = "hourly" }},
		{"no database", func(c *Config) { c.Database = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfig_DerivedSettings(t *testing.T) {
	cfg := validConfig()
	cfg.PublicURL = "https://lms.example.edu/"

	assert.Equal(t, "https://lms.example.edu/api/v1/providers/dropbox/callback", cfg.CallbackURL(storage.ProviderDropbox))

	cfg.Providers.SharePoint.RedirectURL = "https://custom.example.edu/cb"
	cfg.ApplyCallbackURLs()
	assert.Equal(t, "https://lms.example.edu/api/v1/providers/google_drive/callback", cfg.Providers.GoogleDrive.RedirectURL)
	assert.Equal(t, "https://custom.example.edu/cb", cfg.Providers.SharePoint.RedirectURL)

	assert.Equal(t, "site-secret", cfg.EncryptionConfig().Secret)
	cfg.Encryption.Secret = "dedicated"
	assert.Equal(t, "dedicated", cfg.EncryptionConfig().Secret)

	state := cfg.StateConfig()
	assert.Equal(t, "site-secret", state.Secret)
	assert.Equal(t, 10*time.Minute, state.TTL)
}

func TestConfig_LoadFromFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coursemirror.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9090
site_secret: from-file
sync_log:
  backend: memory
  capacity: 50
sync:
  defaults:
    auto_sync: true
    interval: 30m
    priority: remote
providers:
  dropbox:
    root_folder_id: /courses
`), 0o644))

	t.Setenv("COURSEMIRROR_DB_DRIVER", "sqlite")
	t.Setenv("COURSEMIRROR_SYNC_DEFAULTS_INTERVAL", "5m")
	t.Setenv("COURSEMIRROR_PROVIDERS_SHAREPOINT_TENANT_ID", "contoso")

	cfg := GetDefaultConfig()
	require.NoError(t, config.NewLoader("COURSEMIRROR").Load(path, cfg))

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "from-file", cfg.SiteSecret)
	assert.Equal(t, 50, cfg.SyncLog.Capacity)
	assert.True(t, cfg.Sync.Defaults.AutoSync)
	assert.Equal(t, settings.Interval5m, cfg.Sync.Defaults.Interval)
	assert.Equal(t, settings.PriorityRemote, cfg.Sync.Defaults.Priority)
	assert.Equal(t, "/courses", cfg.Providers.Dropbox.RootFolderID)
	assert.Equal(t, "contoso", cfg.Providers.SharePoint.TenantID)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.True(t, cfg.IsDevelopment())
	require.NoError(t, cfg.Validate())
}
