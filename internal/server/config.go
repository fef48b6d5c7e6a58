package server

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jscharber/coursemirror/internal/api"
	"github.com/jscharber/coursemirror/internal/database"
	"github.com/jscharber/coursemirror/pkg/auth"
	"github.com/jscharber/coursemirror/pkg/connectors/dropbox"
	"github.com/jscharber/coursemirror/pkg/connectors/googledrive"
	"github.com/jscharber/coursemirror/pkg/connectors/sharepoint"
	"github.com/jscharber/coursemirror/pkg/logger"
	"github.com/jscharber/coursemirror/pkg/settings"
	"github.com/jscharber/coursemirror/pkg/storage"
	"github.com/jscharber/coursemirror/pkg/storage/encryption"
	"github.com/jscharber/coursemirror/pkg/tracing"
)

// Sync log backends
const (
	SyncLogMemory = "memory"
	SyncLogRedis  = "redis"
)

// Config represents the server configuration
type Config struct {
	// Server settings
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	PublicURL       string        `yaml:"public_url" env:"PUBLIC_URL"`
	AdminURL        string        `yaml:"admin_url" env:"ADMIN_URL"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// TLS settings
	TLSEnabled  bool   `yaml:"tls_enabled" env:"TLS_ENABLED"`
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`

	// CORS settings
	CORSEnabled        bool     `yaml:"cors_enabled" env:"CORS_ENABLED"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	CORSAllowedMethods []string `yaml:"cors_allowed_methods" env:"CORS_ALLOWED_METHODS"`
	CORSAllowedHeaders []string `yaml:"cors_allowed_headers" env:"CORS_ALLOWED_HEADERS"`

	// Rate limiting
	RateLimitEnabled bool    `yaml:"rate_limit_enabled" env:"RATE_LIMIT_ENABLED"`
	RateLimitRPS     float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst   int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`

	// Admin authentication; an empty token leaves the admin API open
	AdminToken     string `yaml:"admin_token" env:"ADMIN_TOKEN"`
	AdminTokenHdr  string `yaml:"admin_token_header" env:"ADMIN_TOKEN_HEADER"`
	RequestIDHdr   string `yaml:"request_id_header" env:"REQUEST_ID_HEADER"`
	MaxRequestSize int64  `yaml:"max_request_size" env:"MAX_REQUEST_SIZE"`

	// API settings
	APIPrefix string `yaml:"api_prefix" env:"API_PREFIX"`

	// SiteSecret signs OAuth state and keys the credential envelope unless
	// Encryption.Secret is set
	SiteSecret string `yaml:"site_secret" env:"SITE_SECRET"`

	Database   *database.Config  `yaml:"database" env:",inline"`
	Logging    *logger.Config    `yaml:"logging" env:"LOG"`
	Tracing    *tracing.Config   `yaml:"tracing" env:"TRACING"`
	Encryption encryption.Config `yaml:"encryption" env:"ENCRYPTION"`
	AuthState  *auth.StateConfig `yaml:"auth_state" env:"AUTH_STATE"`
	SyncLog    SyncLogConfig     `yaml:"sync_log" env:"SYNC_LOG"`
	Sync       SyncConfig        `yaml:"sync" env:"SYNC"`
	Providers  ProvidersConfig   `yaml:"providers" env:"PROVIDERS"`
}

// SyncLogConfig selects where the sync log ring lives
type SyncLogConfig struct {
	Backend  string                  `yaml:"backend" env:"BACKEND"`
	Capacity int                     `yaml:"capacity" env:"CAPACITY"`
	Level    string                  `yaml:"level" env:"LEVEL"`
	Redis    *logger.RedisRingConfig `yaml:"redis" env:"REDIS"`
}

// SyncConfig holds the general sync settings seeded on first start and the
// bound on a single scheduled run
type SyncConfig struct {
	Defaults   settings.General `yaml:"defaults" env:"DEFAULTS"`
	RunTimeout time.Duration    `yaml:"run_timeout" env:"RUN_TIMEOUT"`
}

// ProvidersConfig holds per-provider connector configuration
type ProvidersConfig struct {
	GoogleDrive *googledrive.GoogleDriveConfig `yaml:"google_drive" env:"GOOGLE_DRIVE"`
	Dropbox     *dropbox.DropboxConfig         `yaml:"dropbox" env:"DROPBOX"`
	SharePoint  *sharepoint.SharePointConfig   `yaml:"sharepoint" env:"SHAREPOINT"`
}

// GetDefaultConfig returns default server configuration
func GetDefaultConfig() *Config {
	return &Config{
		Host:            "0.0.0.0",
		Port:            8080,
		PublicURL:       "http://localhost:8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    5 * time.Minute,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,

		CORSEnabled:        true,
		CORSAllowedOrigins: []string{"*"},
		CORSAllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		CORSAllowedHeaders: []string{"Content-Type", "Authorization", "X-Admin-Token", "X-Request-ID"},

		RateLimitEnabled: true,
		RateLimitRPS:     20,
		RateLimitBurst:   40,

		AdminTokenHdr:  "X-Admin-Token",
		RequestIDHdr:   "X-Request-ID",
		MaxRequestSize: 1 << 20,

		APIPrefix: "/api/v1",

		Database:   database.GetDefaultConfig(),
		Logging:    logger.DefaultConfig(),
		Tracing:    tracing.DefaultConfig(),
		Encryption: encryption.DefaultConfig(),
		AuthState:  auth.DefaultStateConfig(),
		SyncLog: SyncLogConfig{
			Backend:  SyncLogMemory,
			Capacity: 100,
			Level:    "info",
			Redis:    logger.DefaultRedisRingConfig(),
		},
		Sync: SyncConfig{
			Defaults:   settings.DefaultGeneral(),
			RunTimeout: 10 * time.Minute,
		},
		Providers: ProvidersConfig{
			GoogleDrive: googledrive.DefaultGoogleDriveConfig(),
			Dropbox:     dropbox.DefaultDropboxConfig(),
			SharePoint:  sharepoint.DefaultSharePointConfig(),
		},
	}
}

// GetAddress returns the server address
func (c *Config) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate validates the server configuration
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.TLSEnabled && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return fmt.Errorf("TLS enabled but cert file or key file not specified")
	}

	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("read and write timeouts must be positive")
	}

	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		return fmt.Errorf("rate limit rps and burst must be positive")
	}

	if c.APIPrefix == "" || !strings.HasPrefix(c.APIPrefix, "/") {
		return fmt.Errorf("api prefix must start with /: %q", c.APIPrefix)
	}

	if _, err := url.ParseRequestURI(c.PublicURL); err != nil {
		return fmt.Errorf("invalid public url %q: %w", c.PublicURL, err)
	}

	if c.SiteSecret == "" {
		return fmt.Errorf("site secret is required")
	}

	switch c.SyncLog.Backend {
	case SyncLogMemory:
	case SyncLogRedis:
		if c.SyncLog.Redis == nil || c.SyncLog.Redis.Addr == "" {
			return fmt.Errorf("redis sync log requires an address")
		}
	default:
		return fmt.Errorf("unknown sync log backend: %s", c.SyncLog.Backend)
	}
	if c.SyncLog.Capacity <= 0 {
		return fmt.Errorf("sync log capacity must be positive")
	}

	if err := c.Sync.Defaults.Validate(); err != nil {
		return fmt.Errorf("invalid sync defaults: %w", err)
	}

	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}

	return nil
}

// IsDevelopment reports whether the server runs with a local sqlite database
func (c *Config) IsDevelopment() bool {
	return c.Database != nil && c.Database.Driver == database.DriverSQLite
}

// EncryptionConfig returns the envelope configuration, keyed by the site
// secret when no dedicated encryption secret is set
func (c *Config) EncryptionConfig() encryption.Config {
	cfg := c.Encryption
	if cfg.Secret == "" {
		cfg.Secret = c.SiteSecret
	}
	return cfg
}

// StateConfig returns the OAuth state configuration signed with the site secret
func (c *Config) StateConfig() *auth.StateConfig {
	cfg := auth.DefaultStateConfig()
	if c.AuthState != nil {
		*cfg = *c.AuthState
	}
	cfg.Secret = c.SiteSecret
	return cfg
}

// CallbackURL returns the OAuth redirect URL registered for a provider
func (c *Config) CallbackURL(provider storage.Provider) string {
	return strings.TrimRight(c.PublicURL, "/") + c.APIPrefix + "/providers/" + provider.String() + "/callback"
}

// ApplyCallbackURLs fills empty connector redirect URLs from the public URL
func (c *Config) ApplyCallbackURLs() {
	if c.Providers.GoogleDrive != nil && c.Providers.GoogleDrive.RedirectURL == "" {
		c.Providers.GoogleDrive.RedirectURL = c.CallbackURL(storage.ProviderGoogleDrive)
	}
	if c.Providers.Dropbox != nil && c.Providers.Dropbox.RedirectURL == "" {
		c.Providers.Dropbox.RedirectURL = c.CallbackURL(storage.ProviderDropbox)
	}
	if c.Providers.SharePoint != nil && c.Providers.SharePoint.RedirectURL == "" {
		c.Providers.SharePoint.RedirectURL = c.CallbackURL(storage.ProviderSharePoint)
	}
}

// ControllerConfig derives the browser-facing settings of the admin controller.
// OAuth flows return to AdminURL, or PublicURL when it is unset.
func (c *Config) ControllerConfig() api.ControllerConfig {
	returnURL := c.AdminURL
	if returnURL == "" {
		returnURL = c.PublicURL
	}
	return api.ControllerConfig{
		ReturnURL:    returnURL,
		CookiePath:   c.APIPrefix + "/providers",
		SecureCookie: c.TLSEnabled || strings.HasPrefix(c.PublicURL, "https://"),
	}
}
