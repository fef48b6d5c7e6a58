package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jscharber/coursemirror/pkg/auth"
	"github.com/jscharber/coursemirror/pkg/core"
	"github.com/jscharber/coursemirror/pkg/logger"
	"github.com/jscharber/coursemirror/pkg/settings"
	"github.com/jscharber/coursemirror/pkg/storage"
	"github.com/jscharber/coursemirror/pkg/storage/credentials"
)

// Notice is the outcome code shown to the administrator after an operation
type Notice string

const (
	NoticeConnected          Notice = "connected"
	NoticeRevoked            Notice = "revoked"
	NoticeSyncComplete       Notice = "sync-complete"
	NoticeOAuthError         Notice = "oauth-error"
	NoticeMissingCredentials Notice = "missing-credentials"
	NoticeInvalidService     Notice = "invalid-service"
	NoticeSyncFailed         Notice = "sync-failed"
)

// ErrInvalidService is returned for an unknown or unregistered provider
var ErrInvalidService = errors.New("invalid service")

// CredentialAdmin is the credential store surface the manager needs
type CredentialAdmin interface {
	credentials.Provider
	Connected(ctx context.Context, provider storage.Provider) bool
}

// SettingsAdmin is the settings surface the manager needs
type SettingsAdmin interface {
	settings.CursorRepository
	settings.GeneralRepository
}

// ManagerConfig holds the manager collaborators
type ManagerConfig struct {
	Engine      *Engine
	Scheduler   *Scheduler
	Registry    storage.ConnectorRegistry
	Credentials CredentialAdmin
	Settings    SettingsAdmin
	Mappings    core.MappingStore
	States      *auth.StateManager
	SyncLog     logger.SyncLog
	Logger      *zap.Logger
}

// Manager implements the administrative operations
type Manager struct {
	engine      *Engine
	scheduler   *Scheduler
	registry    storage.ConnectorRegistry
	credentials CredentialAdmin
	settings    SettingsAdmin
	mappings    core.MappingStore
	states      *auth.StateManager
	syncLog     logger.SyncLog
	logger      *zap.Logger
}

// NewManager creates a new admin manager
func NewManager(config ManagerConfig) *Manager {
	l := config.Logger
	if l == nil {
		l = zap.NewNop()
	}
	return &Manager{
		engine:      config.Engine,
		scheduler:   config.Scheduler,
		registry:    config.Registry,
		credentials: config.Credentials,
		settings:    config.Settings,
		mappings:    config.Mappings,
		states:      config.States,
		syncLog:     config.SyncLog,
		logger:      l,
	}
}

// Engine returns the reconciliation engine
func (m *Manager) Engine() *Engine {
	return m.engine
}

// SyncReport is the result of a manual or forced sync
type SyncReport struct {
	Notice   Notice        `json:"notice"`
	Push     PushResult    `json:"push"`
	Pull     []*PullResult `json:"pull"`
	Duration time.Duration `json:"duration"`
}

// ProviderStatus summarizes one provider for the settings screen
type ProviderStatus struct {
	Provider       storage.Provider `json:"provider"`
	Name           string           `json:"name"`
	Configured     bool             `json:"configured"`
	Connected      bool             `json:"connected"`
	HasCursor      bool             `json:"has_cursor"`
	Mappings       int              `json:"mappings"`
	ClientID       string           `json:"client_id,omitempty"`
	TokenExpiresAt *time.Time       `json:"token_expires_at,omitempty"`
}

// Connect returns the provider authorize URL for an OAuth flow bound to binding
func (m *Manager) Connect(ctx context.Context, slug, binding string) (string, Notice, error) {
	conn, err := m.connector(slug)
	if err != nil {
		return "", NoticeInvalidService, err
	}

	state, err := m.states.Issue(conn.Provider().String(), binding)
	if err != nil {
		return "", NoticeOAuthError, err
	}

	url, err := conn.AuthCodeURL(ctx, state)
	if err != nil {
		if storage.ErrorCode(err) == storage.ErrorCodeAuthUnavailable {
			return "", NoticeMissingCredentials, err
		}
		return "", NoticeOAuthError, err
	}

	m.logger.Info("oauth flow started", zap.String("provider", slug))
	return url, "", nil
}

// HandleOAuthCallback verifies state, exchanges code and stores the tokens.
// A new grant starts a fresh change feed.
func (m *Manager) HandleOAuthCallback(ctx context.Context, slug, code, state, binding string) (Notice, error) {
	conn, err := m.connector(slug)
	if err != nil {
		return NoticeInvalidService, err
	}
	provider := conn.Provider()
	log := m.logger.With(zap.String("provider", slug))

	if err := m.states.Verify(state, provider.String(), binding); err != nil {
		log.Warn("oauth callback rejected", zap.Error(err))
		return NoticeOAuthError, err
	}
	if code == "" {
		err := fmt.Errorf("authorization code missing")
		log.Warn("oauth callback rejected", zap.Error(err))
		return NoticeOAuthError, err
	}

	if _, err := conn.Exchange(ctx, code); err != nil {
		log.Error("oauth exchange failed", zap.Error(err))
		return NoticeOAuthError, err
	}

	if err := m.settings.DeleteCursor(ctx, provider); err != nil {
		log.Warn("failed to reset cursor", zap.Error(err))
	}

	log.Info("provider connected")
	return NoticeConnected, nil
}

// Revoke revokes the grant remotely on a best-effort basis and clears the
// local tokens. The client id and secret are kept so the provider can be
// reconnected without re-entering them; ClearCredentials removes everything.
func (m *Manager) Revoke(ctx context.Context, slug string) (Notice, error) {
	conn, err := m.connector(slug)
	if err != nil {
		return NoticeInvalidService, err
	}

	if err := conn.Revoke(ctx); err != nil {
		m.logger.Error("revoke failed", zap.String("provider", slug), zap.Error(err))
		return NoticeOAuthError, err
	}

	m.logger.Info("provider disconnected", zap.String("provider", slug))
	return NoticeRevoked, nil
}

// ManualSync pushes every entity and then pulls every provider
func (m *Manager) ManualSync(ctx context.Context) *SyncReport {
	return m.runSync(ctx, false)
}

// ForceSync is ManualSync that also re-issues unchanged renames
func (m *Manager) ForceSync(ctx context.Context) *SyncReport {
	return m.runSync(ctx, true)
}

// PullProvider pulls a single provider
func (m *Manager) PullProvider(ctx context.Context, slug string) (*PullResult, Notice, error) {
	conn, err := m.connector(slug)
	if err != nil {
		return nil, NoticeInvalidService, err
	}

	result, err := m.engine.Pull(ctx, conn.Provider())
	if err != nil {
		return result, NoticeSyncFailed, err
	}
	return result, NoticeSyncComplete, nil
}

// RebuildStructure drops all mappings and recreates remote folders
func (m *Manager) RebuildStructure(ctx context.Context) (PushResult, Notice, error) {
	result, err := m.engine.RebuildStructure(ctx)
	if err != nil {
		return result, NoticeSyncFailed, err
	}
	return result, NoticeSyncComplete, nil
}

// CleanupOrphanedMappings removes mappings of deleted entities
func (m *Manager) CleanupOrphanedMappings(ctx context.Context) (int, error) {
	return m.engine.CleanupOrphanedMappings(ctx)
}

// Status returns the state of every registered provider
func (m *Manager) Status(ctx context.Context) ([]ProviderStatus, error) {
	var out []ProviderStatus
	for _, provider := range m.registry.List() {
		creds, err := m.credentials.Get(ctx, provider)
		if err != nil {
			return nil, err
		}
		cursor, err := m.settings.LoadCursor(ctx, provider)
		if err != nil {
			return nil, fmt.Errorf("failed to load cursor for %s: %w", provider, err)
		}
		mappings, err := m.mappings.ListMappings(ctx, provider)
		if err != nil {
			return nil, fmt.Errorf("failed to list mappings for %s: %w", provider, err)
		}

		status := ProviderStatus{
			Provider:   provider,
			Name:       provider.DisplayName(),
			Configured: creds.HasClient(),
			Connected:  creds.Connected(),
			HasCursor:  cursor != "",
			Mappings:   len(mappings),
			ClientID:   creds.ClientID,
		}
		if !creds.TokenExpiresAt.IsZero() {
			expires := creds.TokenExpiresAt
			status.TokenExpiresAt = &expires
		}
		out = append(out, status)
	}
	return out, nil
}

// SchedulerStatus returns the recurring pull state
func (m *Manager) SchedulerStatus() SchedulerStatus {
	return m.scheduler.Status()
}

// SaveCredentials stores the OAuth client of a provider. A blank secret keeps the stored one.
func (m *Manager) SaveCredentials(ctx context.Context, slug, clientID, clientSecret string) error {
	provider, err := m.provider(slug)
	if err != nil {
		return err
	}
	return m.credentials.Set(ctx, provider, credentials.Update{
		ClientID:     credentials.String(clientID),
		ClientSecret: credentials.String(clientSecret),
	})
}

// ClearCredentials wipes every stored credential field and the cursor of a provider
func (m *Manager) ClearCredentials(ctx context.Context, slug string) error {
	provider, err := m.provider(slug)
	if err != nil {
		return err
	}
	if err := m.credentials.Clear(ctx, provider); err != nil {
		return err
	}
	if err := m.settings.DeleteCursor(ctx, provider); err != nil {
		return fmt.Errorf("failed to delete cursor: %w", err)
	}
	return nil
}

// GeneralSettings returns the general sync settings
func (m *Manager) GeneralSettings(ctx context.Context) (settings.General, error) {
	return m.settings.LoadGeneral(ctx)
}

// UpdateGeneralSettings validates and saves general settings, then re-arms the scheduler
func (m *Manager) UpdateGeneralSettings(ctx context.Context, general settings.General) error {
	if err := general.Validate(); err != nil {
		return err
	}
	if err := m.settings.SaveGeneral(ctx, general); err != nil {
		return fmt.Errorf("failed to save general settings: %w", err)
	}
	if err := m.scheduler.Apply(general); err != nil {
		return err
	}
	m.logger.Info("general settings updated",
		zap.Bool("auto_sync", general.AutoSync),
		zap.String("interval", string(general.Interval)),
		zap.String("priority", string(general.Priority)),
	)
	return nil
}

// Logs returns the newest sync log entries
func (m *Manager) Logs(ctx context.Context, limit int) ([]logger.Entry, error) {
	return m.syncLog.Entries(ctx, limit)
}

// LogCapacity returns how many entries the sync log keeps
func (m *Manager) LogCapacity() int {
	return m.syncLog.Capacity()
}

// ClearLogs empties the sync log
func (m *Manager) ClearLogs(ctx context.Context) error {
	return m.syncLog.Clear(ctx)
}

// Helper methods

func (m *Manager) runSync(ctx context.Context, force bool) *SyncReport {
	start := time.Now()
	report := &SyncReport{Notice: NoticeSyncComplete}

	push, err := m.engine.PushAll(ctx, force)
	report.Push = push
	if err != nil {
		report.Notice = NoticeSyncFailed
	}

	report.Pull = m.engine.PullAll(ctx)
	for _, r := range report.Pull {
		if r.Failed {
			report.Notice = NoticeSyncFailed
		}
	}

	report.Duration = time.Since(start)
	m.logger.Info("sync run finished",
		zap.Bool("force", force),
		zap.String("notice", string(report.Notice)),
		zap.Duration("duration", report.Duration),
	)
	return report
}

func (m *Manager) provider(slug string) (storage.Provider, error) {
	provider, err := storage.ParseProvider(slug)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidService, slug)
	}
	return provider, nil
}

func (m *Manager) connector(slug string) (storage.Connector, error) {
	provider, err := m.provider(slug)
	if err != nil {
		return nil, err
	}
	conn, err := m.registry.Get(provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidService, slug)
	}
	return conn, nil
}
