// Package settings defines the typed settings groups the sync service persists:
// provider credentials, general sync options and change cursors.
package settings

import (
	"context"
	"fmt"
	"time"

	"github.com/jscharber/coursemirror/pkg/storage"
)

// Interval is the polling cadence of the scheduler
type Interval string

const (
	Interval5m     Interval = "5m"
	Interval10m    Interval = "10m"
	Interval30m    Interval = "30m"
	IntervalManual Interval = "manual"
)

// ParseInterval validates an interval value
func ParseInterval(s string) (Interval, error) {
	switch i := Interval(s); i {
	case Interval5m, Interval10m, Interval30m, IntervalManual:
		return i, nil
	}
	return "", fmt.Errorf("invalid sync interval %q (expected 5m, 10m, 30m or manual)", s)
}

// Duration returns the cadence, or false for manual mode
func (i Interval) Duration() (time.Duration, bool) {
	switch i {
	case Interval5m:
		return 5 * time.Minute, true
	case Interval10m:
		return 10 * time.Minute, true
	case Interval30m:
		return 30 * time.Minute, true
	}
	return 0, false
}

// Priority decides which side wins when a mapped folder is renamed remotely
type Priority string

const (
	PriorityLocal  Priority = "local"
	PriorityRemote Priority = "remote"
)

// General holds the general sync settings group
type General struct {
	AutoSync bool     `json:"auto_sync" yaml:"auto_sync" env:"AUTO_SYNC"`
	Interval Interval `json:"interval" yaml:"interval" env:"INTERVAL"`
	Priority Priority `json:"priority" yaml:"priority" env:"PRIORITY"`
}

// DefaultGeneral returns the settings used before anything is saved
func DefaultGeneral() General {
	return General{
		AutoSync: false,
		Interval: Interval10m,
		Priority: PriorityLocal,
	}
}

// Validate checks the general settings
func (g General) Validate() error {
	if _, err := ParseInterval(string(g.Interval)); err != nil {
		return err
	}
	switch g.Priority {
	case PriorityLocal, PriorityRemote:
	default:
		return fmt.Errorf("invalid sync priority %q (expected local or remote)", g.Priority)
	}
	return nil
}

// Armed reports whether a recurring pull should be scheduled
func (g General) Armed() (time.Duration, bool) {
	if !g.AutoSync {
		return 0, false
	}
	return g.Interval.Duration()
}

// CredentialRecord maps credential field names to their at-rest values
type CredentialRecord map[string]string

// Clone returns a copy of the record
func (r CredentialRecord) Clone() CredentialRecord {
	out := make(CredentialRecord, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// CredentialRepository is the credentials settings group
type CredentialRepository interface {
	LoadCredentials(ctx context.Context, provider storage.Provider) (CredentialRecord, error)
	SaveCredentials(ctx context.Context, provider storage.Provider, record CredentialRecord) error
	DeleteCredentials(ctx context.Context, provider storage.Provider) error

	// Compat snapshot of the at-rest record, kept for consumers of the legacy single-blob layout
	LoadCredentialSnapshot(ctx context.Context, provider storage.Provider) ([]byte, error)
	SaveCredentialSnapshot(ctx context.Context, provider storage.Provider, snapshot []byte) error
}

// GeneralRepository is the general settings group
type GeneralRepository interface {
	LoadGeneral(ctx context.Context) (General, error)
	SaveGeneral(ctx context.Context, general General) error
}

// CursorRepository is the change cursor group
type CursorRepository interface {
	LoadCursor(ctx context.Context, provider storage.Provider) (string, error)
	SaveCursor(ctx context.Context, provider storage.Provider, cursor string) error
	DeleteCursor(ctx context.Context, provider storage.Provider) error
}

// Repository exposes every settings group
type Repository interface {
	CredentialRepository
	GeneralRepository
	CursorRepository
}
