package api

import (
	"github.com/jscharber/coursemirror/pkg/core"
	"github.com/jscharber/coursemirror/pkg/explorer"
	"github.com/jscharber/coursemirror/pkg/logger"
	"github.com/jscharber/coursemirror/pkg/settings"
	"github.com/jscharber/coursemirror/pkg/sync"
)

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string      `json:"error"`
	Details string      `json:"details,omitempty"`
	Notice  sync.Notice `json:"notice,omitempty"`
}

// NoticeResponse carries the outcome code of an admin action
type NoticeResponse struct {
	Notice sync.Notice `json:"notice"`
}

// ProvidersResponse lists provider state and the scheduler
type ProvidersResponse struct {
	Providers []sync.ProviderStatus `json:"providers"`
	Scheduler sync.SchedulerStatus  `json:"scheduler"`
}

// CredentialsRequest sets the OAuth client of a provider
type CredentialsRequest struct {
	ClientID     string `json:"client_id" binding:"required"`
	ClientSecret string `json:"client_secret"`
}

// ItemsResponse is one explorer listing
type ItemsResponse struct {
	Provider string          `json:"provider"`
	Parent   string          `json:"parent"`
	Items    []explorer.Item `json:"items"`
}

// PullResponse is the result of a single provider pull
type PullResponse struct {
	Notice sync.Notice      `json:"notice"`
	Result *sync.PullResult `json:"result,omitempty"`
}

// RebuildResponse is the result of a structure rebuild
type RebuildResponse struct {
	Notice sync.Notice     `json:"notice"`
	Result sync.PushResult `json:"result"`
}

// CleanupResponse reports removed orphaned mappings
type CleanupResponse struct {
	Notice  sync.Notice `json:"notice"`
	Removed int         `json:"removed"`
}

// GeneralSettingsResponse is the general settings group with scheduler state
type GeneralSettingsResponse struct {
	Settings  settings.General     `json:"settings"`
	Scheduler sync.SchedulerStatus `json:"scheduler"`
}

// LogsResponse is the newest part of the sync log
type LogsResponse struct {
	Entries  []logger.Entry `json:"entries"`
	Capacity int            `json:"capacity"`
}

// EntityEventResponse reports the push caused by a content event
type EntityEventResponse struct {
	Entity *core.Entity    `json:"entity,omitempty"`
	Push   sync.PushResult `json:"push"`
}
