package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// Provider identifies a remote cloud-storage service
type Provider string

const (
	ProviderGoogleDrive Provider = "google_drive"
	ProviderDropbox     Provider = "dropbox"
	ProviderSharePoint  Provider = "sharepoint"
)

// AllProviders lists every supported provider in display order
var AllProviders = []Provider{
	ProviderGoogleDrive,
	ProviderDropbox,
	ProviderSharePoint,
}

// ParseProvider converts a provider slug into a Provider
func ParseProvider(slug string) (Provider, error) {
	p := Provider(slug)
	if !p.Valid() {
		return "", NewStorageError(ErrorCodeUnsupportedProvider, fmt.Sprintf("unknown provider %q", slug), p, "", nil)
	}
	return p, nil
}

// Valid reports whether p is one of the supported providers
func (p Provider) Valid() bool {
	switch p {
	case ProviderGoogleDrive, ProviderDropbox, ProviderSharePoint:
		return true
	}
	return false
}

// DisplayName returns the human-readable provider name
func (p Provider) DisplayName() string {
	switch p {
	case ProviderGoogleDrive:
		return "Google Drive"
	case ProviderDropbox:
		return "Dropbox"
	case ProviderSharePoint:
		return "SharePoint"
	}
	return string(p)
}

func (p Provider) String() string {
	return string(p)
}

// ItemType distinguishes files from folders in a listing
type ItemType string

const (
	ItemTypeFile   ItemType = "file"
	ItemTypeFolder ItemType = "folder"
)

// FolderItem is a single child returned by ListFolderItems
type FolderItem struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Type        ItemType  `json:"type"`
	Size        int64     `json:"size"`
	Modified    time.Time `json:"modified"`
	WebURL      string    `json:"web_url,omitempty"`
	ChildCount  int       `json:"child_count"`
	HasChildren bool      `json:"has_children"`
}

// ChangeEntry is one record of a provider change feed
type ChangeEntry struct {
	RemoteID string `json:"remote_id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
	IsFolder bool   `json:"is_folder"`
	Deleted  bool   `json:"deleted"`
	// AtRoot is true when the item sits directly under the configured sync root
	AtRoot bool `json:"at_root"`
}

// ChangeSet is the result of ListChanges
type ChangeSet struct {
	Entries    []ChangeEntry `json:"entries"`
	NextCursor string        `json:"next_cursor"`
}

// FolderConnector translates folder operations into provider API calls.
// remote ids are opaque to callers; some providers use ids, others paths.
type FolderConnector interface {
	// Provider returns the provider this connector talks to
	Provider() Provider

	// CreateFolder creates a folder under parentID, or under the sync root when parentID is empty
	CreateFolder(ctx context.Context, name, parentID string) (string, error)

	// RenameFolder renames a folder and returns its (possibly new) remote id
	RenameFolder(ctx context.Context, remoteID, newName string) (string, error)

	// DeleteFolder removes a folder
	DeleteFolder(ctx context.Context, remoteID string) error

	// ListChanges returns changes since cursor. An empty cursor bootstraps a fresh one.
	ListChanges(ctx context.Context, cursor string) (*ChangeSet, error)

	// ListFolderItems lists the children of parentID, or of the sync root when empty
	ListFolderItems(ctx context.Context, parentID string) ([]FolderItem, error)
}

// Authorizer covers the OAuth handshake for a provider
type Authorizer interface {
	// AuthCodeURL builds the provider authorize URL carrying state
	AuthCodeURL(ctx context.Context, state string) (string, error)

	// Exchange trades an authorization code for tokens and persists them
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)

	// Revoke asks the provider to invalidate the stored tokens
	Revoke(ctx context.Context) error
}

// Connector is a full provider implementation
type Connector interface {
	FolderConnector
	Authorizer
}

// RemoteIDRebaser is implemented by connectors whose remote ids encode ancestry.
// After a folder moves from oldID to newID, descendants must be rewritten.
type RemoteIDRebaser interface {
	RebaseRemoteID(childID, oldParentID, newParentID string) (string, bool)
}

// StorageError represents errors that occur during connector operations
type StorageError struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Provider Provider `json:"provider"`
	URL      string   `json:"url,omitempty"`
	Cause    error    `json:"-"`
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Common error codes
const (
	ErrorCodeAuthUnavailable      = "AUTH_UNAVAILABLE"
	ErrorCodeAuthenticationFailed = "AUTHENTICATION_FAILED"
	ErrorCodeNetworkError         = "NETWORK_ERROR"
	ErrorCodeNotFound             = "NOT_FOUND"
	ErrorCodeRemoteError          = "REMOTE_ERROR"
	ErrorCodeInvalidResponse      = "INVALID_RESPONSE"
	ErrorCodeUnsupportedProvider  = "UNSUPPORTED_PROVIDER"
	ErrorCodeRateLimited          = "RATE_LIMITED"
)

// NewStorageError creates a new storage error
func NewStorageError(code, message string, provider Provider, url string, cause error) *StorageError {
	return &StorageError{
		Code:     code,
		Message:  message,
		Provider: provider,
		URL:      url,
		Cause:    cause,
	}
}

// ErrorCode extracts the StorageError code from err, or "" if err is not one
func ErrorCode(err error) string {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsAuthError reports whether err means the provider has no usable credentials
func IsAuthError(err error) bool {
	code := ErrorCode(err)
	return code == ErrorCodeAuthUnavailable || code == ErrorCodeAuthenticationFailed
}

// IsNotFound reports whether err is a remote not-found error
func IsNotFound(err error) bool {
	return ErrorCode(err) == ErrorCodeNotFound
}
