// Package sharepoint implements the folder connector for SharePoint and
// OneDrive document libraries through Microsoft Graph.
package sharepoint

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/jscharber/coursemirror/pkg/connectors"
	"github.com/jscharber/coursemirror/pkg/storage"
	"github.com/jscharber/coursemirror/pkg/storage/credentials"
)

// SharePointConnector implements storage.Connector over Microsoft Graph
type SharePointConnector struct {
	*connectors.Base
	config *SharePointConfig

	rootMu sync.Mutex
	rootID string
}

// SharePointConfig contains configuration for SharePoint integration
type SharePointConfig struct {
	connectors.Config `yaml:",inline" env:",inline"`

	// TenantID selects the Azure AD tenant; "common" accepts any
	TenantID string `yaml:"tenant_id" json:"tenant_id" env:"TENANT_ID"`
	// DriveID addresses a document library directly
	DriveID string `yaml:"drive_id" json:"drive_id" env:"DRIVE_ID"`
	// SiteID selects the default library of a site when DriveID is empty
	SiteID string `yaml:"site_id" json:"site_id" env:"SITE_ID"`
	// ConflictBehavior applies when a folder with the same name exists
	ConflictBehavior string `yaml:"conflict_behavior" json:"conflict_behavior" env:"CONFLICT_BEHAVIOR"`
	PageSize         int    `yaml:"page_size" json:"page_size" env:"PAGE_SIZE"`
}

// DefaultSharePointConfig returns default SharePoint configuration
func DefaultSharePointConfig() *SharePointConfig {
	cfg := connectors.DefaultConfig()
	cfg.BaseURL = "https://graph.microsoft.com/v1.0"
	return &SharePointConfig{
		Config:           cfg,
		TenantID:         "common",
		ConflictBehavior: "rename",
		PageSize:         200,
	}
}

// NewSharePointConnector creates a new SharePoint connector
func NewSharePointConnector(config *SharePointConfig, creds credentials.Provider, logger *zap.Logger) *SharePointConnector {
	defaults := DefaultSharePointConfig()
	if config == nil {
		config = defaults
	}
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.TenantID == "" {
		config.TenantID = defaults.TenantID
	}
	if config.ConflictBehavior == "" {
		config.ConflictBehavior = defaults.ConflictBehavior
	}
	if config.PageSize <= 0 {
		config.PageSize = defaults.PageSize
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	endpoint := oauth2.Endpoint{
		AuthURL:  fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/authorize", config.TenantID),
		TokenURL: fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", config.TenantID),
	}
	scopes := []string{
		"https://graph.microsoft.com/Files.ReadWrite.All",
		"https://graph.microsoft.com/Sites.ReadWrite.All",
		"offline_access",
	}

	return &SharePointConnector{
		Base:   connectors.NewBase(storage.ProviderSharePoint, config.Config, endpoint, scopes, creds, logger),
		config: config,
	}
}

// AuthCodeURL builds the Microsoft consent URL
func (c *SharePointConnector) AuthCodeURL(ctx context.Context, state string) (string, error) {
	return c.Base.AuthCodeURL(ctx, state, oauth2.SetAuthURLParam("response_mode", "query"))
}

// Revoke forgets the local tokens. Graph offers no per-grant revocation
// endpoint for delegated refresh tokens.
func (c *SharePointConnector) Revoke(ctx context.Context) error {
	if err := c.ForgetTokens(ctx); err != nil {
		return err
	}
	c.Logger().Info("tokens forgotten; grant remains until it expires or is revoked in Azure AD")
	return nil
}

// CreateFolder creates name under parentID, or under the sync root
func (c *SharePointConnector) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	ctx, span := c.StartSpan(ctx, "create_folder", attribute.String("parent_id", parentID))
	var err error
	defer func() { connectors.EndSpan(span, err) }()

	var item DriveItem
	err = c.DoJSON(ctx, connectors.Request{
		Method: http.MethodPost,
		URL:    c.itemURL(parentID) + "/children",
		Body: CreateFolderRequest{
			Name:             name,
			ConflictBehavior: c.config.ConflictBehavior,
		},
	}, &item)
	if err != nil {
		return "", err
	}
	if item.ID == "" {
		err = storage.NewStorageError(storage.ErrorCodeInvalidResponse, "created item has no id", c.Provider(), "", nil)
		return "", err
	}

	c.Logger().Info("remote folder created", zap.String("remote_id", item.ID), zap.String("name", name))
	return item.ID, nil
}

// RenameFolder renames an item; Graph ids are stable so the id is returned unchanged
func (c *SharePointConnector) RenameFolder(ctx context.Context, remoteID, newName string) (string, error) {
	ctx, span := c.StartSpan(ctx, "rename_folder", attribute.String("remote_id", remoteID))
	var err error
	defer func() { connectors.EndSpan(span, err) }()

	err = c.DoJSON(ctx, connectors.Request{
		Method: http.MethodPatch,
		URL:    c.driveURL() + "/items/" + url.PathEscape(remoteID),
		Body:   RenameRequest{Name: newName},
	}, nil)
	if err != nil {
		return "", err
	}

	c.Logger().Info("remote folder renamed", zap.String("remote_id", remoteID), zap.String("name", newName))
	return remoteID, nil
}

// DeleteFolder deletes an item and everything under it
func (c *SharePointConnector) DeleteFolder(ctx context.Context, remoteID string) error {
	ctx, span := c.StartSpan(ctx, "delete_folder", attribute.String("remote_id", remoteID))
	var err error
	defer func() { connectors.EndSpan(span, err) }()

	err = c.DoJSON(ctx, connectors.Request{
		Method: http.MethodDelete,
		URL:    c.driveURL() + "/items/" + url.PathEscape(remoteID),
	}, nil)
	if err != nil {
		return err
	}

	c.Logger().Info("remote folder deleted", zap.String("remote_id", remoteID))
	return nil
}

// ListChanges follows the delta feed from cursor, which is a delta link.
// An empty cursor is first replaced by the link returned for token=latest.
func (c *SharePointConnector) ListChanges(ctx context.Context, cursor string) (*storage.ChangeSet, error) {
	ctx, span := c.StartSpan(ctx, "list_changes", attribute.Bool("bootstrap", cursor == ""))
	var err error
	defer func() { connectors.EndSpan(span, err) }()

	if cursor == "" {
		cursor, err = c.latestDeltaLink(ctx)
		if err != nil {
			return nil, err
		}
	}

	rootID, err := c.resolveRoot(ctx)
	if err != nil {
		return nil, err
	}

	result := &storage.ChangeSet{}
	link := cursor
	for link != "" {
		var page DriveItemPage
		err = c.DoJSON(ctx, connectors.Request{Method: http.MethodGet, URL: link}, &page)
		if err != nil {
			return nil, err
		}

		for _, item := range page.Value {
			if entry, ok := convertChange(item, rootID); ok {
				result.Entries = append(result.Entries, entry)
			}
		}

		if page.DeltaLink != "" {
			result.NextCursor = page.DeltaLink
			break
		}
		link = page.NextLink
	}

	if result.NextCursor == "" {
		err = storage.NewStorageError(storage.ErrorCodeInvalidResponse, "delta feed ended without a delta link", c.Provider(), "", nil)
		return nil, err
	}
	return result, nil
}

// ListFolderItems lists the children of parentID, or of the sync root
func (c *SharePointConnector) ListFolderItems(ctx context.Context, parentID string) ([]storage.FolderItem, error) {
	ctx, span := c.StartSpan(ctx, "list_folder_items", attribute.String("parent_id", parentID))
	var err error
	defer func() { connectors.EndSpan(span, err) }()

	var items []storage.FolderItem
	link := fmt.Sprintf("%s/children?$top=%d", c.itemURL(parentID), c.config.PageSize)
	for link != "" {
		var page DriveItemPage
		err = c.DoJSON(ctx, connectors.Request{Method: http.MethodGet, URL: link}, &page)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Value {
			items = append(items, convertItem(item))
		}
		link = page.NextLink
	}
	return items, nil
}

// Helper methods

// driveURL addresses the configured library
func (c *SharePointConnector) driveURL() string {
	switch {
	case c.config.DriveID != "":
		return c.config.BaseURL + "/drives/" + url.PathEscape(c.config.DriveID)
	case c.config.SiteID != "":
		return c.config.BaseURL + "/sites/" + url.PathEscape(c.config.SiteID) + "/drive"
	default:
		return c.config.BaseURL + "/me/drive"
	}
}

// itemURL addresses id, the configured root folder, or the library root
func (c *SharePointConnector) itemURL(id string) string {
	if id == "" {
		id = c.config.RootFolderID
	}
	if id == "" {
		return c.driveURL() + "/root"
	}
	return c.driveURL() + "/items/" + url.PathEscape(id)
}

func (c *SharePointConnector) latestDeltaLink(ctx context.Context) (string, error) {
	var page DriveItemPage
	err := c.DoJSON(ctx, connectors.Request{
		Method: http.MethodGet,
		URL:    c.driveURL() + "/root/delta?token=latest",
	}, &page)
	if err != nil {
		return "", err
	}
	if page.DeltaLink == "" {
		return "", storage.NewStorageError(storage.ErrorCodeInvalidResponse, "bootstrap returned no delta link", c.Provider(), "", nil)
	}
	c.Logger().Info("change feed bootstrapped")
	return page.DeltaLink, nil
}

func (c *SharePointConnector) resolveRoot(ctx context.Context) (string, error) {
	if c.config.RootFolderID != "" {
		return c.config.RootFolderID, nil
	}

	c.rootMu.Lock()
	defer c.rootMu.Unlock()
	if c.rootID != "" {
		return c.rootID, nil
	}

	var root DriveItem
	if err := c.DoJSON(ctx, connectors.Request{Method: http.MethodGet, URL: c.driveURL() + "/root?$select=id"}, &root); err != nil {
		return "", err
	}
	c.rootID = root.ID
	return c.rootID, nil
}

func convertChange(item DriveItem, rootID string) (storage.ChangeEntry, bool) {
	if item.ID == "" || item.Root != nil || item.File != nil {
		return storage.ChangeEntry{}, false
	}

	entry := storage.ChangeEntry{
		RemoteID: item.ID,
		Name:     item.Name,
		IsFolder: item.Folder != nil,
		Deleted:  item.Deleted != nil,
	}
	if item.ParentReference != nil {
		entry.ParentID = item.ParentReference.ID
		entry.AtRoot = item.ParentReference.ID == rootID
	}
	return entry, true
}

func convertItem(item DriveItem) storage.FolderItem {
	out := storage.FolderItem{
		ID:       item.ID,
		Name:     item.Name,
		Type:     storage.ItemTypeFile,
		Size:     item.Size,
		Modified: item.LastModifiedDateTime,
		WebURL:   item.WebURL,
	}
	if item.Folder != nil {
		out.Type = storage.ItemTypeFolder
		out.ChildCount = item.Folder.ChildCount
		out.HasChildren = item.Folder.ChildCount > 0
	}
	return out
}
