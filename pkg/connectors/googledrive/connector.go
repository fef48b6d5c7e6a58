package googledrive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/jscharber/coursemirror/pkg/connectors"
	"github.com/jscharber/coursemirror/pkg/storage"
	"github.com/jscharber/coursemirror/pkg/storage/credentials"
)

const (
	folderMimeType = "application/vnd.google-apps.folder"
	rootAlias      = "root"

	changeFields = "nextPageToken,newStartPageToken,changes(fileId,removed,file(id,name,mimeType,parents,trashed))"
	listFields   = "nextPageToken,files(id,name,mimeType,size,modifiedTime,webViewLink)"
)

// GoogleDriveConnector implements storage.Connector for Google Drive
type GoogleDriveConnector struct {
	*connectors.Base
	config *GoogleDriveConfig

	// resolved id of the sync root, since change records carry real ids, never the alias
	rootMu sync.Mutex
	rootID string
}

// GoogleDriveConfig contains configuration for the Google Drive connector
type GoogleDriveConfig struct {
	connectors.Config `yaml:",inline" env:",inline"`

	RevokeURL         string `yaml:"revoke_url" json:"revoke_url" env:"REVOKE_URL"`
	SupportsAllDrives bool   `yaml:"supports_all_drives" json:"supports_all_drives" env:"SUPPORTS_ALL_DRIVES"`
}

// DefaultGoogleDriveConfig returns default configuration
func DefaultGoogleDriveConfig() *GoogleDriveConfig {
	return &GoogleDriveConfig{
		Config:    connectors.DefaultConfig(),
		RevokeURL: "https://oauth2.googleapis.com/revoke",
	}
}

// NewGoogleDriveConnector creates a new Google Drive connector
func NewGoogleDriveConnector(config *GoogleDriveConfig, creds credentials.Provider, logger *zap.Logger) *GoogleDriveConnector {
	if config == nil {
		config = DefaultGoogleDriveConfig()
	}
	if config.RevokeURL == "" {
		config.RevokeURL = DefaultGoogleDriveConfig().RevokeURL
	}

	return &GoogleDriveConnector{
		Base:   connectors.NewBase(storage.ProviderGoogleDrive, config.Config, google.Endpoint, []string{drive.DriveScope}, creds, logger),
		config: config,
	}
}

// CreateFolder creates a folder under parentID, or under the sync root
func (c *GoogleDriveConnector) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	ctx, span := c.StartSpan(ctx, "create_folder", attribute.String("parent_id", parentID))
	var err error
	defer func() { connectors.EndSpan(span, err) }()

	svc, err := c.service(ctx)
	if err != nil {
		return "", err
	}

	parent := parentID
	if parent == "" {
		parent = c.rootRef()
	}

	file, err := svc.Files.Create(&drive.File{
		Name:     name,
		MimeType: folderMimeType,
		Parents:  []string{parent},
	}).Fields("id").SupportsAllDrives(c.config.SupportsAllDrives).Context(ctx).Do()
	if err != nil {
		err = c.mapError(err, "files.create")
		return "", err
	}

	c.Logger().Info("remote folder created", zap.String("remote_id", file.Id), zap.String("name", name))
	return file.Id, nil
}

// RenameFolder renames a folder; Drive ids are stable so the id is returned unchanged
func (c *GoogleDriveConnector) RenameFolder(ctx context.Context, remoteID, newName string) (string, error) {
	ctx, span := c.StartSpan(ctx, "rename_folder", attribute.String("remote_id", remoteID))
	var err error
	defer func() { connectors.EndSpan(span, err) }()

	svc, err := c.service(ctx)
	if err != nil {
		return "", err
	}

	_, err = svc.Files.Update(remoteID, &drive.File{Name: newName}).
		Fields("id").SupportsAllDrives(c.config.SupportsAllDrives).Context(ctx).Do()
	if err != nil {
		err = c.mapError(err, "files.update")
		return "", err
	}

	c.Logger().Info("remote folder renamed", zap.String("remote_id", remoteID), zap.String("name", newName))
	return remoteID, nil
}

// DeleteFolder deletes a folder and everything under it
func (c *GoogleDriveConnector) DeleteFolder(ctx context.Context, remoteID string) error {
	ctx, span := c.StartSpan(ctx, "delete_folder", attribute.String("remote_id", remoteID))
	var err error
	defer func() { connectors.EndSpan(span, err) }()

	svc, err := c.service(ctx)
	if err != nil {
		return err
	}

	err = svc.Files.Delete(remoteID).SupportsAllDrives(c.config.SupportsAllDrives).Context(ctx).Do()
	if err != nil {
		err = c.mapError(err, "files.delete")
		return err
	}

	c.Logger().Info("remote folder deleted", zap.String("remote_id", remoteID))
	return nil
}

// ListChanges pages through the change feed from cursor. An empty cursor
// is first replaced by a fresh start page token.
func (c *GoogleDriveConnector) ListChanges(ctx context.Context, cursor string) (*storage.ChangeSet, error) {
	ctx, span := c.StartSpan(ctx, "list_changes", attribute.Bool("bootstrap", cursor == ""))
	var err error
	defer func() { connectors.EndSpan(span, err) }()

	svc, err := c.service(ctx)
	if err != nil {
		return nil, err
	}

	if cursor == "" {
		cursor, err = c.startPageToken(ctx, svc)
		if err != nil {
			return nil, err
		}
	}

	rootID, err := c.resolveRoot(ctx, svc)
	if err != nil {
		return nil, err
	}

	result := &storage.ChangeSet{}
	page := cursor
	for page != "" {
		if err = c.Wait(ctx); err != nil {
			return nil, err
		}

		var list *drive.ChangeList
		list, err = svc.Changes.List(page).
			Fields(changeFields).
			IncludeRemoved(true).
			IncludeItemsFromAllDrives(c.config.SupportsAllDrives).
			SupportsAllDrives(c.config.SupportsAllDrives).
			PageSize(1000).
			Context(ctx).Do()
		if err != nil {
			err = c.mapError(err, "changes.list")
			return nil, err
		}

		for _, change := range list.Changes {
			if entry, ok := c.convertChange(change, rootID); ok {
				result.Entries = append(result.Entries, entry)
			}
		}

		if list.NewStartPageToken != "" {
			result.NextCursor = list.NewStartPageToken
			break
		}
		page = list.NextPageToken
	}

	if result.NextCursor == "" {
		err = storage.NewStorageError(storage.ErrorCodeInvalidResponse, "change feed ended without a new start page token", c.Provider(), "", nil)
		return nil, err
	}
	return result, nil
}

// ListFolderItems lists the children of parentID, or of the sync root
func (c *GoogleDriveConnector) ListFolderItems(ctx context.Context, parentID string) ([]storage.FolderItem, error) {
	ctx, span := c.StartSpan(ctx, "list_folder_items", attribute.String("parent_id", parentID))
	var err error
	defer func() { connectors.EndSpan(span, err) }()

	svc, err := c.service(ctx)
	if err != nil {
		return nil, err
	}

	parent := parentID
	if parent == "" {
		parent = c.rootRef()
	}

	var items []storage.FolderItem
	err = svc.Files.List().
		Q(fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(parent))).
		Fields(listFields).
		OrderBy("folder,name").
		IncludeItemsFromAllDrives(c.config.SupportsAllDrives).
		SupportsAllDrives(c.config.SupportsAllDrives).
		PageSize(1000).
		Pages(ctx, func(list *drive.FileList) error {
			for _, f := range list.Files {
				items = append(items, convertFile(f))
			}
			return nil
		})
	if err != nil {
		err = c.mapError(err, "files.list")
		return nil, err
	}
	return items, nil
}

// Helper methods

// service builds a Drive client bound to a current access token
func (c *GoogleDriveConnector) service(ctx context.Context) (*drive.Service, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.Wait(ctx); err != nil {
		return nil, err
	}

	base := context.WithValue(ctx, oauth2.HTTPClient, c.HTTPClient())
	client := oauth2.NewClient(base, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	client.Timeout = c.Config().Timeout

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if c.Config().BaseURL != "" {
		opts = append(opts, option.WithEndpoint(c.Config().BaseURL))
	}

	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Drive service: %w", err)
	}
	return svc, nil
}

func (c *GoogleDriveConnector) startPageToken(ctx context.Context, svc *drive.Service) (string, error) {
	start, err := svc.Changes.GetStartPageToken().
		SupportsAllDrives(c.config.SupportsAllDrives).
		Context(ctx).Do()
	if err != nil {
		return "", c.mapError(err, "changes.getStartPageToken")
	}
	if start.StartPageToken == "" {
		return "", storage.NewStorageError(storage.ErrorCodeInvalidResponse, "empty start page token", c.Provider(), "", nil)
	}
	c.Logger().Info("change feed bootstrapped", zap.String("cursor", start.StartPageToken))
	return start.StartPageToken, nil
}

func (c *GoogleDriveConnector) rootRef() string {
	if c.config.RootFolderID != "" {
		return c.config.RootFolderID
	}
	return rootAlias
}

func (c *GoogleDriveConnector) resolveRoot(ctx context.Context, svc *drive.Service) (string, error) {
	if c.config.RootFolderID != "" {
		return c.config.RootFolderID, nil
	}

	c.rootMu.Lock()
	defer c.rootMu.Unlock()
	if c.rootID != "" {
		return c.rootID, nil
	}

	root, err := svc.Files.Get(rootAlias).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", c.mapError(err, "files.get")
	}
	c.rootID = root.Id
	return c.rootID, nil
}

func (c *GoogleDriveConnector) convertChange(change *drive.Change, rootID string) (storage.ChangeEntry, bool) {
	if change.FileId == "" {
		return storage.ChangeEntry{}, false
	}

	entry := storage.ChangeEntry{
		RemoteID: change.FileId,
		Deleted:  change.Removed,
	}
	if f := change.File; f != nil {
		if f.MimeType != folderMimeType {
			return storage.ChangeEntry{}, false
		}
		entry.Name = f.Name
		entry.IsFolder = true
		entry.Deleted = entry.Deleted || f.Trashed
		if len(f.Parents) > 0 {
			entry.ParentID = f.Parents[0]
			entry.AtRoot = f.Parents[0] == rootID
		}
	}
	return entry, true
}

func (c *GoogleDriveConnector) mapError(err error, op string) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return c.MapStatus(apiErr.Code, apiErr.Message, apiErr.Header.Get("Retry-After"), op)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return storage.NewStorageError(storage.ErrorCodeNetworkError, op+" timed out", c.Provider(), "", err)
	}
	c.Logger().Warn("request failed", zap.String("operation", op), zap.Error(err))
	return storage.NewStorageError(storage.ErrorCodeNetworkError, op+" failed", c.Provider(), "", err)
}

func convertFile(f *drive.File) storage.FolderItem {
	item := storage.FolderItem{
		ID:     f.Id,
		Name:   f.Name,
		Type:   storage.ItemTypeFile,
		Size:   f.Size,
		WebURL: f.WebViewLink,
	}
	if f.MimeType == folderMimeType {
		item.Type = storage.ItemTypeFolder
		item.HasChildren = true
	}
	if t, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
		item.Modified = t
	}
	return item
}

func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}
