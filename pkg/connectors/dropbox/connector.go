package dropbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/jscharber/coursemirror/pkg/connectors"
	"github.com/jscharber/coursemirror/pkg/storage"
	"github.com/jscharber/coursemirror/pkg/storage/credentials"
)

// DropboxConnector implements storage.Connector for Dropbox.
// Remote ids are lower-cased paths, so renames change ids.
type DropboxConnector struct {
	*connectors.Base
	config *DropboxConfig
}

// DropboxConfig contains configuration for the Dropbox connector
type DropboxConfig struct {
	connectors.Config `yaml:",inline" env:",inline"`

	// Limit caps entries per list_folder page; Dropbox allows up to 2000
	Limit uint32 `yaml:"limit" json:"limit" env:"LIMIT"`
}

// DefaultDropboxConfig returns default configuration
func DefaultDropboxConfig() *DropboxConfig {
	cfg := connectors.DefaultConfig()
	cfg.BaseURL = "https://api.dropboxapi.com/2"
	return &DropboxConfig{
		Config: cfg,
		Limit:  2000,
	}
}

// NewDropboxConnector creates a new Dropbox connector
func NewDropboxConnector(config *DropboxConfig, creds credentials.Provider, logger *zap.Logger) *DropboxConnector {
	if config == nil {
		config = DefaultDropboxConfig()
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultDropboxConfig().BaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	endpoint := oauth2.Endpoint{
		AuthURL:  "https://www.dropbox.com/oauth2/authorize",
		TokenURL: "https://api.dropboxapi.com/oauth2/token",
	}
	scopes := []string{"files.metadata.read", "files.metadata.write", "files.content.write"}

	return &DropboxConnector{
		Base:   connectors.NewBase(storage.ProviderDropbox, config.Config, endpoint, scopes, creds, logger),
		config: config,
	}
}

// AuthCodeURL builds the authorize URL, asking for a long-lived refresh token
func (c *DropboxConnector) AuthCodeURL(ctx context.Context, state string) (string, error) {
	return c.Base.AuthCodeURL(ctx, state, oauth2.SetAuthURLParam("token_access_type", "offline"))
}

// Revoke revokes the access token at Dropbox, then forgets the local tokens.
// The local tokens are cleared even when the remote call fails.
func (c *DropboxConnector) Revoke(ctx context.Context) error {
	ctx, span := c.StartSpan(ctx, "revoke")
	var err error
	defer func() { connectors.EndSpan(span, err) }()

	if rerr := c.call(ctx, "/auth/token/revoke", nil, nil); rerr != nil {
		c.Logger().Warn("remote token revocation failed", zap.Error(rerr))
	}

	err = c.ForgetTokens(ctx)
	return err
}

// CreateFolder creates name under parentID, or under the sync root
func (c *DropboxConnector) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	ctx, span := c.StartSpan(ctx, "create_folder", attribute.String("parent_id", parentID))
	var err error
	defer func() { connectors.EndSpan(span, err) }()

	parent := parentID
	if parent == "" {
		parent = c.rootPath()
	}

	var result MetadataResult
	err = c.call(ctx, "/files/create_folder_v2", CreateFolderRequest{
		Path:       joinPath(parent, name),
		Autorename: false,
	}, &result)
	if err != nil {
		return "", err
	}

	id := remoteID(result.Metadata)
	c.Logger().Info("remote folder created", zap.String("remote_id", id), zap.String("name", name))
	return id, nil
}

// RenameFolder moves the folder within its parent and returns the new path id
func (c *DropboxConnector) RenameFolder(ctx context.Context, remoteID, newName string) (string, error) {
	ctx, span := c.StartSpan(ctx, "rename_folder", attribute.String("remote_id", remoteID))
	var err error
	defer func() { connectors.EndSpan(span, err) }()

	target := joinPath(parentPath(remoteID), newName)
	if target == remoteID {
		return remoteID, nil
	}

	var result MetadataResult
	err = c.call(ctx, "/files/move_v2", MoveRequest{
		FromPath:   remoteID,
		ToPath:     target,
		Autorename: false,
	}, &result)
	if err != nil {
		return "", err
	}

	id := remoteIDOr(result.Metadata, strings.ToLower(target))
	c.Logger().Info("remote folder renamed",
		zap.String("remote_id", remoteID),
		zap.String("new_remote_id", id),
		zap.String("name", newName),
	)
	return id, nil
}

// DeleteFolder deletes a folder and everything under it
func (c *DropboxConnector) DeleteFolder(ctx context.Context, remoteID string) error {
	ctx, span := c.StartSpan(ctx, "delete_folder", attribute.String("remote_id", remoteID))
	var err error
	defer func() { connectors.EndSpan(span, err) }()

	err = c.call(ctx, "/files/delete_v2", DeleteRequest{Path: remoteID}, nil)
	if err != nil {
		return err
	}

	c.Logger().Info("remote folder deleted", zap.String("remote_id", remoteID))
	return nil
}

// ListChanges continues the recursive listing of the sync root from cursor.
// An empty cursor is first replaced by the latest cursor.
func (c *DropboxConnector) ListChanges(ctx context.Context, cursor string) (*storage.ChangeSet, error) {
	ctx, span := c.StartSpan(ctx, "list_changes", attribute.Bool("bootstrap", cursor == ""))
	var err error
	defer func() { connectors.EndSpan(span, err) }()

	if cursor == "" {
		var latest GetLatestCursorResponse
		err = c.call(ctx, "/files/list_folder/get_latest_cursor", ListFolderRequest{
			Path:           c.rootPath(),
			Recursive:      true,
			IncludeDeleted: true,
		}, &latest)
		if err != nil {
			return nil, err
		}
		if latest.Cursor == "" {
			err = storage.NewStorageError(storage.ErrorCodeInvalidResponse, "empty latest cursor", c.Provider(), "", nil)
			return nil, err
		}
		cursor = latest.Cursor
		c.Logger().Info("change feed bootstrapped")
	}

	result := &storage.ChangeSet{}
	for {
		var page ListFolderResponse
		err = c.call(ctx, "/files/list_folder/continue", ListFolderContinueRequest{Cursor: cursor}, &page)
		if err != nil {
			return nil, err
		}

		for _, entry := range page.Entries {
			if change, ok := c.convertChange(entry); ok {
				result.Entries = append(result.Entries, change)
			}
		}

		if page.Cursor != "" {
			cursor = page.Cursor
		}
		if !page.HasMore {
			break
		}
	}

	result.NextCursor = cursor
	return result, nil
}

// ListFolderItems lists the direct children of parentID, or of the sync root
func (c *DropboxConnector) ListFolderItems(ctx context.Context, parentID string) ([]storage.FolderItem, error) {
	ctx, span := c.StartSpan(ctx, "list_folder_items", attribute.String("parent_id", parentID))
	var err error
	defer func() { connectors.EndSpan(span, err) }()

	parent := parentID
	if parent == "" {
		parent = c.rootPath()
	}

	var page ListFolderResponse
	err = c.call(ctx, "/files/list_folder", ListFolderRequest{Path: parent, Limit: c.config.Limit}, &page)
	if err != nil {
		return nil, err
	}

	var items []storage.FolderItem
	for {
		for _, entry := range page.Entries {
			if entry.Tag == tagDeleted {
				continue
			}
			items = append(items, convertEntry(entry))
		}
		if !page.HasMore {
			break
		}
		cursor := page.Cursor
		page = ListFolderResponse{}
		err = c.call(ctx, "/files/list_folder/continue", ListFolderContinueRequest{Cursor: cursor}, &page)
		if err != nil {
			return nil, err
		}
	}
	return items, nil
}

// RebaseRemoteID rewrites a descendant path after its ancestor moved
func (c *DropboxConnector) RebaseRemoteID(childID, oldParentID, newParentID string) (string, bool) {
	prefix := strings.ToLower(oldParentID) + "/"
	if !strings.HasPrefix(strings.ToLower(childID), prefix) {
		return childID, false
	}
	return strings.ToLower(newParentID) + childID[len(prefix)-1:], true
}

// Helper methods

func (c *DropboxConnector) call(ctx context.Context, endpoint string, body, out interface{}) error {
	err := c.DoJSON(ctx, connectors.Request{
		Method: http.MethodPost,
		URL:    c.config.BaseURL + endpoint,
		Body:   body,
	}, out)
	return c.refineError(err)
}

// refineError maps Dropbox 409 endpoint errors onto storage codes
func (c *DropboxConnector) refineError(err error) error {
	if err == nil || connectors.StatusCode(err) != http.StatusConflict {
		return err
	}

	var he *connectors.HTTPError
	if !errors.As(err, &he) {
		return err
	}
	var apiErr DropboxError
	if jerr := json.Unmarshal([]byte(he.Body), &apiErr); jerr != nil {
		return err
	}

	if strings.Contains(apiErr.ErrorSummary, "not_found") {
		return storage.NewStorageError(storage.ErrorCodeNotFound, apiErr.ErrorSummary, c.Provider(), "", err)
	}
	return storage.NewStorageError(storage.ErrorCodeRemoteError, apiErr.ErrorSummary, c.Provider(), "", err)
}

// rootPath returns the sync root path; Dropbox addresses the account root as ""
func (c *DropboxConnector) rootPath() string {
	root := strings.TrimRight(c.config.RootFolderID, "/")
	if root == "" {
		return ""
	}
	return strings.ToLower(root)
}

func (c *DropboxConnector) convertChange(entry DropboxEntry) (storage.ChangeEntry, bool) {
	if entry.Tag == tagFile {
		return storage.ChangeEntry{}, false
	}

	id := remoteID(entry)
	if id == "" {
		return storage.ChangeEntry{}, false
	}
	parent := parentPath(id)

	return storage.ChangeEntry{
		RemoteID: id,
		Name:     entry.Name,
		ParentID: parent,
		IsFolder: entry.Tag == tagFolder,
		Deleted:  entry.Tag == tagDeleted,
		AtRoot:   parent == c.rootPath(),
	}, true
}

func convertEntry(entry DropboxEntry) storage.FolderItem {
	item := storage.FolderItem{
		ID:   remoteID(entry),
		Name: entry.Name,
		Type: storage.ItemTypeFile,
		Size: entry.Size,
	}
	if entry.Tag == tagFolder {
		item.Type = storage.ItemTypeFolder
		item.HasChildren = true
	}
	if t, err := time.Parse(time.RFC3339, entry.ServerModified); err == nil {
		item.Modified = t
	}
	return item
}

func remoteID(entry DropboxEntry) string {
	return remoteIDOr(entry, "")
}

func remoteIDOr(entry DropboxEntry, fallback string) string {
	if entry.PathLower != "" {
		return entry.PathLower
	}
	if entry.PathDisplay != "" {
		return strings.ToLower(entry.PathDisplay)
	}
	return fallback
}

func joinPath(parent, name string) string {
	return strings.TrimRight(parent, "/") + "/" + name
}

// parentPath returns the parent of p, with the account root as ""
func parentPath(p string) string {
	dir := path.Dir(p)
	if dir == "/" || dir == "." {
		return ""
	}
	return dir
}
