package dropbox

// Dropbox API request/response structures

// Entry tags
const (
	tagFile    = "file"
	tagFolder  = "folder"
	tagDeleted = "deleted"
)

// DropboxEntry represents a file, folder, or deleted item in Dropbox
type DropboxEntry struct {
	Tag            string `json:".tag"`
	Name           string `json:"name"`
	ID             string `json:"id,omitempty"`
	ServerModified string `json:"server_modified,omitempty"`
	Size           int64  `json:"size,omitempty"`
	PathLower      string `json:"path_lower,omitempty"`
	PathDisplay    string `json:"path_display,omitempty"`
}

// MetadataResult wraps the metadata returned by the *_v2 endpoints
type MetadataResult struct {
	Metadata DropboxEntry `json:"metadata"`
}

// CreateFolderRequest represents a request to create a folder
type CreateFolderRequest struct {
	Path       string `json:"path"`
	Autorename bool   `json:"autorename"`
}

// MoveRequest represents a request to move or rename an entry
type MoveRequest struct {
	FromPath   string `json:"from_path"`
	ToPath     string `json:"to_path"`
	Autorename bool   `json:"autorename"`
}

// DeleteRequest represents a request to delete an entry
type DeleteRequest struct {
	Path string `json:"path"`
}

// ListFolderRequest represents a request to list folder contents
type ListFolderRequest struct {
	Path           string `json:"path"`
	Recursive      bool   `json:"recursive,omitempty"`
	IncludeDeleted bool   `json:"include_deleted,omitempty"`
	Limit          uint32 `json:"limit,omitempty"`
}

// ListFolderContinueRequest represents a request to continue listing folder contents
type ListFolderContinueRequest struct {
	Cursor string `json:"cursor"`
}

// ListFolderResponse represents the response from list folder operations
type ListFolderResponse struct {
	Entries []DropboxEntry `json:"entries"`
	Cursor  string         `json:"cursor"`
	HasMore bool           `json:"has_more"`
}

// GetLatestCursorResponse represents a response with the latest cursor
type GetLatestCursorResponse struct {
	Cursor string `json:"cursor"`
}

// DropboxError represents an error from Dropbox API
type DropboxError struct {
	ErrorSummary string `json:"error_summary"`
}
