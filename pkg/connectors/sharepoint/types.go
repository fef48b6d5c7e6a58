package sharepoint

import "time"

// Microsoft Graph drive item structures

// DriveItem represents a file or folder in a document library
type DriveItem struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name"`
	Size                 int64            `json:"size,omitempty"`
	WebURL               string           `json:"webUrl,omitempty"`
	LastModifiedDateTime time.Time        `json:"lastModifiedDateTime,omitempty"`
	Folder               *FolderFacet     `json:"folder,omitempty"`
	File                 *FileFacet       `json:"file,omitempty"`
	Deleted              *DeletedFacet    `json:"deleted,omitempty"`
	Root                 *struct{}        `json:"root,omitempty"`
	ParentReference      *ParentReference `json:"parentReference,omitempty"`
}

// FolderFacet marks an item as a folder
type FolderFacet struct {
	ChildCount int `json:"childCount"`
}

// FileFacet marks an item as a file
type FileFacet struct {
	MimeType string `json:"mimeType,omitempty"`
}

// DeletedFacet marks an item removed since the last delta
type DeletedFacet struct {
	State string `json:"state,omitempty"`
}

// ParentReference locates the parent of an item
type ParentReference struct {
	ID      string `json:"id,omitempty"`
	DriveID string `json:"driveId,omitempty"`
	Path    string `json:"path,omitempty"`
}

// DriveItemPage is one page of a children or delta listing
type DriveItemPage struct {
	Value     []DriveItem `json:"value"`
	NextLink  string      `json:"@odata.nextLink,omitempty"`
	DeltaLink string      `json:"@odata.deltaLink,omitempty"`
}

// CreateFolderRequest is the body of a folder create
type CreateFolderRequest struct {
	Name             string   `json:"name"`
	Folder           struct{} `json:"folder"`
	ConflictBehavior string   `json:"@microsoft.graph.conflictBehavior"`
}

// RenameRequest is the body of a rename
type RenameRequest struct {
	Name string `json:"name"`
}
