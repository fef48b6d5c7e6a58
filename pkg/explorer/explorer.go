// Package explorer projects provider folder listings into the rows shown by
// the settings screen file browser.
package explorer

import (
	"context"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/jscharber/coursemirror/pkg/storage"
)

// Item is one row of an explorer listing
type Item struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Type          storage.ItemType `json:"type"`
	Service       storage.Provider `json:"service"`
	HasChildren   bool             `json:"has_children"`
	Size          int64            `json:"size"`
	SizeHuman     string           `json:"size_human"`
	Modified      *time.Time       `json:"modified,omitempty"`
	ModifiedHuman string           `json:"modified_human"`
	WebURL        string           `json:"web_url,omitempty"`
	Icon          string           `json:"icon"`
}

// Service lists remote folders through the registered connectors
type Service struct {
	registry storage.ConnectorRegistry
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a new explorer service
func NewService(registry storage.ConnectorRegistry, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
}

// List returns the children of parentID on provider, folders first.
// Connector errors are returned unchanged so callers can tell empty from failed.
func (s *Service) List(ctx context.Context, provider storage.Provider, parentID string) ([]Item, error) {
	conn, err := s.registry.Get(provider)
	if err != nil {
		return nil, err
	}

	children, err := conn.ListFolderItems(ctx, parentID)
	if err != nil {
		s.logger.Warn("explorer listing failed",
			zap.String("provider", provider.String()),
			zap.String("parent_id", parentID),
			zap.Error(err),
		)
		return nil, err
	}

	now := s.now()
	items := make([]Item, 0, len(children))
	for _, child := range children {
		items = append(items, s.project(provider, child, now))
	}

	sort.SliceStable(items, func(i, j int) bool {
		if (items[i].Type == storage.ItemTypeFolder) != (items[j].Type == storage.ItemTypeFolder) {
			return items[i].Type == storage.ItemTypeFolder
		}
		return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name)
	})
	return items, nil
}

// Helper methods

func (s *Service) project(provider storage.Provider, child storage.FolderItem, now time.Time) Item {
	item := Item{
		ID:          child.ID,
		Name:        child.Name,
		Type:        child.Type,
		Service:     provider,
		HasChildren: child.Type == storage.ItemTypeFolder && (child.HasChildren || child.ChildCount > 0),
		Size:        child.Size,
		WebURL:      child.WebURL,
		Icon:        Icon(child),
	}

	if child.Type == storage.ItemTypeFolder {
		item.SizeHuman = "-"
	} else {
		item.SizeHuman = humanize.Bytes(uint64(max(child.Size, 0)))
	}

	if !child.Modified.IsZero() {
		modified := child.Modified
		item.Modified = &modified
		item.ModifiedHuman = humanize.RelTime(child.Modified, now, "ago", "from now")
	}
	return item
}

var extensionIcons = map[string]string{
	".pdf":  "file-pdf",
	".doc":  "file-word",
	".docx": "file-word",
	".odt":  "file-word",
	".xls":  "file-excel",
	".xlsx": "file-excel",
	".csv":  "file-excel",
	".ppt":  "file-powerpoint",
	".pptx": "file-powerpoint",
	".txt":  "file-text",
	".md":   "file-text",
	".jpg":  "file-image",
	".jpeg": "file-image",
	".png":  "file-image",
	".gif":  "file-image",
	".svg":  "file-image",
	".mp3":  "file-audio",
	".wav":  "file-audio",
	".mp4":  "file-video",
	".mov":  "file-video",
	".zip":  "file-archive",
	".tar":  "file-archive",
	".gz":   "file-archive",
}

// Icon picks the icon name for an item from its type and extension
func Icon(item storage.FolderItem) string {
	if item.Type == storage.ItemTypeFolder {
		return "folder"
	}
	if icon, ok := extensionIcons[strings.ToLower(path.Ext(item.Name))]; ok {
		return icon
	}
	return "file"
}
