// Package core defines the content model the sync engine mirrors: courses and
// lessons owned by the local content store, and the durable association between
// each entity and the folder that represents it on a remote provider.
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jscharber/coursemirror/pkg/storage"
)

// ErrNotFound is returned by stores when a requested row does not exist
var ErrNotFound = errors.New("not found")

// EntityKind is the type of a content entity
type EntityKind string

const (
	KindCourse EntityKind = "course"
	KindLesson EntityKind = "lesson"
)

// EntityStatus is the publication status of an entity
type EntityStatus string

const (
	StatusPublished EntityStatus = "published"
	StatusDraft     EntityStatus = "draft"
	StatusPending   EntityStatus = "pending"
	StatusPrivate   EntityStatus = "private"
)

// ParseStatus validates a status value
func ParseStatus(s string) (EntityStatus, error) {
	switch st := EntityStatus(s); st {
	case StatusPublished, StatusDraft, StatusPending, StatusPrivate:
		return st, nil
	}
	return "", fmt.Errorf("invalid entity status %q", s)
}

// Entity is a course or lesson in the local content store.
// Lessons carry the ID of their parent course.
type Entity struct {
	ID         string       `json:"id"`
	Kind       EntityKind   `json:"kind"`
	Title      string       `json:"title"`
	ParentID   string       `json:"parent_id,omitempty"`
	Status     EntityStatus `json:"status"`
	IsRevision bool         `json:"is_revision,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Eligible reports whether the entity takes part in folder sync.
// Revisions and unknown kinds never do.
func (e Entity) Eligible() bool {
	if e.IsRevision {
		return false
	}
	return e.Kind == KindCourse || e.Kind == KindLesson
}

// Validate checks the entity fields the content store requires
func (e Entity) Validate() error {
	switch e.Kind {
	case KindCourse:
		if e.ParentID != "" {
			return fmt.Errorf("course %s cannot have a parent", e.ID)
		}
	case KindLesson:
	default:
		return fmt.Errorf("invalid entity kind %q", e.Kind)
	}
	if _, err := ParseStatus(string(e.Status)); err != nil {
		return err
	}
	return nil
}

// RemoteFolderMapping associates an entity with its folder on one provider.
// There is at most one mapping per (entity, provider) and per (provider, remote id).
type RemoteFolderMapping struct {
	EntityID   string           `json:"entity_id"`
	Provider   storage.Provider `json:"provider"`
	RemoteID   string           `json:"remote_id"`
	RemoteName string           `json:"remote_name"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// EntityStore is the content store boundary the engine depends on.
// The content store owns entity lifecycles; the engine only creates entities
// when replaying remote folder creations.
type EntityStore interface {
	// GetEntity returns an entity by ID, or ErrNotFound
	GetEntity(ctx context.Context, id string) (Entity, error)

	// CreateEntity stores a new entity and returns it with its assigned ID
	CreateEntity(ctx context.Context, entity Entity) (Entity, error)

	// UpdateEntity overwrites the title and status of an existing entity
	UpdateEntity(ctx context.Context, entity Entity) (Entity, error)

	// ListEntities returns every entity, courses before lessons
	ListEntities(ctx context.Context) ([]Entity, error)

	// EntityExists reports whether id refers to a stored entity
	EntityExists(ctx context.Context, id string) (bool, error)
}

// MappingStore persists remote folder mappings
type MappingStore interface {
	// GetMapping returns the mapping of an entity on a provider, or ErrNotFound
	GetMapping(ctx context.Context, entityID string, provider storage.Provider) (RemoteFolderMapping, error)

	// FindByRemoteID returns the mapping that owns remoteID on a provider, or ErrNotFound
	FindByRemoteID(ctx context.Context, provider storage.Provider, remoteID string) (RemoteFolderMapping, error)

	// CreateMapping inserts a new mapping. It fails if the pair is already mapped.
	CreateMapping(ctx context.Context, mapping RemoteFolderMapping) error

	// UpdateMapping changes the remote id and name of an existing mapping
	UpdateMapping(ctx context.Context, mapping RemoteFolderMapping) error

	// DeleteMapping removes the mapping of an entity on a provider
	DeleteMapping(ctx context.Context, entityID string, provider storage.Provider) error

	// ListMappings returns every mapping of a provider
	ListMappings(ctx context.Context, provider storage.Provider) ([]RemoteFolderMapping, error)

	// ListAllMappings returns every mapping across providers
	ListAllMappings(ctx context.Context) ([]RemoteFolderMapping, error)

	// DeleteAllMappings removes every mapping and returns how many were removed
	DeleteAllMappings(ctx context.Context) (int64, error)
}

// ErrConflict is returned when a write would violate a uniqueness invariant
var ErrConflict = errors.New("conflict")
