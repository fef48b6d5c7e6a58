package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jscharber/coursemirror/internal/database/models"
	"github.com/jscharber/coursemirror/pkg/core"
)

// EntityStore implements core.EntityStore on the entities table
type EntityStore struct {
	db *gorm.DB
}

// NewEntityStore creates an entity store
func NewEntityStore(db *gorm.DB) *EntityStore {
	return &EntityStore{db: db}
}

var _ core.EntityStore = (*EntityStore)(nil)

// GetEntity returns an entity by ID
func (s *EntityStore) GetEntity(ctx context.Context, id string) (core.Entity, error) {
	var row models.Entity
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return core.Entity{}, fmt.Errorf("entity %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.Entity{}, fmt.Errorf("failed to get entity %s: %w", id, err)
	}
	return toEntity(row), nil
}

// CreateEntity inserts an entity, assigning an ID when none is set
func (s *EntityStore) CreateEntity(ctx context.Context, entity core.Entity) (core.Entity, error) {
	if entity.ID == "" {
		entity.ID = uuid.New().String()
	}
	if err := entity.Validate(); err != nil {
		return core.Entity{}, err
	}

	now := time.Now().UTC()
	row := fromEntity(entity)
	row.CreatedAt = now
	row.UpdatedAt = now

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return core.Entity{}, fmt.Errorf("entity %s: %w", entity.ID, core.ErrConflict)
		}
		return core.Entity{}, fmt.Errorf("failed to create entity: %w", err)
	}
	return toEntity(row), nil
}

// UpdateEntity overwrites the mutable fields of an entity
func (s *EntityStore) UpdateEntity(ctx context.Context, entity core.Entity) (core.Entity, error) {
	if err := entity.Validate(); err != nil {
		return core.Entity{}, err
	}

	result := s.db.WithContext(ctx).Model(&models.Entity{}).Where("id = ?", entity.ID).Updates(map[string]interface{}{
		"title":       entity.Title,
		"status":      string(entity.Status),
		"parent_id":   entity.ParentID,
		"is_revision": entity.IsRevision,
		"updated_at":  time.Now().UTC(),
	})
	if result.Error != nil {
		return core.Entity{}, fmt.Errorf("failed to update entity %s: %w", entity.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return core.Entity{}, fmt.Errorf("entity %s: %w", entity.ID, core.ErrNotFound)
	}
	return s.GetEntity(ctx, entity.ID)
}

// UpsertEntity creates or updates an entity; used by the content event intake
func (s *EntityStore) UpsertEntity(ctx context.Context, entity core.Entity) (core.Entity, error) {
	if entity.ID != "" {
		exists, err := s.EntityExists(ctx, entity.ID)
		if err != nil {
			return core.Entity{}, err
		}
		if exists {
			return s.UpdateEntity(ctx, entity)
		}
	}
	return s.CreateEntity(ctx, entity)
}

// DeleteEntity removes an entity row
func (s *EntityStore) DeleteEntity(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Entity{}).Error; err != nil {
		return fmt.Errorf("failed to delete entity %s: %w", id, err)
	}
	return nil
}

// ListEntities returns all entities, courses first, oldest first within a kind
func (s *EntityStore) ListEntities(ctx context.Context) ([]core.Entity, error) {
	var rows []models.Entity
	if err := s.db.WithContext(ctx).Order("kind ASC").Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}

	entities := make([]core.Entity, 0, len(rows))
	for _, row := range rows {
		entities = append(entities, toEntity(row))
	}
	return entities, nil
}

// EntityExists reports whether an entity row exists
func (s *EntityStore) EntityExists(ctx context.Context, id string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Entity{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check entity %s: %w", id, err)
	}
	return count > 0, nil
}

func toEntity(row models.Entity) core.Entity {
	return core.Entity{
		ID:         row.ID,
		Kind:       core.EntityKind(row.Kind),
		Title:      row.Title,
		ParentID:   row.ParentID,
		Status:     core.EntityStatus(row.Status),
		IsRevision: row.IsRevision,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
}

func fromEntity(e core.Entity) models.Entity {
	return models.Entity{
		ID:         e.ID,
		Kind:       string(e.Kind),
		Title:      e.Title,
		ParentID:   e.ParentID,
		Status:     string(e.Status),
		IsRevision: e.IsRevision,
	}
}
