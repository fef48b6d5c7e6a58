package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jscharber/coursemirror/internal/database/models"
	"github.com/jscharber/coursemirror/pkg/core"
	"github.com/jscharber/coursemirror/pkg/storage"
)

// MappingStore implements core.MappingStore on the remote_folder_mappings table
type MappingStore struct {
	db *gorm.DB
}

// NewMappingStore creates a mapping store
func NewMappingStore(db *gorm.DB) *MappingStore {
	return &MappingStore{db: db}
}

var _ core.MappingStore = (*MappingStore)(nil)

// GetMapping returns the mapping of an entity on a provider
func (s *MappingStore) GetMapping(ctx context.Context, entityID string, provider storage.Provider) (core.RemoteFolderMapping, error) {
	return s.first(ctx, "entity_id = ? AND provider = ?", entityID, provider.String())
}

// FindByRemoteID returns the mapping owning a remote folder
func (s *MappingStore) FindByRemoteID(ctx context.Context, provider storage.Provider, remoteID string) (core.RemoteFolderMapping, error) {
	return s.first(ctx, "provider = ? AND remote_id = ?", provider.String(), remoteID)
}

// CreateMapping inserts a mapping; a second mapping for the same pair or remote id is a conflict
func (s *MappingStore) CreateMapping(ctx context.Context, mapping core.RemoteFolderMapping) error {
	now := time.Now().UTC()
	row := models.RemoteFolderMapping{
		EntityID:   mapping.EntityID,
		Provider:   mapping.Provider.String(),
		RemoteID:   mapping.RemoteID,
		RemoteName: mapping.RemoteName,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("mapping %s/%s: %w", mapping.Provider, mapping.EntityID, core.ErrConflict)
		}
		return fmt.Errorf("failed to create mapping: %w", err)
	}
	return nil
}

// UpdateMapping changes the remote id and name of a mapping
func (s *MappingStore) UpdateMapping(ctx context.Context, mapping core.RemoteFolderMapping) error {
	result := s.db.WithContext(ctx).Model(&models.RemoteFolderMapping{}).
		Where("entity_id = ? AND provider = ?", mapping.EntityID, mapping.Provider.String()).
		Updates(map[string]interface{}{
			"remote_id":   mapping.RemoteID,
			"remote_name": mapping.RemoteName,
			"updated_at":  time.Now().UTC(),
		})
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("mapping %s/%s: %w", mapping.Provider, mapping.EntityID, core.ErrConflict)
		}
		return fmt.Errorf("failed to update mapping: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("mapping %s/%s: %w", mapping.Provider, mapping.EntityID, core.ErrNotFound)
	}
	return nil
}

// DeleteMapping removes the mapping of an entity on a provider
func (s *MappingStore) DeleteMapping(ctx context.Context, entityID string, provider storage.Provider) error {
	err := s.db.WithContext(ctx).
		Where("entity_id = ? AND provider = ?", entityID, provider.String()).
		Delete(&models.RemoteFolderMapping{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}
	return nil
}

// ListMappings returns the mappings of a provider
func (s *MappingStore) ListMappings(ctx context.Context, provider storage.Provider) ([]core.RemoteFolderMapping, error) {
	return s.list(ctx, s.db.WithContext(ctx).Where("provider = ?", provider.String()))
}

// ListAllMappings returns every mapping
func (s *MappingStore) ListAllMappings(ctx context.Context) ([]core.RemoteFolderMapping, error) {
	return s.list(ctx, s.db.WithContext(ctx))
}

// DeleteAllMappings removes every mapping
func (s *MappingStore) DeleteAllMappings(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Where("1 = 1").Delete(&models.RemoteFolderMapping{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete mappings: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CountByProvider returns the number of mappings per provider
func (s *MappingStore) CountByProvider(ctx context.Context) (map[storage.Provider]int64, error) {
	var rows []struct {
		Provider string
		Count    int64
	}
	err := s.db.WithContext(ctx).Model(&models.RemoteFolderMapping{}).
		Select("provider, count(*) as count").
		Group("provider").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count mappings: %w", err)
	}

	counts := make(map[storage.Provider]int64, len(rows))
	for _, row := range rows {
		counts[storage.Provider(row.Provider)] = row.Count
	}
	return counts, nil
}

// Helper methods

func (s *MappingStore) first(ctx context.Context, query string, args ...interface{}) (core.RemoteFolderMapping, error) {
	var row models.RemoteFolderMapping
	err := s.db.WithContext(ctx).Where(query, args...).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return core.RemoteFolderMapping{}, core.ErrNotFound
	}
	if err != nil {
		return core.RemoteFolderMapping{}, fmt.Errorf("failed to get mapping: %w", err)
	}
	return toMapping(row), nil
}

func (s *MappingStore) list(_ context.Context, q *gorm.DB) ([]core.RemoteFolderMapping, error) {
	var rows []models.RemoteFolderMapping
	if err := q.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}

	mappings := make([]core.RemoteFolderMapping, 0, len(rows))
	for _, row := range rows {
		mappings = append(mappings, toMapping(row))
	}
	return mappings, nil
}

func toMapping(row models.RemoteFolderMapping) core.RemoteFolderMapping {
	return core.RemoteFolderMapping{
		EntityID:   row.EntityID,
		Provider:   storage.Provider(row.Provider),
		RemoteID:   row.RemoteID,
		RemoteName: row.RemoteName,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
}
