package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jscharber/coursemirror/internal/database/models"
	"github.com/jscharber/coursemirror/pkg/settings"
	"github.com/jscharber/coursemirror/pkg/storage"
)

// SettingsRepository implements settings.Repository on the settings table
type SettingsRepository struct {
	db *gorm.DB
}

// NewSettingsRepository creates a settings repository
func NewSettingsRepository(db *gorm.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

var _ settings.Repository = (*SettingsRepository)(nil)

// LoadCredentials returns the at-rest credential record of a provider
func (r *SettingsRepository) LoadCredentials(ctx context.Context, provider storage.Provider) (settings.CredentialRecord, error) {
	rec := settings.CredentialRecord{}
	value, found, err := r.get(ctx, models.SettingGroupCredentials, provider.String())
	if err != nil || !found {
		return rec, err
	}
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode credential record: %w", err)
	}
	return rec, nil
}

// SaveCredentials replaces the at-rest credential record of a provider
func (r *SettingsRepository) SaveCredentials(ctx context.Context, provider storage.Provider, record settings.CredentialRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode credential record: %w", err)
	}
	return r.put(ctx, models.SettingGroupCredentials, provider.String(), string(data))
}

// DeleteCredentials removes the credential record and its compat snapshot
func (r *SettingsRepository) DeleteCredentials(ctx context.Context, provider storage.Provider) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, group := range []string{models.SettingGroupCredentials, models.SettingGroupCompat} {
			if err := tx.Where("setting_group = ? AND setting_key = ?", group, provider.String()).
				Delete(&models.Setting{}).Error; err != nil {
				return fmt.Errorf("failed to delete %s setting: %w", group, err)
			}
		}
		return nil
	})
}

// LoadCredentialSnapshot returns the compat snapshot of a provider
func (r *SettingsRepository) LoadCredentialSnapshot(ctx context.Context, provider storage.Provider) ([]byte, error) {
	value, found, err := r.get(ctx, models.SettingGroupCompat, provider.String())
	if err != nil || !found {
		return nil, err
	}
	return []byte(value), nil
}

// SaveCredentialSnapshot stores the compat snapshot of a provider
func (r *SettingsRepository) SaveCredentialSnapshot(ctx context.Context, provider storage.Provider, snapshot []byte) error {
	return r.put(ctx, models.SettingGroupCompat, provider.String(), string(snapshot))
}

// LoadGeneral returns the general settings, or defaults when none are stored
func (r *SettingsRepository) LoadGeneral(ctx context.Context) (settings.General, error) {
	general := settings.DefaultGeneral()
	value, found, err := r.get(ctx, models.SettingGroupGeneral, models.SettingKeyGeneral)
	if err != nil || !found {
		return general, err
	}
	if err := json.Unmarshal([]byte(value), &general); err != nil {
		return settings.DefaultGeneral(), fmt.Errorf("failed to decode general settings: %w", err)
	}
	return general, nil
}

// SaveGeneral validates and stores the general settings
func (r *SettingsRepository) SaveGeneral(ctx context.Context, general settings.General) error {
	if err := general.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(general)
	if err != nil {
		return fmt.Errorf("failed to encode general settings: %w", err)
	}
	return r.put(ctx, models.SettingGroupGeneral, models.SettingKeyGeneral, string(data))
}

// SeedGeneral stores general when no general settings were saved yet and
// returns the settings in effect
func (r *SettingsRepository) SeedGeneral(ctx context.Context, general settings.General) (settings.General, error) {
	_, found, err := r.get(ctx, models.SettingGroupGeneral, models.SettingKeyGeneral)
	if err != nil {
		return settings.General{}, err
	}
	if found {
		return r.LoadGeneral(ctx)
	}
	if err := r.SaveGeneral(ctx, general); err != nil {
		return settings.General{}, err
	}
	return general, nil
}

// LoadCursor returns the stored change cursor, or "" on first run
func (r *SettingsRepository) LoadCursor(ctx context.Context, provider storage.Provider) (string, error) {
	value, _, err := r.get(ctx, models.SettingGroupCursors, provider.String())
	return value, err
}

// SaveCursor stores the change cursor of a provider
func (r *SettingsRepository) SaveCursor(ctx context.Context, provider storage.Provider, cursor string) error {
	return r.put(ctx, models.SettingGroupCursors, provider.String(), cursor)
}

// DeleteCursor forgets the change cursor of a provider
func (r *SettingsRepository) DeleteCursor(ctx context.Context, provider storage.Provider) error {
	err := r.db.WithContext(ctx).
		Where("setting_group = ? AND setting_key = ?", models.SettingGroupCursors, provider.String()).
		Delete(&models.Setting{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete cursor: %w", err)
	}
	return nil
}

// Helper methods

func (r *SettingsRepository) get(ctx context.Context, group, key string) (string, bool, error) {
	var setting models.Setting
	err := r.db.WithContext(ctx).
		Where("setting_group = ? AND setting_key = ?", group, key).
		First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s/%s: %w", group, key, err)
	}
	return setting.Value, true, nil
}

func (r *SettingsRepository) put(ctx context.Context, group, key, value string) error {
	setting := models.Setting{
		Group:     group,
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "setting_group"}, {Name: "setting_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&setting).Error
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", group, key, err)
	}
	return nil
}
