// Package models contains the database models of the sync service: the key/value
// settings table backing every settings group, the local content entities, and
// the entity-to-remote folder mappings.
package models

import (
	"time"
)

// Settings groups stored in the settings table
const (
	SettingGroupCredentials = "credentials"
	SettingGroupCompat      = "credentials_compat"
	SettingGroupGeneral     = "general"
	SettingGroupCursors     = "cursors"

	// SettingKeyGeneral is the single key of the general group
	SettingKeyGeneral = "sync"
)

// Setting is one value of a settings group
type Setting struct {
	ID        uint      `gorm:"primaryKey"`
	Group     string    `gorm:"column:setting_group;size:64;not null;uniqueIndex:idx_settings_group_key"`
	Key       string    `gorm:"column:setting_key;size:128;not null;uniqueIndex:idx_settings_group_key"`
	Value     string    `gorm:"type:text;not null;default:''"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName returns the table name for Setting
func (Setting) TableName() string {
	return "settings"
}

// Entity is a course or lesson row
type Entity struct {
	ID         string    `gorm:"primaryKey;size:64"`
	Kind       string    `gorm:"size:16;not null;index"`
	Title      string    `gorm:"type:text;not null;default:''"`
	ParentID   string    `gorm:"size:64;index"`
	Status     string    `gorm:"size:16;not null;default:'draft'"`
	IsRevision bool      `gorm:"not null;default:false"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

// TableName returns the table name for Entity
func (Entity) TableName() string {
	return "entities"
}

// RemoteFolderMapping links an entity to its folder on one provider
type RemoteFolderMapping struct {
	ID         uint      `gorm:"primaryKey"`
	EntityID   string    `gorm:"size:64;not null;uniqueIndex:idx_mapping_entity_provider"`
	Provider   string    `gorm:"size:32;not null;uniqueIndex:idx_mapping_entity_provider;uniqueIndex:idx_mapping_provider_remote"`
	RemoteID   string    `gorm:"size:1024;not null;uniqueIndex:idx_mapping_provider_remote"`
	RemoteName string    `gorm:"type:text;not null;default:''"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

// TableName returns the table name for RemoteFolderMapping
func (RemoteFolderMapping) TableName() string {
	return "remote_folder_mappings"
}

// All returns every model for migrations
func All() []interface{} {
	return []interface{}{
		&Setting{},
		&Entity{},
		&RemoteFolderMapping{},
	}
}
