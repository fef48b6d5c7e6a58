package database

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jscharber/coursemirror/internal/database/models"
)

// TableStatus reports whether a model's table exists
type TableStatus struct {
	Table  string `json:"table"`
	Exists bool   `json:"exists"`
}

// Migrator handles schema migrations
type Migrator struct {
	db *gorm.DB
}

// NewMigrator creates a new schema migrator
func NewMigrator(db *gorm.DB) *Migrator {
	return &Migrator{db: db}
}

// Migrate creates or updates every table
func (m *Migrator) Migrate(ctx context.Context) error {
	if err := m.db.WithContext(ctx).AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Status reports which tables exist
func (m *Migrator) Status(ctx context.Context) ([]TableStatus, error) {
	migrator := m.db.WithContext(ctx).Migrator()

	var status []TableStatus
	for _, model := range models.All() {
		stmt := &gorm.Statement{DB: m.db}
		if err := stmt.Parse(model); err != nil {
			return nil, fmt.Errorf("failed to parse model: %w", err)
		}
		status = append(status, TableStatus{
			Table:  stmt.Schema.Table,
			Exists: migrator.HasTable(model),
		})
	}
	return status, nil
}

// Reset drops every table and recreates the schema
func (m *Migrator) Reset(ctx context.Context) error {
	if err := m.db.WithContext(ctx).Migrator().DropTable(models.All()...); err != nil {
		return fmt.Errorf("failed to drop tables: %w", err)
	}
	return m.Migrate(ctx)
}

// Validate checks that every table exists
func (m *Migrator) Validate(ctx context.Context) error {
	status, err := m.Status(ctx)
	if err != nil {
		return err
	}
	for _, s := range status {
		if !s.Exists {
			return fmt.Errorf("table %s is missing", s.Table)
		}
	}
	return nil
}
