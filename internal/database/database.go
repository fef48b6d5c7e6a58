// Package database provides database connectivity, models and the gorm-backed
// stores of the sync service: settings groups, local entities and remote folder
// mappings.
package database

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Database bundles the connection with the stores built on it
type Database struct {
	conn     *Connection
	migrator *Migrator
	config   *Config

	Settings *SettingsRepository
	Entities *EntityStore
	Mappings *MappingStore
}

// Option configures New
type Option func(*options)

type options struct {
	logger *zap.Logger
}

// WithLogger sends gorm's query and driver logs to logger
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a new database instance with all components
func New(config *Config, opts ...Option) (*Database, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	conn, err := NewConnection(config, o.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}

	return &Database{
		conn:     conn,
		migrator: NewMigrator(conn.DB()),
		config:   config,
		Settings: NewSettingsRepository(conn.DB()),
		Entities: NewEntityStore(conn.DB()),
		Mappings: NewMappingStore(conn.DB()),
	}, nil
}

// Connect verifies the connection
func (db *Database) Connect(ctx context.Context) error {
	if err := db.conn.Ping(ctx); err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	return nil
}

// Close closes all database connections
func (db *Database) Close() error {
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}

// DB returns the underlying GORM database instance
func (db *Database) DB() *gorm.DB {
	return db.conn.DB()
}

// Connection returns the database connection
func (db *Database) Connection() *Connection {
	return db.conn
}

// Migrator returns the schema migrator
func (db *Database) Migrator() *Migrator {
	return db.migrator
}

// HealthCheck checks database health
func (db *Database) HealthCheck(ctx context.Context) error {
	return db.conn.HealthCheck(ctx)
}
