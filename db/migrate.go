package db

import (
	"fmt"

	"github.com/malwarebo/inboxflow/models"
	"gorm.io/gorm"
)

type Migration struct {
	Version    string
	Name       string
	Up         func(*gorm.DB) error
	// Repeatable migrations are idempotent and rerun on every Up.
	Repeatable bool
}

type Migrator struct {
	db         *gorm.DB
	migrations []Migration
}

func CreateNewMigrator(db *gorm.DB) *Migrator {
	return &Migrator{
		db:         db,
		migrations: make([]Migration, 0),
	}
}

func (m *Migrator) AddMigration(version, name string, up func(*gorm.DB) error) {
	m.migrations = append(m.migrations, Migration{
		Version: version,
		Name:    name,
		Up:      up,
	})
}

// DefaultMigrator carries the schema for every table in models.All plus
// the indexes gorm tags cannot express.
func DefaultMigrator(db *gorm.DB) *Migrator {
	m := CreateNewMigrator(db)
	m.migrations = append(m.migrations, Migration{
		Version:    "0001",
		Name:       "schema",
		Repeatable: true,
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(models.All()...)
		},
	})
	// One open conversation per (tenant, customer, source).
	m.AddMigration("0002", "open_conversation_unique", func(tx *gorm.DB) error {
		return tx.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_open
			ON conversations (tenant_id, customer_id, source)
			WHERE status = 'open'`).Error
	})
	m.AddMigration("0003", "message_external_id_unique", func(tx *gorm.DB) error {
		return tx.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_external_unique
			ON messages (tenant_id, external_message_id)
			WHERE external_message_id IS NOT NULL`).Error
	})
	return m
}

// Migrate applies all pending default migrations.
func Migrate(db *gorm.DB) error {
	return DefaultMigrator(db).Up()
}

// Up applies pending migrations in order, each in its own transaction
// together with its schema_migrations row. Repeatable migrations run every time.
func (m *Migrator) Up() error {
	if err := m.createMigrationsTable(); err != nil {
		return err
	}

	applied, err := m.getAppliedMigrations()
	if err != nil {
		return err
	}

	for _, migration := range m.migrations {
		if applied[migration.Version] && !migration.Repeatable {
			continue
		}

		err := m.db.Transaction(func(tx *gorm.DB) error {
			if err := migration.Up(tx); err != nil {
				return err
			}
			return tx.Exec(`INSERT INTO schema_migrations (version, name) VALUES (?, ?)
				ON CONFLICT (version) DO NOTHING`, migration.Version, migration.Name).Error
		})
		if err != nil {
			return fmt.Errorf("failed to apply migration %s_%s: %w", migration.Version, migration.Name, err)
		}
	}

	return nil
}

func (m *Migrator) createMigrationsTable() error {
	return m.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`).Error
}

func (m *Migrator) getAppliedMigrations() (map[string]bool, error) {
	var versions []string
	if err := m.db.Table("schema_migrations").Pluck("version", &versions).Error; err != nil {
		return nil, fmt.Errorf("failed to read schema_migrations: %w", err)
	}

	applied := make(map[string]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

func (m *Migrator) Status() ([]MigrationStatus, error) {
	applied, err := m.getAppliedMigrations()
	if err != nil {
		return nil, err
	}

	var statuses []MigrationStatus
	for _, migration := range m.migrations {
		statuses = append(statuses, MigrationStatus{
			Version: migration.Version,
			Name:    migration.Name,
			Applied: applied[migration.Version],
		})
	}

	return statuses, nil
}

type MigrationStatus struct {
	Version string
	Name    string
	Applied bool
}
