package db_test

import (
	"testing"

	"github.com/malwarebo/inboxflow/db"
	"github.com/malwarebo/inboxflow/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestMigrateIsRepeatable(t *testing.T) {
	gdb := testutil.NewTestDB(t)

	require.NoError(t, db.Migrate(gdb), "second run over an up-to-date schema")

	statuses, err := db.DefaultMigrator(gdb).Status()
	require.NoError(t, err)
	require.NotEmpty(t, statuses)
	for _, s := range statuses {
		assert.True(t, s.Applied, s.Version)
	}
}

func TestMigratorRollsBackFailedMigration(t *testing.T) {
	gdb := testutil.NewTestDB(t)

	m := db.CreateNewMigrator(gdb)
	m.AddMigration("9001", "broken", func(tx *gorm.DB) error {
		if err := tx.Exec(`CREATE TABLE scratch (id INTEGER)`).Error; err != nil {
			return err
		}
		return tx.Exec(`SELECT * FROM missing_table`).Error
	})
	require.Error(t, m.Up())

	statuses, err := m.Status()
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.False(t, statuses[0].Applied)
	assert.False(t, gdb.Migrator().HasTable("scratch"))
}
