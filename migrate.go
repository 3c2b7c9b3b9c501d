package main

import (
	"fmt"

	"github.com/malwarebo/inboxflow/config"
	"github.com/malwarebo/inboxflow/db"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openDatabase()
			if err != nil {
				return err
			}
			defer db.Close(conn)

			if err := db.Migrate(conn); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			printSuccess("Database schema is up to date")
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openDatabase()
			if err != nil {
				return err
			}
			defer db.Close(conn)

			statuses, err := db.DefaultMigrator(conn).Status()
			if err != nil {
				return fmt.Errorf("failed to read migration status: %w", err)
			}
			for _, s := range statuses {
				mark := colorYellow + "pending" + colorReset
				if s.Applied {
					mark = colorGreen + "applied" + colorReset
				}
				fmt.Printf("  %s  %-28s %s\n", s.Version, s.Name, mark)
			}
			return nil
		},
	})

	return cmd
}

func openDatabase() (*gorm.DB, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Database.Validate(); err != nil {
		return nil, fmt.Errorf("database config: %w", err)
	}
	return connectDatabase(cfg)
}
