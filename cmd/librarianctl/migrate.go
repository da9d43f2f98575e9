package main

import (
	"database/sql"
	"fmt"
	"log"
	"strings"

	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"librarian/migrations"
)

// migrateActions maps subcommands to goose operations. The daemon applies
// pending migrations on start; these are for inspection and rollbacks.
var migrateActions = []struct {
	use   string
	short string
	run   func(*sql.DB) error
}{
	{"up", "Migrate to the latest version", func(db *sql.DB) error { return goose.Up(db, ".") }},
	{"up-one", "Migrate one version up", func(db *sql.DB) error { return goose.UpByOne(db, ".") }},
	{"down", "Roll back one version", func(db *sql.DB) error { return goose.Down(db, ".") }},
	{"status", "Show migration status", func(db *sql.DB) error { return goose.Status(db, ".") }},
	{"version", "Show the current schema version", func(db *sql.DB) error { return goose.Version(db, ".") }},
	{"reset", "Roll back all migrations", func(db *sql.DB) error { return goose.Reset(db, ".") }},
}

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect the database schema",
	}
	for _, action := range migrateActions {
		run := action.run
		migrateCmd.AddCommand(&cobra.Command{
			Use:   action.use,
			Short: action.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return ctx.withDB(func(db *sql.DB) error {
					goose.SetBaseFS(migrations.FS)
					goose.SetLogger(log.New(cmd.OutOrStdout(), "", 0))
					if err := goose.SetDialect(migrations.Dialect); err != nil {
						return fmt.Errorf("set dialect: %w", err)
					}
					if err := run(db); err != nil {
						return fmt.Errorf("migrate %s: %w", cmd.Name(), err)
					}
					return nil
				})
			},
		})
	}
	return migrateCmd
}

// withDB opens the database without applying migrations.
func (c *commandContext) withDB(fn func(*sql.DB) error) error {
	path := strings.TrimSpace(*c.dbFlag)
	if path == "" {
		return fmt.Errorf("database path is required (--db or DATABASE_PATH)")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open database %s: %w", path, err)
	}
	defer func() { _ = db.Close() }()
	return fn(db)
}
