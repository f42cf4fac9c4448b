// Package migrations ships the SQL schema of the producer node store and the
// historian. Up applies a set with golang-migrate; SQL concatenates the up
// files for tests and one-shot setup.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Set names a group of migrations.
type Set string

const (
	// Producer is the schema of a field node: outbox and local cache.
	Producer Set = "producer"

	// Historian is the schema of the central historian.
	Historian Set = "historian"
)

const upSuffix = ".up.sql"

//go:embed producer/*.sql historian/*.sql
var files embed.FS

// Files returns the up file names of set in apply order.
func Files(set Set) ([]string, error) {
	entries, err := fs.ReadDir(files, string(set))
	if err != nil {
		return nil, fmt.Errorf("migrations: unknown set %q: %w", set, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), upSuffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// SQL returns every up file of set concatenated in apply order.
func SQL(set Set) (string, error) {
	names, err := Files(set)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, name := range names {
		data, err := fs.ReadFile(files, string(set)+"/"+name)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "-- %s\n%s\n", name, data)
	}
	return b.String(), nil
}

// MigrationsTable is the version table used for set, so a producer and a
// historian schema can share one database in development.
func MigrationsTable(set Set) string {
	return "schema_migrations_" + string(set)
}

// Up applies every pending migration of set to db. The pool stays open.
func Up(ctx context.Context, db *sql.DB, set Set, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default().With("component", "migrations")
	}
	if _, err := Files(set); err != nil {
		return err
	}

	src, err := iofs.New(files, string(set))
	if err != nil {
		return fmt.Errorf("migrations: open %s: %w", set, err)
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		src.Close()
		return fmt.Errorf("migrations: acquire connection: %w", err)
	}
	driver, err := postgres.WithConnection(ctx, conn, &postgres.Config{
		MigrationsTable: MigrationsTable(set),
	})
	if err != nil {
		src.Close()
		conn.Close()
		return fmt.Errorf("migrations: init driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		src.Close()
		driver.Close()
		return fmt.Errorf("migrations: init: %w", err)
	}
	defer m.Close()

	logger.Info("running database migrations", "set", set)
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations: apply %s: %w", set, err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("migrations: read version: %w", err)
	}
	logger.Info("database migrations completed", "set", set, "version", version, "dirty", dirty)
	return nil
}
