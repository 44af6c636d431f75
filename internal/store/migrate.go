package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

// migrationLockID serialises migrations between api instances starting at
// the same time.
const migrationLockID = 7_402_113

var migrationPattern = regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)

type migration struct {
	version string
	file    string
	path    string
}

// ApplyMigrations runs every `*.up.sql` file of migrationsDir not yet
// recorded in schema_migrations, in version order, each in its own
// transaction.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	ups, err := listMigrations(migrationsDir, "up")
	if err != nil {
		return err
	}
	return withMigrationLock(ctx, db, func(conn *sql.Conn) error {
		if err := ensureMigrationsTable(ctx, conn); err != nil {
			return err
		}
		for _, m := range ups {
			migrated, err := isMigrated(ctx, conn, m.file)
			if err != nil {
				return err
			}
			if migrated {
				continue
			}
			err = runMigration(ctx, conn, m, `INSERT INTO schema_migrations(version) VALUES($1)`)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// RollbackMigrations runs the `*.down.sql` file of every applied migration,
// newest first.
func RollbackMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	downs, err := listMigrations(migrationsDir, "down")
	if err != nil {
		return err
	}
	sort.SliceStable(downs, func(i, j int) bool { return downs[i].version > downs[j].version })
	return withMigrationLock(ctx, db, func(conn *sql.Conn) error {
		if err := ensureMigrationsTable(ctx, conn); err != nil {
			return err
		}
		for _, m := range downs {
			upFile := m.file[:len(m.file)-len(".down.sql")] + ".up.sql"
			migrated, err := isMigrated(ctx, conn, upFile)
			if err != nil {
				return err
			}
			if !migrated {
				continue
			}
			m.file = upFile
			if err := runMigration(ctx, conn, m, `DELETE FROM schema_migrations WHERE version=$1`); err != nil {
				return err
			}
		}
		return nil
	})
}

func listMigrations(migrationsDir, direction string) ([]migration, error) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var out []migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationPattern.FindStringSubmatch(entry.Name())
		if match == nil || match[2] != direction {
			continue
		}
		out = append(out, migration{
			version: match[1],
			file:    entry.Name(),
			path:    filepath.Join(migrationsDir, entry.Name()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].file < out[j].file })
	return out, nil
}

func withMigrationLock(ctx context.Context, db *sql.DB, fn func(*sql.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockID)
	}()
	return fn(conn)
}

// runMigration executes m and bookkeeping, which receives m.file as $1, in
// one transaction.
func runMigration(ctx context.Context, conn *sql.Conn, m migration, bookkeeping string) error {
	contents, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", m.file, err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", m.file, err)
	}
	if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("execute migration %s: %w", m.file, err)
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, m.file); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", m.file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", m.file, err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, conn *sql.Conn, file string) (bool, error) {
	var exists bool
	err := conn.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, file).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", file, err)
	}
	return exists, nil
}
