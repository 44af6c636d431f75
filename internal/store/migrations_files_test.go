package store

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	ups, err := listMigrations(migrationsDir, "up")
	if err != nil {
		t.Fatalf("list up migrations: %v", err)
	}
	downs, err := listMigrations(migrationsDir, "down")
	if err != nil {
		t.Fatalf("list down migrations: %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("no migrations discovered")
	}
	if len(ups) != len(downs) {
		t.Fatalf("expected as many down files as up files, got %d up and %d down", len(ups), len(downs))
	}

	seen := map[string]bool{}
	for i, up := range ups {
		if seen[up.version] {
			t.Fatalf("duplicate up migration for version %s", up.version)
		}
		seen[up.version] = true
		if i > 0 && ups[i-1].version >= up.version {
			t.Fatalf("migrations out of order: %s before %s", ups[i-1].file, up.file)
		}
		want := strings.TrimSuffix(up.file, ".up.sql") + ".down.sql"
		if downs[i].file != want {
			t.Fatalf("version %s must include %s, found %s", up.version, want, downs[i].file)
		}
	}
}

func TestListMigrationsMissingDir(t *testing.T) {
	if _, err := listMigrations(filepath.Join(t.TempDir(), "missing"), "up"); err == nil {
		t.Fatal("expected an error for a missing migrations dir")
	}
}
