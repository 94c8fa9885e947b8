package postgres

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestLoadMigrationsOrdersAndSkips(t *testing.T) {
	fsys := fstest.MapFS{
		"010_late.sql":   {Data: []byte("SELECT 10")},
		"002_second.sql": {Data: []byte("SELECT 2")},
		"001_first.sql":  {Data: []byte("SELECT 1")},
		"README.md":      {Data: []byte("notes")},
		"draft.sql":      {Data: []byte("SELECT 0")},
		"abc_bad.sql":    {Data: []byte("SELECT 0")},
	}

	got, err := LoadMigrations(fsys)
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}

	want := []int{1, 2, 10}
	if len(got) != len(want) {
		t.Fatalf("got %d migrations, want %d", len(got), len(want))
	}
	for i, v := range want {
		if got[i].Version != v {
			t.Errorf("migration %d version = %d, want %d", i, got[i].Version, v)
		}
	}
	if got[0].SQL != "SELECT 1" {
		t.Errorf("SQL = %q", got[0].SQL)
	}
}

func TestLoadMigrationsDuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_a.sql":  {Data: []byte("SELECT 1")},
		"0001_b.sql": {Data: []byte("SELECT 1")},
	}
	if _, err := LoadMigrations(fsys); err == nil {
		t.Fatal("expected duplicate version error")
	}
}

func TestEmbeddedMigrationsCreateTables(t *testing.T) {
	m := NewMigrator(nil, nil)
	migrations, err := LoadMigrations(m.files)
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}

	var all strings.Builder
	for i, mig := range migrations {
		if mig.Version != i+1 {
			t.Errorf("migration %s has version %d, want %d", mig.Name, mig.Version, i+1)
		}
		all.WriteString(mig.SQL)
	}

	for _, table := range []string{"drug_dosing_profiles", "calculation_events", "outbox", "inbox"} {
		if !strings.Contains(all.String(), "CREATE TABLE IF NOT EXISTS "+table+" ") {
			t.Errorf("no migration creates %s", table)
		}
	}
}
