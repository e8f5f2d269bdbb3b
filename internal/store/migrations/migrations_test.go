package migrations

import (
	"io/fs"
	"strings"
	"testing"
)

func TestEmbeddedMigrationsDeclareGooseSections(t *testing.T) {
	t.Parallel()
	entries, err := fs.ReadDir(Files(), migrationsDir)
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("expected at least one migration")
	}
	for _, entry := range entries {
		contents, err := fs.ReadFile(Files(), migrationsDir+"/"+entry.Name())
		if err != nil {
			t.Fatalf("read %s: %v", entry.Name(), err)
		}
		text := string(contents)
		if !strings.Contains(text, "-- +goose Up") || !strings.Contains(text, "-- +goose Down") {
			t.Fatalf("%s is missing goose annotations", entry.Name())
		}
	}
}

func TestInitialMigrationEnforcesGrantPairUniqueness(t *testing.T) {
	t.Parallel()
	contents, err := fs.ReadFile(Files(), migrationsDir+"/00001_create_paywall_tables.sql")
	if err != nil {
		t.Fatalf("read initial migration: %v", err)
	}
	if !strings.Contains(string(contents), "constraint uniq_access_grants_user_listing unique (user_id, listing_id)") {
		t.Fatalf("access_grants must enforce the (user_id, listing_id) constraint")
	}
}

func TestNewMigratorRejectsNilPool(t *testing.T) {
	t.Parallel()
	if _, err := NewMigrator(nil, nil); err == nil {
		t.Fatalf("expected error for nil pool")
	}
}
