package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestVersionFromFile(t *testing.T) {
	tests := []struct {
		name    string
		want    int64
		wantErr bool
	}{
		{"001_init.up.sql", 1, false},
		{"012_add_index.up.sql", 12, false},
		{"init.up.sql", 0, true},
		{"abc_init.up.sql", 0, true},
	}
	for _, tt := range tests {
		got, err := versionFromFile(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("versionFromFile(%q) err = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("versionFromFile(%q) = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestPendingFiles_sortsAndSkipsDown(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{"010_late.up.sql", "002_second.up.sql", "002_second.down.sql", "README.md"} {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("SELECT 1;"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	files, err := pendingFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || files[0].version != 2 || files[1].version != 10 {
		t.Errorf("files = %+v, want versions [2 10]", files)
	}
}

func TestPendingFiles_duplicateVersion(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{"003_a.up.sql", "003_b.up.sql"} {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("SELECT 1;"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := pendingFiles(dir); err == nil {
		t.Error("expected error for duplicate version")
	}
}

func TestPendingFiles_repoMigrations(t *testing.T) {
	files, err := pendingFiles(filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) == 0 || files[0].version != 1 {
		t.Errorf("files = %+v, want 001 first", files)
	}
}
