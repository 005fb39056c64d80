package main

import (
	"archive/tar"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/flowmesh/internal/config"
	"github.com/mtzanidakis/flowmesh/internal/store"
)

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 bytes"},
		{1023, "1023 bytes"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1610612736, "1.5 GB"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := formatSize(tt.bytes); got != tt.want {
				t.Errorf("formatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}

// createTestArchive builds a zstd-compressed tar with the given entries.
func createTestArchive(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.tar.zst")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(zw)
	for name, content := range entries {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func openStore(t *testing.T, path string) *store.Store {
	t.Helper()
	db, err := store.New(config.StoreConfig{Path: path})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := openStore(t, filepath.Join(dir, "src", "flowmesh.db"))
	if err := src.SaveSecret(&store.Secret{ID: "api-key", Name: "api-key", Value: []byte("ct"), Nonce: []byte("n")}); err != nil {
		t.Fatalf("save secret: %v", err)
	}

	archive := filepath.Join(dir, "backup.tar.zst")
	size, err := backupTo(src, archive)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if size <= 0 {
		t.Fatalf("expected non-empty archive, got %d bytes", size)
	}

	dest := filepath.Join(dir, "restored", "flowmesh.db")
	if err := restoreFrom(archive, dest, false); err != nil {
		t.Fatalf("restore: %v", err)
	}

	restored := openStore(t, dest)
	sec, err := restored.GetSecret("api-key")
	if err != nil {
		t.Fatalf("get secret: %v", err)
	}
	if sec == nil || string(sec.Value) != "ct" {
		t.Fatalf("secret not restored: %+v", sec)
	}
}

func TestRestoreRefusesExistingDatabase(t *testing.T) {
	archive := createTestArchive(t, map[string]string{dbEntry: "new"})
	dest := filepath.Join(t.TempDir(), "flowmesh.db")
	if err := os.WriteFile(dest, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := restoreFrom(archive, dest, false)
	if err == nil || !strings.Contains(err.Error(), "-overwrite") {
		t.Fatalf("expected overwrite error, got %v", err)
	}

	if err := restoreFrom(archive, dest, true); err != nil {
		t.Fatalf("restore with overwrite: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "new" {
		t.Fatalf("expected restored content, got %q", data)
	}
}

func TestRestoreRemovesStaleWAL(t *testing.T) {
	archive := createTestArchive(t, map[string]string{dbEntry: "db"})
	dest := filepath.Join(t.TempDir(), "flowmesh.db")
	for _, p := range []string{dest, dest + "-wal", dest + "-shm"} {
		if err := os.WriteFile(p, []byte("stale"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if err := restoreFrom(archive, dest, true); err != nil {
		t.Fatalf("restore: %v", err)
	}
	for _, p := range []string{dest + "-wal", dest + "-shm"} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("expected %s removed, stat err = %v", filepath.Base(p), err)
		}
	}
}

func TestRestoreWithoutDatabaseEntry(t *testing.T) {
	archive := createTestArchive(t, map[string]string{"notes.txt": "hello"})
	dest := filepath.Join(t.TempDir(), "flowmesh.db")

	err := restoreFrom(archive, dest, false)
	if err == nil || !strings.Contains(err.Error(), dbEntry) {
		t.Fatalf("expected missing entry error, got %v", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatalf("expected no database written, stat err = %v", err)
	}
}
