package resstore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "resources"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestParseName(t *testing.T) {
	tests := []struct {
		name     string
		id       string
		wantBase string
		wantHash string
		wantErr  bool
	}{
		{"simple", "hwid.gz##0123abcd", "hwid.gz", "0123abcd", false},
		{"embedded separator", "tool##kit.run##deadbeef", "tool##kit.run", "deadbeef", false},
		{"no separator", "hwid.gz", "", "", true},
		{"short hash", "hwid.gz##abc", "", "", true},
		{"uppercase hash", "hwid.gz##DEADBEEF", "", "", true},
		{"empty base", "##deadbeef", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, hash, err := ParseName(tt.id)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseName(%q) = %q, %q, want error", tt.id, base, hash)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseName(%q): %v", tt.id, err)
			}
			if base != tt.wantBase || hash != tt.wantHash {
				t.Errorf("ParseName(%q) = %q, %q, want %q, %q", tt.id, base, hash, tt.wantBase, tt.wantHash)
			}
		})
	}
}

func TestAddResource(t *testing.T) {
	s := newStore(t)
	src := writeFile(t, t.TempDir(), "hwid.gz", "hwid payload v1")

	id, err := s.AddResource(src)
	if err != nil {
		t.Fatalf("AddResource: %v", err)
	}
	base, hash, err := ParseName(id)
	if err != nil {
		t.Fatalf("ParseName(%q): %v", id, err)
	}
	if base != "hwid.gz" {
		t.Errorf("base = %q, want hwid.gz", base)
	}
	if len(hash) != HashLen {
		t.Errorf("hash = %q, want %d hex chars", hash, HashLen)
	}

	path, err := s.GetResourcePath(id, true)
	if err != nil {
		t.Fatalf("GetResourcePath: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read stored resource: %v", err)
	}
	if string(got) != "hwid payload v1" {
		t.Errorf("stored content = %q", got)
	}
}

func TestAddResourceIdempotent(t *testing.T) {
	s := newStore(t)
	dir := t.TempDir()
	src := writeFile(t, dir, "firmware.gz", "firmware blob")

	first, err := s.AddResource(src)
	if err != nil {
		t.Fatalf("first add: %v", err)
	}
	second, err := s.AddResource(src)
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if first != second {
		t.Errorf("ids differ: %q vs %q", first, second)
	}

	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatalf("read store dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("store has %d entries, want 1", len(entries))
	}
}

func TestAddResourceCollision(t *testing.T) {
	s := newStore(t)
	src := writeFile(t, t.TempDir(), "hwid.gz", "original bytes")

	id, err := s.AddResource(src)
	if err != nil {
		t.Fatalf("AddResource: %v", err)
	}

	// Corrupt the stored blob so the same source now mismatches the
	// existing file of the same name.
	path, err := s.GetResourcePath(id, true)
	if err != nil {
		t.Fatalf("GetResourcePath: %v", err)
	}
	if err := os.WriteFile(path, []byte("tampered bytes!"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if _, err := s.AddResource(src); err == nil {
		t.Fatal("AddResource after tamper succeeded, want collision error")
	} else if !strings.Contains(err.Error(), "collision") {
		t.Errorf("error = %v, want collision", err)
	}
}

func TestAddConfig(t *testing.T) {
	s := newStore(t)
	blob := []byte(`{"bundles": []}`)

	id, err := s.AddConfig(blob, "umpire")
	if err != nil {
		t.Fatalf("AddConfig: %v", err)
	}
	if !strings.HasPrefix(id, "umpire.json##") {
		t.Errorf("id = %q, want umpire.json## prefix", id)
	}
	again, err := s.AddConfig(blob, "umpire")
	if err != nil {
		t.Fatalf("AddConfig again: %v", err)
	}
	if id != again {
		t.Errorf("ids differ: %q vs %q", id, again)
	}

	got, err := s.ReadResource(id)
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if string(got) != string(blob) {
		t.Errorf("content = %q", got)
	}
}

func TestGetResourcePath(t *testing.T) {
	s := newStore(t)
	src := writeFile(t, t.TempDir(), "rootfs-release.gz", "release image")
	id, err := s.AddResource(src)
	if err != nil {
		t.Fatalf("AddResource: %v", err)
	}

	tests := []struct {
		name    string
		id      string
		check   bool
		wantErr error
	}{
		{"existing checked", id, true, nil},
		{"missing unchecked", "ghost.gz##deadbeef", false, nil},
		{"missing checked", "ghost.gz##deadbeef", true, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.GetResourcePath(tt.id, tt.check)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("GetResourcePath: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := s.GetResourcePath("../escape##deadbeef", false); err == nil {
		t.Error("path traversal id accepted")
	}
	if _, err := s.GetResourcePath("no-hash-here", false); err == nil {
		t.Error("malformed id accepted")
	}
}

func TestExport(t *testing.T) {
	s := newStore(t)
	src := writeFile(t, t.TempDir(), "complete.gz", "complete script")
	id, err := s.AddResource(src)
	if err != nil {
		t.Fatalf("AddResource: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "out.gz")
	if err := s.Export(id, dest); err != nil {
		t.Fatalf("Export: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if string(got) != "complete script" {
		t.Errorf("export content = %q", got)
	}

	if err := s.Export("ghost.gz##deadbeef", dest); !errors.Is(err, ErrNotFound) {
		t.Errorf("Export missing = %v, want ErrNotFound", err)
	}
}
