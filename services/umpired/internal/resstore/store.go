// Package resstore implements the content-addressed resource store backing
// umpired. Every payload file (toolkit, firmware image, HWID bundle, config
// document) is stored immutably under resources/ as <name>##<hash>, where
// <hash> is the first 8 hex characters of the file's SHA-256 digest.
package resstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// HashLen is the number of hex characters kept from the full digest. Short
// names are worth the reduced collision resistance because same-name
// collisions are additionally guarded by full-content comparison in Add.
const HashLen = 8

const nameSeparator = "##"

// ErrNotFound marks a resource id that does not resolve in the store.
var ErrNotFound = errors.New("resource not found")

// ResourceError wraps failures of store operations.
type ResourceError struct {
	Op   string
	Name string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("resstore: %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

func resourceErr(op, name string, err error) error {
	return &ResourceError{Op: op, Name: name, Err: err}
}

// Store is rooted at a resources directory. All writes go through a temp file
// followed by rename(2) so readers never observe a partially written blob.
type Store struct {
	dir string
}

// Open creates the resources directory if needed and returns a Store.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("resources directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create resources dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the resources directory the store is rooted at.
func (s *Store) Dir() string { return s.dir }

// BuildName composes a resource id from an original file name and its hash.
func BuildName(base, hash string) string {
	return base + nameSeparator + hash
}

// ParseName splits a resource id into original name and hash. The hash part
// must be exactly HashLen lowercase hex characters.
func ParseName(id string) (base, hash string, err error) {
	idx := strings.LastIndex(id, nameSeparator)
	if idx <= 0 {
		return "", "", fmt.Errorf("malformed resource name %q", id)
	}
	base = id[:idx]
	hash = id[idx+len(nameSeparator):]
	if len(hash) != HashLen {
		return "", "", fmt.Errorf("malformed resource hash in %q", id)
	}
	for _, c := range hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", "", fmt.Errorf("malformed resource hash in %q", id)
		}
	}
	return base, hash, nil
}

// FileHash returns the truncated content hash of the file at path.
func FileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil))[:HashLen], nil
}

// BlobHash returns the truncated content hash of an in-memory blob.
func BlobHash(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])[:HashLen]
}

// AddResource copies the file at srcPath into the store under its
// content-addressed name and returns the resource id. Adding byte-identical
// content twice is a no-op returning the same id. Same name+hash with
// different bytes is a collision and fails.
func (s *Store) AddResource(srcPath string) (string, error) {
	info, err := os.Stat(srcPath)
	if err != nil {
		return "", resourceErr("add", srcPath, err)
	}
	if info.IsDir() {
		return "", resourceErr("add", srcPath, errors.New("source is a directory"))
	}

	hash, err := FileHash(srcPath)
	if err != nil {
		return "", resourceErr("add", srcPath, err)
	}
	id := BuildName(filepath.Base(srcPath), hash)

	if err := s.place(srcPath, id); err != nil {
		return "", err
	}
	return id, nil
}

// AddConfig stores a serialized config document as a resource of the given
// config type, named <type>.json##<hash>. Config documents share the store so
// every historical config stays addressable for rollback and audit.
func (s *Store) AddConfig(blob []byte, typeName string) (string, error) {
	if typeName == "" {
		return "", resourceErr("add-config", "", errors.New("config type name is required"))
	}
	id := BuildName(typeName+".json", BlobHash(blob))

	dst := filepath.Join(s.dir, id)
	if existing, err := os.ReadFile(dst); err == nil {
		if bytes.Equal(existing, blob) {
			return id, nil
		}
		return "", resourceErr("add-config", id, errors.New("hash collision with existing resource"))
	}

	if err := s.writeAtomic(dst, blob); err != nil {
		return "", resourceErr("add-config", id, err)
	}
	return id, nil
}

// GetResourcePath resolves a resource id to an absolute path. With check set
// the resource must exist on disk.
func (s *Store) GetResourcePath(id string, check bool) (string, error) {
	if _, _, err := ParseName(id); err != nil {
		return "", resourceErr("resolve", id, err)
	}
	if filepath.Base(id) != id {
		return "", resourceErr("resolve", id, errors.New("resource name must not contain path separators"))
	}
	path := filepath.Join(s.dir, id)
	if check {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", resourceErr("resolve", id, ErrNotFound)
			}
			return "", resourceErr("resolve", id, err)
		}
	}
	return path, nil
}

// ReadResource returns the contents of the resource with the given id.
func (s *Store) ReadResource(id string) ([]byte, error) {
	path, err := s.GetResourcePath(id, true)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, resourceErr("read", id, err)
	}
	return data, nil
}

// Export copies the resource with the given id to destPath.
func (s *Store) Export(id, destPath string) error {
	src, err := s.GetResourcePath(id, true)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return resourceErr("export", id, err)
	}
	defer in.Close()

	tmp := destPath + ".part"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return resourceErr("export", id, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return resourceErr("export", id, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return resourceErr("export", id, err)
	}
	if err := os.Rename(tmp, destPath); err != nil {
		os.Remove(tmp)
		return resourceErr("export", id, err)
	}
	return nil
}

// place installs srcPath under the store as id, tolerating an identical
// existing blob and rejecting a differing one.
func (s *Store) place(srcPath, id string) error {
	dst := filepath.Join(s.dir, id)

	if _, err := os.Stat(dst); err == nil {
		same, err := sameContent(srcPath, dst)
		if err != nil {
			return resourceErr("add", id, err)
		}
		if same {
			return nil
		}
		return resourceErr("add", id, errors.New("hash collision with existing resource"))
	}

	in, err := os.Open(srcPath)
	if err != nil {
		return resourceErr("add", id, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(s.dir, ".add-*")
	if err != nil {
		return resourceErr("add", id, err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return resourceErr("add", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return resourceErr("add", id, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return resourceErr("add", id, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return resourceErr("add", id, err)
	}
	return nil
}

func (s *Store) writeAtomic(dst string, blob []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".add-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func sameContent(a, b string) (bool, error) {
	ha, err := FileHash(a)
	if err != nil {
		return false, err
	}
	hb, err := FileHash(b)
	if err != nil {
		return false, err
	}
	if ha != hb {
		return false, nil
	}

	// Truncated hashes can collide; settle it byte for byte.
	fa, err := os.ReadFile(a)
	if err != nil {
		return false, err
	}
	fb, err := os.ReadFile(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(fa, fb), nil
}
