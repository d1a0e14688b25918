package registry

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"umpired/services/umpired/internal/confdoc"
	"umpired/services/umpired/internal/resstore"
)

const (
	manifestFileName  = "manifest.yaml"
	payloadsTarPrefix = "payloads"
)

// Manifest is the signed metadata of a bundle archive: the factory payloads
// it carries plus provenance of the build host.
type Manifest struct {
	Version          string            `yaml:"version"`
	CreatedAt        time.Time         `yaml:"created_at"`
	Board            string            `yaml:"board,omitempty"`
	Signer           string            `yaml:"signer,omitempty"`
	SigningPublicKey string            `yaml:"signing_public_key,omitempty"`
	Signature        string            `yaml:"signature,omitempty"`
	Payloads         []ManifestPayload `yaml:"payloads"`
}

// SigningBytes marshals the manifest without its signature, for signing and
// verification.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// ManifestPayload describes one payload file within the archive.
type ManifestPayload struct {
	Path   string `yaml:"path"`
	Role   string `yaml:"role"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}

// BuildArchiveConfig parameterizes BuildArchive.
type BuildArchiveConfig struct {
	PayloadsDir string
	Output      string
	Board       string
	Signer      *Signer
	Now         func() time.Time
	Stdout      io.Writer
}

// BuildArchive assembles a signed tar.zst bundle archive from the payload
// files in a directory. Only well-known payload file names are included.
func BuildArchive(ctx context.Context, cfg BuildArchiveConfig) (*Manifest, error) {
	if cfg.PayloadsDir == "" {
		return nil, errors.New("payloads directory is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(cfg.PayloadsDir)
	if err != nil {
		return nil, fmt.Errorf("read payloads dir: %w", err)
	}

	var payloads []ManifestPayload
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		roles, ok := payloadFiles[entry.Name()]
		if !ok {
			continue
		}
		path := filepath.Join(cfg.PayloadsDir, entry.Name())
		size, sha, err := hashPayload(path)
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, ManifestPayload{
			Path:   entry.Name(),
			Role:   roles[0],
			Size:   size,
			SHA256: sha,
		})
	}
	if len(payloads) == 0 {
		return nil, fmt.Errorf("no payload files found in %q", cfg.PayloadsDir)
	}
	sort.Slice(payloads, func(i, j int) bool { return payloads[i].Path < payloads[j].Path })

	manifest := &Manifest{
		Version:          "1",
		CreatedAt:        cfg.Now().UTC().Truncate(time.Second),
		Board:            cfg.Board,
		Signer:           cfg.Signer.Recipient(),
		SigningPublicKey: cfg.Signer.PublicKeyBase64(),
		Payloads:         payloads,
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for signing: %w", err)
	}
	sig, err := cfg.Signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}
	manifest.Signature = sig

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeArchive(cfg.Output, manifestBytes, cfg.PayloadsDir, payloads); err != nil {
		return nil, err
	}

	fmt.Fprintf(cfg.Stdout, "wrote bundle archive %s (%d payloads)\n", cfg.Output, len(payloads))
	return manifest, nil
}

// ImportArchive verifies a signed bundle archive, extracts its payloads and
// imports them as a new bundle. The config mutation follows ImportBundle.
func ImportArchive(ctx context.Context, store *resstore.Store, doc *confdoc.Document,
	archivePath, bundleID, note string, signer *Signer) (*confdoc.Document, string, error) {

	if signer == nil {
		return nil, "", errors.New("signer is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	file, err := os.Open(archivePath)
	if err != nil {
		return nil, "", fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, "", fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	tempDir, err := os.MkdirTemp("", "umpired-bundle-*")
	if err != nil {
		return nil, "", fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	var manifestBytes []byte
	tr := tar.NewReader(decoder)
	for {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := filepath.Clean(header.Name)
		if name == manifestFileName {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, "", fmt.Errorf("read manifest: %w", err)
			}
			manifestBytes = data
			continue
		}

		rel, ok := strings.CutPrefix(filepath.ToSlash(name), payloadsTarPrefix+"/")
		if !ok {
			continue
		}
		target := filepath.Join(tempDir, filepath.FromSlash(rel))
		if !strings.HasPrefix(target, tempDir+string(os.PathSeparator)) {
			return nil, "", fmt.Errorf("invalid entry path %q", name)
		}
		if err := extractFile(target, tr); err != nil {
			return nil, "", fmt.Errorf("extract %q: %w", rel, err)
		}
	}

	if len(manifestBytes) == 0 {
		return nil, "", errors.New("archive missing manifest.yaml")
	}

	var manifest Manifest
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, "", fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != "1" {
		return nil, "", fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}
	if manifest.Signature == "" {
		return nil, "", errors.New("manifest missing signature")
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, "", fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if err := signer.Verify(payload, manifest.Signature, manifest.SigningPublicKey); err != nil {
		return nil, "", fmt.Errorf("verify manifest signature: %w", err)
	}

	for _, p := range manifest.Payloads {
		path := filepath.Join(tempDir, filepath.FromSlash(p.Path))
		size, sha, err := hashPayload(path)
		if err != nil {
			return nil, "", fmt.Errorf("payload %q missing from archive: %w", p.Path, err)
		}
		if size != p.Size {
			return nil, "", fmt.Errorf("size mismatch for %q: expected %d got %d", p.Path, p.Size, size)
		}
		if !strings.EqualFold(sha, p.SHA256) {
			return nil, "", fmt.Errorf("sha256 mismatch for %q", p.Path)
		}
	}

	return ImportBundle(store, doc, tempDir, bundleID, note)
}

func writeArchive(output string, manifestBytes []byte, payloadsDir string, payloads []ManifestPayload) error {
	if dir := filepath.Dir(output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer file.Close()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	defer encoder.Close()

	tw := tar.NewWriter(encoder)
	defer tw.Close()

	manifestHeader := &tar.Header{
		Name:     manifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifestBytes)),
		ModTime:  time.Now().UTC(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(manifestHeader); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifestBytes); err != nil {
		return fmt.Errorf("write manifest body: %w", err)
	}

	for _, p := range payloads {
		fullPath := filepath.Join(payloadsDir, p.Path)
		info, err := os.Stat(fullPath)
		if err != nil {
			return fmt.Errorf("stat %q: %w", p.Path, err)
		}
		src, err := os.Open(fullPath)
		if err != nil {
			return fmt.Errorf("open %q: %w", p.Path, err)
		}

		header := &tar.Header{
			Name:     payloadsTarPrefix + "/" + p.Path,
			Mode:     int64(info.Mode().Perm()),
			Size:     info.Size(),
			ModTime:  info.ModTime(),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(header); err != nil {
			src.Close()
			return fmt.Errorf("write header for %q: %w", p.Path, err)
		}
		if _, err := io.Copy(tw, src); err != nil {
			src.Close()
			return fmt.Errorf("copy %q: %w", p.Path, err)
		}
		src.Close()
	}

	return nil
}

func extractFile(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func hashPayload(path string) (int64, string, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return 0, "", fmt.Errorf("hash %q: %w", path, err)
	}
	return size, hex.EncodeToString(hash.Sum(nil)), nil
}
