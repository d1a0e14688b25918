package registry

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"umpired/services/umpired/internal/confdoc"
)

func testSigner(t *testing.T) *Signer {
	t.Helper()
	seed := bytes.Repeat([]byte{0x42}, ed25519.SeedSize)
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{
		privateKey: priv,
		publicKey:  ed25519.PublicKey(priv[ed25519.SeedSize:]),
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	signer := testSigner(t)
	payloadsDir := writePayloads(t, map[string]string{
		"install_factory_toolkit.run": "toolkit v5",
		"firmware.gz":                 "firmware v5",
		"notes.txt":                   "not a payload",
	})
	output := filepath.Join(t.TempDir(), "bundle.tar.zst")

	manifest, err := BuildArchive(context.Background(), BuildArchiveConfig{
		PayloadsDir: payloadsDir,
		Output:      output,
		Board:       "samus",
		Signer:      signer,
		Now:         func() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) },
		Stdout:      io.Discard,
	})
	if err != nil {
		t.Fatalf("BuildArchive: %v", err)
	}
	if len(manifest.Payloads) != 2 {
		t.Errorf("payloads = %d, want 2", len(manifest.Payloads))
	}
	if manifest.Signature == "" {
		t.Error("manifest not signed")
	}

	store := newStore(t)
	doc := baseDoc(t, store)

	next, id, err := ImportArchive(context.Background(), store, doc, output, "from_archive", "signed import", signer)
	if err != nil {
		t.Fatalf("ImportArchive: %v", err)
	}
	if id != "from_archive" {
		t.Errorf("bundle id = %q", id)
	}

	b, ok := next.GetBundle("from_archive")
	if !ok {
		t.Fatal("imported bundle missing")
	}
	res, ok := b.Resources[confdoc.RoleFirmware]
	if !ok {
		t.Fatal("firmware payload missing")
	}
	got, err := store.ReadResource(res)
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if string(got) != "firmware v5" {
		t.Errorf("firmware content = %q", got)
	}
}

func TestImportArchiveRejectsBadSignature(t *testing.T) {
	signer := testSigner(t)
	payloadsDir := writePayloads(t, map[string]string{"hwid.gz": "hwid v5"})
	output := filepath.Join(t.TempDir(), "bundle.tar.zst")

	if _, err := BuildArchive(context.Background(), BuildArchiveConfig{
		PayloadsDir: payloadsDir,
		Output:      output,
		Signer:      signer,
		Stdout:      io.Discard,
	}); err != nil {
		t.Fatalf("BuildArchive: %v", err)
	}

	// A verifier holding a different key must reject the archive even though
	// the manifest embeds the signing public key.
	otherSeed := bytes.Repeat([]byte{0x07}, ed25519.SeedSize)
	otherPriv := ed25519.NewKeyFromSeed(otherSeed)
	verifier := &Signer{publicKey: ed25519.PublicKey(otherPriv[ed25519.SeedSize:])}

	store := newStore(t)
	doc := baseDoc(t, store)
	_, _, err := ImportArchive(context.Background(), store, doc, output, "x", "", verifier)
	if err == nil || !strings.Contains(err.Error(), "unexpected key") {
		t.Errorf("err = %v, want unexpected key", err)
	}
}
