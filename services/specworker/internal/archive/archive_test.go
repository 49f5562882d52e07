package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
)

type fakeStore struct {
	bucket, key string
	body        []byte
	size        int64
	checksum    string
}

func (f *fakeStore) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, sum string) error {
	f.bucket, f.key, f.size, f.checksum = bucket, key, size, sum
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.body = body
	return nil
}

func (f *fakeStore) PresignGet(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	return "https://s3.example.com/" + bucket + "/" + key, nil
}

func writeArtifacts(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "artifacts")
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "spec.md"), []byte("# spec\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "logs", "build.log"), []byte("ok\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func tarEntries(t *testing.T, zstdData []byte) map[string]string {
	t.Helper()
	zr, err := zstd.NewReader(bytes.NewReader(zstdData))
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer zr.Close()
	tr := tar.NewReader(zr)
	entries := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar next: %v", err)
		}
		if hdr.Typeflag == tar.TypeDir {
			entries[hdr.Name] = ""
			continue
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		entries[hdr.Name] = string(body)
	}
	return entries
}

func TestArchivePlain(t *testing.T) {
	store := &fakeStore{}
	a, err := NewArchiver(store, "spec-archives", "", log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewArchiver: %v", err)
	}
	dir := writeArtifacts(t)

	res, err := a.Archive(context.Background(), "run-1", dir)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if res.Key != "runs/run-1/artifacts.tar.zst" {
		t.Errorf("key = %q", res.Key)
	}
	if res.Encrypted {
		t.Error("plain archive should not be marked encrypted")
	}
	if res.URL != "https://s3.example.com/spec-archives/"+res.Key {
		t.Errorf("url = %q", res.URL)
	}
	if store.size != int64(len(store.body)) || res.SizeBytes != store.size {
		t.Errorf("size mismatch: res %d, put %d, body %d", res.SizeBytes, store.size, len(store.body))
	}

	sum := sha256.Sum256(store.body)
	if res.Checksum != hex.EncodeToString(sum[:]) || store.checksum != res.Checksum {
		t.Error("checksum must match the uploaded bytes")
	}

	entries := tarEntries(t, store.body)
	if entries["spec.md"] != "# spec\n" {
		t.Errorf("spec.md = %q", entries["spec.md"])
	}
	if entries["logs/build.log"] != "ok\n" {
		t.Errorf("logs/build.log = %q", entries["logs/build.log"])
	}

	// Staging file must not survive next to the artifacts dir.
	leftover := filepath.Join(filepath.Dir(dir), "artifacts.tar.zst")
	if _, err := os.Stat(leftover); !os.IsNotExist(err) {
		t.Errorf("staging file left behind: %v", err)
	}
}

func TestArchiveEncrypted(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	store := &fakeStore{}
	a, err := NewArchiver(store, "spec-archives", identity.Recipient().String(), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewArchiver: %v", err)
	}

	res, err := a.Archive(context.Background(), "run-2", writeArtifacts(t))
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if res.Key != "runs/run-2/artifacts.tar.zst.age" || !res.Encrypted {
		t.Fatalf("res = %+v", res)
	}

	dec, err := age.Decrypt(bytes.NewReader(store.body), identity)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	plain, err := io.ReadAll(dec)
	if err != nil {
		t.Fatal(err)
	}
	entries := tarEntries(t, plain)
	if entries["spec.md"] != "# spec\n" {
		t.Error("decrypted archive should contain the artifacts")
	}
}

func TestArchiveValidation(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	if _, err := NewArchiver(nil, "b", "", logger); err == nil {
		t.Error("nil store should be rejected")
	}
	if _, err := NewArchiver(&fakeStore{}, "", "", logger); err == nil {
		t.Error("empty bucket should be rejected")
	}
	if _, err := NewArchiver(&fakeStore{}, "b", "not-an-age-key", logger); err == nil {
		t.Error("bad recipient should be rejected")
	}

	a, err := NewArchiver(&fakeStore{}, "b", "", logger)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Archive(context.Background(), "r", filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("missing artifacts dir should error")
	}
}
