package bundler

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"filippo.io/age"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	t.Setenv("AGE_SECRET_KEY", identity.String())
	t.Setenv("AGE_PUBLIC_KEY", "")
	signer, err := NewSignerFromEnv()
	if err != nil {
		t.Fatalf("NewSignerFromEnv: %v", err)
	}
	return signer
}

func writeArtifacts(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"specify.log":        "stage output\n",
		"plan.log":           "plan snapshot\n",
		"nested/verify.diff": "--- a\n+++ b\n",
	}
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestBuildAndVerifyRoundTrip(t *testing.T) {
	signer := newTestSigner(t)
	artifactsDir := writeArtifacts(t)
	output := filepath.Join(t.TempDir(), "run-bundle.tar.zst")

	var buf bytes.Buffer
	built, err := Build(context.Background(), BuildConfig{
		RunID:        "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		FeatureKey:   "FR-42",
		ArtifactsDir: artifactsDir,
		Output:       output,
		Signer:       signer,
		Now:          func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
		Stdout:       &buf,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(built.Artifacts) != 3 {
		t.Fatalf("artifacts = %d, want 3", len(built.Artifacts))
	}

	kinds := map[string]string{}
	for _, art := range built.Artifacts {
		kinds[art.Path] = art.Kind
	}
	if kinds["specify.log"] != "log" {
		t.Fatalf("specify.log kind = %q", kinds["specify.log"])
	}
	if kinds["nested/verify.diff"] != "diff" {
		t.Fatalf("verify.diff kind = %q", kinds["nested/verify.diff"])
	}

	manifest, files, cleanup, err := Verify(context.Background(), output, signer, &buf)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	defer cleanup()

	if manifest.RunID != built.RunID {
		t.Fatalf("run id = %q, want %q", manifest.RunID, built.RunID)
	}
	if manifest.FeatureKey != "FR-42" {
		t.Fatalf("feature key = %q", manifest.FeatureKey)
	}
	if len(files) != 3 {
		t.Fatalf("extracted files = %d, want 3", len(files))
	}
	data, err := os.ReadFile(files["artifacts/specify.log"])
	if err != nil {
		t.Fatalf("read extracted artifact: %v", err)
	}
	if string(data) != "stage output\n" {
		t.Fatalf("extracted content = %q", data)
	}
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	signer := newTestSigner(t)
	artifactsDir := writeArtifacts(t)
	output := filepath.Join(t.TempDir(), "run-bundle.tar.zst")

	_, err := Build(context.Background(), BuildConfig{
		RunID:        "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		ArtifactsDir: artifactsDir,
		Output:       output,
		Signer:       signer,
		Stdout:       &bytes.Buffer{},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// A verifier pinned to a different public key must refuse the bundle.
	otherPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	t.Setenv("AGE_SECRET_KEY", "")
	t.Setenv("AGE_PUBLIC_KEY", base64.StdEncoding.EncodeToString(otherPub))
	verifier, err := NewSignerFromEnv()
	if err != nil {
		t.Fatalf("NewSignerFromEnv: %v", err)
	}

	if _, _, _, err := Verify(context.Background(), output, verifier, &bytes.Buffer{}); err == nil {
		t.Fatalf("bundle signed by a different key was accepted")
	}
}

func TestBuildValidation(t *testing.T) {
	signer := newTestSigner(t)

	if _, err := Build(context.Background(), BuildConfig{
		ArtifactsDir: t.TempDir(),
		Output:       filepath.Join(t.TempDir(), "out.tar.zst"),
		Signer:       signer,
	}); err == nil {
		t.Fatalf("missing run id accepted")
	}

	if _, err := Build(context.Background(), BuildConfig{
		RunID:        "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		ArtifactsDir: t.TempDir(),
		Output:       filepath.Join(t.TempDir(), "out.tar.zst"),
		Signer:       signer,
	}); err == nil {
		t.Fatalf("empty artifacts dir accepted")
	}
}
