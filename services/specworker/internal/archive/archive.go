// Package archive packs a run's artifacts directory into a zstd-compressed
// tarball, optionally encrypts it for an age recipient, and uploads it to
// object storage.
package archive

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
)

// uploader is the slice of the object storage client the archiver needs.
type uploader interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// Archiver builds and uploads run artifact archives.
type Archiver struct {
	store     uploader
	bucket    string
	recipient *age.X25519Recipient
	logger    *log.Logger
}

// NewArchiver wires an Archiver. ageRecipient is an optional "age1..."
// public key; when set, archives are encrypted before upload.
func NewArchiver(store uploader, bucket, ageRecipient string, logger *log.Logger) (*Archiver, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	a := &Archiver{store: store, bucket: bucket, logger: logger}
	if ageRecipient != "" {
		r, err := age.ParseX25519Recipient(ageRecipient)
		if err != nil {
			return nil, fmt.Errorf("parse age recipient: %w", err)
		}
		a.recipient = r
	}
	return a, nil
}

// Result describes a completed archive upload.
type Result struct {
	Key       string
	URL       string
	Checksum  string
	SizeBytes int64
	Encrypted bool
}

// Archive packs artifactsDir, uploads it under runs/{runID}/, and returns a
// presigned URL with the archive's SHA-256. The staging file is written next
// to the artifacts directory and removed after upload.
func (a *Archiver) Archive(ctx context.Context, runID, artifactsDir string) (*Result, error) {
	info, err := os.Stat(artifactsDir)
	if err != nil {
		return nil, fmt.Errorf("stat artifacts dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("artifacts path %s is not a directory", artifactsDir)
	}

	key := "runs/" + runID + "/artifacts.tar.zst"
	if a.recipient != nil {
		key += ".age"
	}

	staging := filepath.Join(filepath.Dir(artifactsDir), filepath.Base(key))
	checksum, size, err := a.pack(artifactsDir, staging)
	if err != nil {
		return nil, err
	}
	defer os.Remove(staging)

	f, err := os.Open(staging)
	if err != nil {
		return nil, fmt.Errorf("open staged archive: %w", err)
	}
	defer f.Close()

	if err := a.store.PutObject(ctx, a.bucket, key, f, size, checksum); err != nil {
		return nil, fmt.Errorf("upload archive: %w", err)
	}
	url, err := a.store.PresignGet(ctx, a.bucket, key, 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("presign archive: %w", err)
	}

	a.logger.Printf("level=info msg=\"artifacts archived\" run=%q key=%q bytes=%d encrypted=%v",
		runID, key, size, a.recipient != nil)
	return &Result{
		Key:       key,
		URL:       url,
		Checksum:  checksum,
		SizeBytes: size,
		Encrypted: a.recipient != nil,
	}, nil
}

// pack writes the tar.zst (optionally age-wrapped) to dest and returns its
// hex SHA-256 and size.
func (a *Archiver) pack(srcDir, dest string) (string, int64, error) {
	f, err := os.Create(dest)
	if err != nil {
		return "", 0, fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	var sink io.Writer = io.MultiWriter(f, hasher)

	var ageWriter io.WriteCloser
	if a.recipient != nil {
		ageWriter, err = age.Encrypt(sink, a.recipient)
		if err != nil {
			return "", 0, fmt.Errorf("start encryption: %w", err)
		}
		sink = ageWriter
	}

	zw, err := zstd.NewWriter(sink)
	if err != nil {
		return "", 0, fmt.Errorf("start compression: %w", err)
	}

	tw := tar.NewWriter(zw)
	walkErr := filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if walkErr != nil {
		tw.Close()
		zw.Close()
		return "", 0, fmt.Errorf("pack artifacts: %w", walkErr)
	}
	if err := tw.Close(); err != nil {
		return "", 0, fmt.Errorf("finish tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", 0, fmt.Errorf("finish compression: %w", err)
	}
	if ageWriter != nil {
		if err := ageWriter.Close(); err != nil {
			return "", 0, fmt.Errorf("finish encryption: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		return "", 0, fmt.Errorf("sync archive: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("stat archive: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), stat.Size(), nil
}
