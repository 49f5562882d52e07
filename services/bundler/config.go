package bundler

import (
	"io"
	"time"

	gos3 "specd/pkg/s3"
)

// BuildConfig configures evidence bundle creation for a run.
type BuildConfig struct {
	RunID        string
	FeatureKey   string
	ArtifactsDir string
	Output       string
	Signer       *Signer
	Now          func() time.Time
	Stdout       io.Writer
}

// ImportConfig configures bundle verification and upload.
type ImportConfig struct {
	BundlePath string
	Bucket     string
	S3         *gos3.Client
	Signer     *Signer
	Stdout     io.Writer
}
