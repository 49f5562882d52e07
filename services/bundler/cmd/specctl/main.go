package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	gos3 "specd/pkg/s3"
	"specd/services/bundler"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "specctl",
		Short:         "Operator CLI for automation runs and evidence bundles",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newBundlesCommand())
	cmd.AddCommand(newRunsCommand())
	return cmd
}

func newBundlesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundles",
		Short: "Bundle build, verify, and import operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newBundlesBuildCommand())
	cmd.AddCommand(newBundlesVerifyCommand())
	cmd.AddCommand(newBundlesImportCommand())
	return cmd
}

func newBundlesBuildCommand() *cobra.Command {
	var (
		runID        string
		featureKey   string
		artifactsDir string
		output       string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Create a signed evidence bundle from a run's artifacts directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			signer, err := bundler.NewSignerFromEnv()
			if err != nil {
				return err
			}
			_, err = bundler.Build(ctx, bundler.BuildConfig{
				RunID:        runID,
				FeatureKey:   featureKey,
				ArtifactsDir: artifactsDir,
				Output:       output,
				Signer:       signer,
				Stdout:       os.Stdout,
			})
			return err
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "Run the artifacts belong to")
	cmd.Flags().StringVar(&featureKey, "feature-key", "", "Feature key recorded in the manifest")
	cmd.Flags().StringVar(&artifactsDir, "artifacts-dir", "", "Directory containing artifacts to include")
	cmd.Flags().StringVar(&output, "output", "", "Destination bundle file (tar.zst)")
	_ = cmd.MarkFlagRequired("run-id")
	_ = cmd.MarkFlagRequired("artifacts-dir")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newBundlesVerifyCommand() *cobra.Command {
	var bundleFile string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a bundle's signature and artifact checksums",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			signer, err := bundler.NewSignerFromEnv()
			if err != nil {
				return err
			}
			_, _, cleanup, err := bundler.Verify(ctx, bundleFile, signer, os.Stdout)
			if err != nil {
				return err
			}
			cleanup()
			return nil
		},
	}

	cmd.Flags().StringVar(&bundleFile, "file", "", "Path to the bundle tar.zst")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newBundlesImportCommand() *cobra.Command {
	var (
		bundleFile string
		bucket     string
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Verify a bundle and upload its artifacts to the object store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			signer, err := bundler.NewSignerFromEnv()
			if err != nil {
				return err
			}
			s3Client, err := gos3.NewClientFromEnv()
			if err != nil {
				return fmt.Errorf("s3 client: %w", err)
			}
			_, err = bundler.Import(ctx, bundler.ImportConfig{
				BundlePath: bundleFile,
				Bucket:     bucket,
				S3:         s3Client,
				Signer:     signer,
				Stdout:     os.Stdout,
			})
			return err
		},
	}

	cmd.Flags().StringVar(&bundleFile, "file", "", "Path to the bundle tar.zst")
	cmd.Flags().StringVar(&bucket, "bucket", "", "Destination S3 bucket")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("bucket")
	return cmd
}
