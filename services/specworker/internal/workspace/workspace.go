// Package workspace manages the per-run directory layout on the worker host:
// a repo checkout, an isolated HOME, and an artifacts directory under
// {root}/runs/{runID}/.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ConfigurationError marks a failure caused by operator configuration or
// input rather than a transient runtime fault. Callers fail the run without
// retrying.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return e.Msg }

func configErrorf(format string, args ...any) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

const (
	repoDirname      = "repo"
	homeDirname      = "home"
	artifactsDirname = "artifacts"
)

// Manager creates, inspects, and removes run workspaces under a fixed root.
type Manager struct {
	root        string
	runsDirname string
	logger      *log.Logger
}

// NewManager validates the root and returns a Manager. root must be an
// absolute path.
func NewManager(root, runsDirname string, logger *log.Logger) (*Manager, error) {
	if root == "" {
		return nil, errors.New("workspace root is required")
	}
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("workspace root must be absolute, got %q", root)
	}
	if runsDirname == "" {
		runsDirname = "runs"
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Manager{root: root, runsDirname: runsDirname, logger: logger}, nil
}

// RunRoot returns the workspace directory for a run.
func (m *Manager) RunRoot(runID string) string {
	return filepath.Join(m.root, m.runsDirname, runID)
}

// RepoPath returns the repository checkout directory for a run.
func (m *Manager) RepoPath(runID string) string {
	return filepath.Join(m.RunRoot(runID), repoDirname)
}

// HomePath returns the isolated HOME directory for a run.
func (m *Manager) HomePath(runID string) string {
	return filepath.Join(m.RunRoot(runID), homeDirname)
}

// ArtifactsPath returns the artifacts directory for a run.
func (m *Manager) ArtifactsPath(runID string) string {
	return filepath.Join(m.RunRoot(runID), artifactsDirname)
}

// JobContainerName derives the deterministic container name for a run.
func JobContainerName(runID string) string {
	return "spec-automation-job-" + runID
}

// EnsureWorkspace creates the run's directory tree. A run ID that escapes the
// runs root (path traversal, separators, empty) is a ConfigurationError.
func (m *Manager) EnsureWorkspace(runID string) (string, error) {
	if err := m.checkRunID(runID); err != nil {
		return "", err
	}
	root := m.RunRoot(runID)
	for _, dir := range []string{root, m.RepoPath(runID), m.HomePath(runID), m.ArtifactsPath(runID)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create workspace dir %s: %w", dir, err)
		}
	}
	return root, nil
}

func (m *Manager) checkRunID(runID string) error {
	if runID == "" {
		return configErrorf("run id must not be empty")
	}
	if strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return configErrorf("run id %q contains path separators", runID)
	}
	runsRoot := filepath.Join(m.root, m.runsDirname)
	resolved := filepath.Clean(filepath.Join(runsRoot, runID))
	if resolved == runsRoot || !strings.HasPrefix(resolved, runsRoot+string(filepath.Separator)) {
		return configErrorf("run id %q escapes the workspace root", runID)
	}
	return nil
}

// CleanupWorkspace removes the repo checkout and HOME for a run. Artifacts
// are preserved unless removeArtifacts is set. Missing directories are not
// errors.
func (m *Manager) CleanupWorkspace(runID string, removeArtifacts bool) error {
	if err := m.checkRunID(runID); err != nil {
		return err
	}
	targets := []string{m.RepoPath(runID), m.HomePath(runID)}
	if removeArtifacts {
		targets = []string{m.RunRoot(runID)}
	}
	for _, dir := range targets {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove %s: %w", dir, err)
		}
	}
	return nil
}

// EnsureArtifactFile resolves a relative path under the run's artifacts
// directory, creating parent directories. Paths escaping the artifacts
// directory are rejected.
func (m *Manager) EnsureArtifactFile(runID, rel string) (string, error) {
	if err := m.checkRunID(runID); err != nil {
		return "", err
	}
	base := m.ArtifactsPath(runID)
	full := filepath.Clean(filepath.Join(base, rel))
	if full == base || !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", configErrorf("artifact path %q escapes the artifacts directory", rel)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir for %s: %w", rel, err)
	}
	return full, nil
}

// ContainerPruner removes any leftover job container for a run before its
// workspace is deleted.
type ContainerPruner func(ctx context.Context, runID string) error

// PurgeExpiredWorkspaces removes run workspaces whose modification time is
// older than the retention window. Each run's container is pruned first when
// a pruner is supplied; a pruner failure is logged and skips that run so it
// is retried on the next sweep. Returns the run IDs purged.
func (m *Manager) PurgeExpiredWorkspaces(ctx context.Context, retention time.Duration, now time.Time, prune ContainerPruner) ([]string, error) {
	if retention <= 0 {
		return nil, configErrorf("retention must be positive, got %s", retention)
	}
	runsRoot := filepath.Join(m.root, m.runsDirname)
	entries, err := os.ReadDir(runsRoot)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read runs root %s: %w", runsRoot, err)
	}

	cutoff := now.Add(-retention)
	var purged []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			m.logger.Printf("level=warn msg=\"stat run workspace failed\" run=%q error=%q", entry.Name(), err)
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		runID := entry.Name()
		if prune != nil {
			if err := prune(ctx, runID); err != nil {
				m.logger.Printf("level=warn msg=\"container prune failed, keeping workspace\" run=%q error=%q", runID, err)
				continue
			}
		}
		if err := os.RemoveAll(filepath.Join(runsRoot, runID)); err != nil {
			m.logger.Printf("level=warn msg=\"workspace removal failed\" run=%q error=%q", runID, err)
			continue
		}
		purged = append(purged, runID)
	}
	sort.Strings(purged)
	return purged, nil
}

// JobEnvironmentParams supplies the run-scoped values baked into the job
// container environment.
type JobEnvironmentParams struct {
	RunID       string
	Repository  string
	BaseBranch  string
	FeatureKey  string
	BranchName  string
	Instruction string
	Extra       map[string]string
}

// BuildJobEnvironment ensures the run's workspace exists and assembles the
// environment map for its job container, including the absolute workspace,
// repo, and artifacts paths. HOME points at the run's isolated home
// directory; callers merge secrets on top.
func (m *Manager) BuildJobEnvironment(p JobEnvironmentParams) (map[string]string, error) {
	root, err := m.EnsureWorkspace(p.RunID)
	if err != nil {
		return nil, err
	}
	env := map[string]string{
		"SPEC_RUN_ID":         p.RunID,
		"SPEC_REPOSITORY":     p.Repository,
		"SPEC_BASE_BRANCH":    p.BaseBranch,
		"SPEC_FEATURE_KEY":    p.FeatureKey,
		"SPEC_BRANCH_NAME":    p.BranchName,
		"SPEC_INSTRUCTION":    p.Instruction,
		"SPEC_WORKSPACE_ROOT": root,
		"SPEC_REPO_PATH":      m.RepoPath(p.RunID),
		"SPEC_ARTIFACTS_PATH": m.ArtifactsPath(p.RunID),
		"HOME":                m.HomePath(p.RunID),
	}
	for k, v := range p.Extra {
		env[k] = v
	}
	return env, nil
}
