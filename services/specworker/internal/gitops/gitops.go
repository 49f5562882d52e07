// Package gitops derives deterministic branch names for runs and pushes
// their commits, using the git CLI on the worker host.
package gitops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"specd/services/specworker/internal/workspace"
)

// CommandError reports a git invocation that ran and failed.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s exited %d: %s", e.Command, e.ExitCode, e.Stderr)
}

var componentCleaner = regexp.MustCompile(`[^a-z0-9._-]+`)

// SanitizeBranchComponent lowercases a value and reduces it to the characters
// safe in a git ref component. Runs of invalid characters collapse to a
// single hyphen.
func SanitizeBranchComponent(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = componentCleaner.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "run"
	}
	return s
}

// runFragment is the run's segment of a branch name: the first 8 hex
// characters of a UUID run ID, or the sanitized id truncated to 8 otherwise.
func runFragment(runID string) string {
	if id, err := uuid.Parse(runID); err == nil {
		return id.String()[:8]
	}
	s := SanitizeBranchComponent(runID)
	if len(s) > 8 {
		s = s[:8]
	}
	return s
}

// GenerateBranchName builds "{prefix}/{YYYYMMDD}/{run-fragment}" with an
// optional "-suffix". The fragment is stable per run, so retries of the same
// run map to the same base name.
func GenerateBranchName(prefix string, day time.Time, runID, suffix string) string {
	name := fmt.Sprintf("%s/%s/%s", SanitizeBranchComponent(prefix), day.UTC().Format("20060102"), runFragment(runID))
	if suffix != "" {
		name += "-" + SanitizeBranchComponent(suffix)
	}
	return name
}

// WithRetrySuffix appends "-r{n}" to a branch name for attempt n, n >= 2. The
// first attempt keeps the bare name.
func WithRetrySuffix(branch string, attempt int) string {
	if attempt <= 1 {
		return branch
	}
	return fmt.Sprintf("%s-r%d", branch, attempt)
}

// DeriveBranchName is the run pipeline's single entry point for branch
// naming: feature key as prefix, hashed run ID, retry suffix by attempt.
func DeriveBranchName(featureKey string, day time.Time, runID string, attempt int) string {
	return WithRetrySuffix(GenerateBranchName(featureKey, day, runID, ""), attempt)
}

// cliRunner abstracts the git and forge CLIs for tests.
type cliRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) (stdout, stderr []byte, exitCode int, err error)
}

type execCLIRunner struct{}

func (execCLIRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return outBuf.Bytes(), errBuf.Bytes(), exitErr.ExitCode(), nil
	}
	if err != nil {
		return outBuf.Bytes(), errBuf.Bytes(), -1, err
	}
	return outBuf.Bytes(), errBuf.Bytes(), 0, nil
}

// Pusher pushes run branches to a remote with bounded retries.
type Pusher struct {
	remote   string
	testMode bool
	attempts uint64
	backoff  time.Duration
	runner   cliRunner
	logger   *log.Logger
}

// NewPusher validates the remote name and returns a Pusher. maxAttempts
// bounds the retry loop for transient push failures.
func NewPusher(remote string, maxAttempts int, testMode bool, logger *log.Logger) (*Pusher, error) {
	if remote == "" {
		return nil, errors.New("remote is required")
	}
	if strings.HasPrefix(remote, "-") {
		return nil, fmt.Errorf("remote name %q would be parsed as a flag", remote)
	}
	if maxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1, got %d", maxAttempts)
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Pusher{
		remote:   remote,
		testMode: testMode,
		attempts: uint64(maxAttempts),
		backoff:  time.Second,
		runner:   execCLIRunner{},
		logger:   logger,
	}, nil
}

// HasChanges reports whether the checkout has uncommitted or staged changes.
func (p *Pusher) HasChanges(ctx context.Context, repoDir string) (bool, error) {
	if p.testMode {
		return true, nil
	}
	stdout, stderr, code, err := p.runner.Run(ctx, repoDir, "git", "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git status: %w", err)
	}
	if code != 0 {
		return false, &CommandError{Command: "git status", ExitCode: code, Stderr: strings.TrimSpace(string(stderr))}
	}
	return len(bytes.TrimSpace(stdout)) > 0, nil
}

// Push pushes the branch to the remote and returns "{remote}/{branch}".
// force adds --force-with-lease. In test mode it returns the ref without
// spawning git. Branch names that could be parsed as flags are rejected
// before any process runs.
func (p *Pusher) Push(ctx context.Context, repoDir, branch string, force bool) (string, error) {
	if branch == "" {
		return "", &workspace.ConfigurationError{Msg: "branch name is required"}
	}
	if info, err := os.Stat(repoDir); err != nil || !info.IsDir() {
		return "", &workspace.ConfigurationError{Msg: fmt.Sprintf("repository path %q does not exist or is not a directory", repoDir)}
	}
	ref := p.remote + "/" + branch
	if p.testMode {
		p.logger.Printf("level=info msg=\"test mode, skipping push\" ref=%q", ref)
		return ref, nil
	}
	if strings.HasPrefix(branch, "-") {
		return "", &workspace.ConfigurationError{Msg: fmt.Sprintf("branch name %q would be parsed as a flag", branch)}
	}

	args := []string{"push"}
	if force {
		args = append(args, "--force-with-lease")
	}
	args = append(args, "--set-upstream", p.remote, branch)

	backoff := retry.WithMaxRetries(p.attempts-1, retry.NewExponential(p.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, stderr, code, err := p.runner.Run(ctx, repoDir, "git", args...)
		if err != nil {
			return fmt.Errorf("git push: %w", err)
		}
		if code != 0 {
			cmdErr := &CommandError{
				Command:  "git push",
				ExitCode: code,
				Stderr:   strings.TrimSpace(string(stderr)),
			}
			p.logger.Printf("level=warn msg=\"push failed, may retry\" ref=%q exit=%d", ref, code)
			return retry.RetryableError(cmdErr)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return ref, nil
}

// Clone checks out the repository at the base branch and creates the run
// branch from it.
func (p *Pusher) Clone(ctx context.Context, repoURL, baseBranch, branch, destDir string) error {
	if strings.HasPrefix(branch, "-") || strings.HasPrefix(baseBranch, "-") {
		return &workspace.ConfigurationError{Msg: "branch names must not begin with '-'"}
	}
	if p.testMode {
		p.logger.Printf("level=info msg=\"test mode, skipping clone\" repo=%q branch=%q", repoURL, branch)
		return nil
	}
	steps := [][]string{
		{"clone", "--branch", baseBranch, "--single-branch", "--", repoURL, destDir},
		{"checkout", "-b", branch},
	}
	for i, args := range steps {
		dir := destDir
		if i == 0 {
			dir = ""
		}
		_, stderr, code, err := p.runner.Run(ctx, dir, "git", args...)
		if err != nil {
			return fmt.Errorf("git %s: %w", args[0], err)
		}
		if code != 0 {
			return &CommandError{Command: "git " + args[0], ExitCode: code, Stderr: strings.TrimSpace(string(stderr))}
		}
	}
	return nil
}

// OpenReviewRequest opens a pull request for the pushed branch via the forge
// CLI and returns its URL. In test mode a deterministic URL is returned
// without spawning anything.
func (p *Pusher) OpenReviewRequest(ctx context.Context, repoDir, baseBranch, branch, title, body string) (string, error) {
	if strings.HasPrefix(branch, "-") || strings.HasPrefix(baseBranch, "-") {
		return "", &workspace.ConfigurationError{Msg: "branch names must not begin with '-'"}
	}
	if p.testMode {
		url := fmt.Sprintf("https://example.invalid/pulls/%s", branch)
		p.logger.Printf("level=info msg=\"test mode, skipping review request\" url=%q", url)
		return url, nil
	}
	stdout, stderr, code, err := p.runner.Run(ctx, repoDir, "gh",
		"pr", "create", "--base", baseBranch, "--head", branch, "--title", title, "--body", body)
	if err != nil {
		return "", fmt.Errorf("open review request: %w", err)
	}
	if code != 0 {
		return "", &CommandError{Command: "gh pr create", ExitCode: code, Stderr: strings.TrimSpace(string(stderr))}
	}
	return strings.TrimSpace(string(stdout)), nil
}

// Commit stages everything and commits with the given message. Returns false
// without error when there is nothing to commit.
func (p *Pusher) Commit(ctx context.Context, repoDir, message string) (bool, error) {
	if p.testMode {
		return true, nil
	}
	changed, err := p.HasChanges(ctx, repoDir)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	steps := [][]string{
		{"add", "--all"},
		{"commit", "--message", message},
	}
	for _, args := range steps {
		_, stderr, code, err := p.runner.Run(ctx, repoDir, "git", args...)
		if err != nil {
			return false, fmt.Errorf("git %s: %w", args[0], err)
		}
		if code != 0 {
			return false, &CommandError{Command: "git " + args[0], ExitCode: code, Stderr: strings.TrimSpace(string(stderr))}
		}
	}
	return true, nil
}
