// Package jobcontainer starts and drives the long-lived container each run
// executes inside, via the container runtime CLI.
package jobcontainer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"specd/services/specworker/internal/secrets"
	"specd/services/specworker/internal/workspace"
)

// ExecError reports a command that could not be invoked at all, as opposed
// to one that ran and exited non-zero.
type ExecError struct {
	Cmd string
	Err error
}

func (e *ExecError) Error() string { return fmt.Sprintf("exec %s: %v", e.Cmd, e.Err) }
func (e *ExecError) Unwrap() error { return e.Err }

// commandRunner abstracts CLI invocation so tests can fake the runtime.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, exitCode int, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
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

// StartParams describes the container to launch for a run. When
// WorkspaceVolume is set the named volume is mounted at WorkspaceDest and
// WorkspaceHostDir is ignored; otherwise the host directory is bind-mounted.
type StartParams struct {
	RunID            string
	Image            string
	Name             string
	WorkspaceVolume  string
	WorkspaceHostDir string
	WorkspaceDest    string
	CredentialVolume string
	Network          string
	Env              map[string]string
}

// Manager launches, execs into, and stops job containers.
type Manager struct {
	cli      string
	testMode bool
	runner   commandRunner
	logger   *log.Logger
}

// NewManager checks the runtime CLI is present and executable. In test mode
// the check is skipped and no real containers are touched.
func NewManager(cli string, testMode bool, logger *log.Logger) (*Manager, error) {
	if cli == "" {
		return nil, &workspace.ConfigurationError{Msg: "container cli is required"}
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if !testMode {
		if _, err := exec.LookPath(cli); err != nil {
			return nil, &workspace.ConfigurationError{
				Msg: fmt.Sprintf("container cli %q not found or not executable: %v", cli, err),
			}
		}
	}
	return &Manager{cli: cli, testMode: testMode, runner: execRunner{}, logger: logger}, nil
}

// Container is a handle on a running job container.
type Container struct {
	ID   string
	Name string
	mgr  *Manager
}

// Start launches a detached container that sleeps until phases exec into it.
// Any leftover container with the same name from a prior attempt is removed
// first.
func (m *Manager) Start(ctx context.Context, p StartParams) (*Container, error) {
	if p.RunID == "" {
		return nil, &workspace.ConfigurationError{Msg: "run id is required"}
	}
	if p.Image == "" {
		return nil, &workspace.ConfigurationError{Msg: "container image is required"}
	}
	name := p.Name
	if name == "" {
		name = workspace.JobContainerName(p.RunID)
	}

	if m.testMode {
		m.logger.Printf("level=info msg=\"test mode, skipping container start\" run=%q name=%q image=%q", p.RunID, name, p.Image)
		return &Container{ID: "test-" + name, Name: name, mgr: m}, nil
	}

	if err := m.removeByName(ctx, name); err != nil {
		m.logger.Printf("level=warn msg=\"stale container cleanup failed\" name=%q error=%q", name, err)
	}

	env := p.Env
	if _, ok := env["HOME"]; !ok {
		env = make(map[string]string, len(p.Env)+1)
		for k, v := range p.Env {
			env[k] = v
		}
		env["HOME"] = "/root"
	}

	args := []string{"run", "--detach", "--name", name}
	if p.Network != "" {
		args = append(args, "--network", p.Network)
	}
	if src := p.WorkspaceVolume; src != "" || p.WorkspaceHostDir != "" {
		if src == "" {
			src = p.WorkspaceHostDir
		}
		dest := p.WorkspaceDest
		if dest == "" {
			dest = "/workspace"
		}
		args = append(args, "--volume", src+":"+dest+":rw")
	}
	if p.CredentialVolume != "" {
		args = append(args, "--volume", p.CredentialVolume+":"+env["HOME"]+"/.codex:ro")
	}
	for _, k := range sortedKeys(env) {
		args = append(args, "--env", k+"="+env[k])
	}
	args = append(args, p.Image, "sleep", "infinity")

	m.logger.Printf("level=info msg=\"starting job container\" run=%q name=%q image=%q env=%v",
		p.RunID, name, p.Image, secrets.Redact(env))

	stdout, stderr, code, err := m.runner.Run(ctx, m.cli, args...)
	if err != nil {
		return nil, &ExecError{Cmd: m.cli + " run", Err: err}
	}
	if code != 0 {
		return nil, fmt.Errorf("%s run exited %d: %s", m.cli, code, strings.TrimSpace(string(stderr)))
	}
	id := strings.TrimSpace(string(stdout))
	if id == "" {
		id = name
	}
	return &Container{ID: id, Name: name, mgr: m}, nil
}

func (m *Manager) removeByName(ctx context.Context, name string) error {
	_, stderr, code, err := m.runner.Run(ctx, m.cli, "rm", "--force", name)
	if err != nil {
		return &ExecError{Cmd: m.cli + " rm", Err: err}
	}
	// A missing container is the common case and not a failure.
	if code != 0 && !strings.Contains(strings.ToLower(string(stderr)), "no such container") {
		return fmt.Errorf("%s rm exited %d: %s", m.cli, code, strings.TrimSpace(string(stderr)))
	}
	return nil
}

// RemoveByRunID force-removes the job container for a run if one exists.
// Used by the retention sweep.
func (m *Manager) RemoveByRunID(ctx context.Context, runID string) error {
	if m.testMode {
		return nil
	}
	return m.removeByName(ctx, workspace.JobContainerName(runID))
}

// ExecResult captures one command execution inside a container.
type ExecResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is the wall-clock time the command ran.
func (r *ExecResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Exec runs a command inside the container. A non-zero exit is reported in
// the result, not as an error; an *ExecError means the command never ran.
func (c *Container) Exec(ctx context.Context, workdir string, env map[string]string, argv ...string) (*ExecResult, error) {
	if len(argv) == 0 {
		return nil, errors.New("exec requires a command")
	}
	started := time.Now().UTC()
	if c.mgr.testMode {
		return &ExecResult{Stdout: "", ExitCode: 0, StartedAt: started, FinishedAt: time.Now().UTC()}, nil
	}

	args := []string{"exec"}
	if workdir != "" {
		args = append(args, "--workdir", workdir)
	}
	for _, k := range sortedKeys(env) {
		args = append(args, "--env", k+"="+env[k])
	}
	args = append(args, c.Name)
	args = append(args, argv...)

	stdout, stderr, code, err := c.mgr.runner.Run(ctx, c.mgr.cli, args...)
	finished := time.Now().UTC()
	if err != nil {
		return nil, &ExecError{Cmd: c.mgr.cli + " exec " + argv[0], Err: err}
	}
	res := &ExecResult{
		Stdout:     string(stdout),
		Stderr:     string(stderr),
		ExitCode:   code,
		StartedAt:  started,
		FinishedAt: finished,
	}
	c.mgr.logger.Printf("level=info msg=\"container exec\" name=%q cmd=%q exit=%d duration=%s",
		c.Name, argv[0], code, res.Duration().Round(time.Millisecond))
	return res, nil
}

// Stop stops and removes the container. A container that is already gone is
// not an error.
func (c *Container) Stop(ctx context.Context, timeout time.Duration) error {
	if c.mgr.testMode {
		return nil
	}
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	_, stderr, code, err := c.mgr.runner.Run(ctx, c.mgr.cli, "stop", "--time", strconv.Itoa(secs), c.Name)
	if err != nil {
		return &ExecError{Cmd: c.mgr.cli + " stop", Err: err}
	}
	if code != 0 && !strings.Contains(strings.ToLower(string(stderr)), "no such container") {
		c.mgr.logger.Printf("level=warn msg=\"container stop failed, forcing removal\" name=%q stderr=%q", c.Name, strings.TrimSpace(string(stderr)))
	}
	return c.mgr.removeByName(ctx, c.Name)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
