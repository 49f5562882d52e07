package jobcontainer

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"specd/services/specworker/internal/workspace"
)

type fakeCall struct {
	name string
	args []string
}

type fakeRunner struct {
	calls   []fakeCall
	results []fakeResult
}

type fakeResult struct {
	stdout string
	stderr string
	code   int
	err    error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, int, error) {
	f.calls = append(f.calls, fakeCall{name: name, args: args})
	if len(f.results) == 0 {
		return nil, nil, 0, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return []byte(r.stdout), []byte(r.stderr), r.code, r.err
}

func newTestManager(t *testing.T, runner *fakeRunner) *Manager {
	t.Helper()
	m, err := NewManager("docker", true, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.testMode = false
	m.runner = runner
	return m
}

func TestNewManagerTestModeSkipsLookPath(t *testing.T) {
	m, err := NewManager("definitely-not-a-real-binary-xyz", true, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("test mode should skip the CLI check: %v", err)
	}
	if m == nil {
		t.Fatal("manager should be returned")
	}
}

func TestNewManagerMissingCLIIsConfigError(t *testing.T) {
	_, err := NewManager("definitely-not-a-real-binary-xyz", false, log.New(io.Discard, "", 0))
	var cfgErr *workspace.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("got %v, want ConfigurationError", err)
	}
}

func TestStartBuildsRunCommand(t *testing.T) {
	runner := &fakeRunner{results: []fakeResult{
		{stderr: "Error: No such container: spec-automation-job-r1", code: 1}, // stale rm
		{stdout: "abc123\n", code: 0},                                         // run
	}}
	m := newTestManager(t, runner)

	c, err := m.Start(context.Background(), StartParams{
		RunID:            "r1",
		Image:            "spec-runner:latest",
		WorkspaceHostDir: "/srv/runs/r1",
		WorkspaceDest:    "/workspace",
		CredentialVolume: "codex-creds",
		Network:          "jobs",
		Env: map[string]string{
			"HOME":         "/workspace/home",
			"GITHUB_TOKEN": "ghp_live",
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.ID != "abc123" || c.Name != "spec-automation-job-r1" {
		t.Fatalf("container = %+v", c)
	}

	if len(runner.calls) != 2 {
		t.Fatalf("calls = %d, want rm then run", len(runner.calls))
	}
	if runner.calls[0].args[0] != "rm" {
		t.Errorf("first call should force-remove the stale container: %v", runner.calls[0].args)
	}
	joined := strings.Join(runner.calls[1].args, " ")
	for _, want := range []string{
		"run --detach --name spec-automation-job-r1",
		"--network jobs",
		"--volume /srv/runs/r1:/workspace:rw",
		"--volume codex-creds:/workspace/home/.codex:ro",
		"--env GITHUB_TOKEN=ghp_live",
		"--env HOME=/workspace/home",
		"spec-runner:latest sleep infinity",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("run args missing %q: %s", want, joined)
		}
	}
}

func TestStartMountsNamedWorkspaceVolume(t *testing.T) {
	runner := &fakeRunner{results: []fakeResult{
		{stderr: "no such container", code: 1},
		{stdout: "def456\n", code: 0},
	}}
	m := newTestManager(t, runner)

	_, err := m.Start(context.Background(), StartParams{
		RunID:           "r2",
		Image:           "spec-runner:latest",
		WorkspaceVolume: "speckit_workspaces",
		WorkspaceDest:   "/workspace",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	joined := strings.Join(runner.calls[1].args, " ")
	if !strings.Contains(joined, "--volume speckit_workspaces:/workspace:rw") {
		t.Errorf("run args should mount the named volume: %s", joined)
	}
}

func TestStartValidation(t *testing.T) {
	m := newTestManager(t, &fakeRunner{})
	for _, p := range []StartParams{
		{Image: "img"},
		{RunID: "r1"},
	} {
		_, err := m.Start(context.Background(), p)
		var cfgErr *workspace.ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Errorf("params %+v: got %v, want ConfigurationError", p, err)
		}
	}
}

func TestStartNonZeroExit(t *testing.T) {
	runner := &fakeRunner{results: []fakeResult{
		{stderr: "no such container", code: 1},
		{stderr: "image not found", code: 125},
	}}
	m := newTestManager(t, runner)
	_, err := m.Start(context.Background(), StartParams{RunID: "r1", Image: "missing:img"})
	if err == nil || !strings.Contains(err.Error(), "image not found") {
		t.Fatalf("err = %v, want stderr surfaced", err)
	}
	var execErr *ExecError
	if errors.As(err, &execErr) {
		t.Error("non-zero exit must not be an ExecError")
	}
}

func TestStartInvocationFailureIsExecError(t *testing.T) {
	runner := &fakeRunner{results: []fakeResult{
		{code: 1, stderr: "no such container"},
		{err: errors.New("fork/exec: permission denied"), code: -1},
	}}
	m := newTestManager(t, runner)
	_, err := m.Start(context.Background(), StartParams{RunID: "r1", Image: "img"})
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("got %v, want ExecError", err)
	}
}

func TestExecReportsExitCodeNotError(t *testing.T) {
	runner := &fakeRunner{results: []fakeResult{
		{stdout: "built\n", stderr: "warn: deprecated\n", code: 3},
	}}
	m := newTestManager(t, runner)
	c := &Container{ID: "abc", Name: "spec-automation-job-r1", mgr: m}

	res, err := c.Exec(context.Background(), "/workspace/repo", map[string]string{"CI": "1"}, "make", "build")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode != 3 || res.Stdout != "built\n" || res.Stderr != "warn: deprecated\n" {
		t.Fatalf("res = %+v", res)
	}
	if res.Duration() < 0 {
		t.Error("duration must be non-negative")
	}

	joined := strings.Join(runner.calls[0].args, " ")
	for _, want := range []string{
		"exec --workdir /workspace/repo",
		"--env CI=1",
		"spec-automation-job-r1 make build",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("exec args missing %q: %s", want, joined)
		}
	}
}

func TestExecRequiresCommand(t *testing.T) {
	m := newTestManager(t, &fakeRunner{})
	c := &Container{Name: "n", mgr: m}
	if _, err := c.Exec(context.Background(), "", nil); err == nil {
		t.Fatal("empty argv should error")
	}
}

func TestStopToleratesGoneContainer(t *testing.T) {
	runner := &fakeRunner{results: []fakeResult{
		{stderr: "Error: No such container: x", code: 1}, // stop
		{stderr: "Error: No such container: x", code: 1}, // rm
	}}
	m := newTestManager(t, runner)
	c := &Container{Name: "x", mgr: m}
	if err := c.Stop(context.Background(), 10*time.Second); err != nil {
		t.Fatalf("Stop of missing container: %v", err)
	}
	if runner.calls[0].args[0] != "stop" || runner.calls[1].args[0] != "rm" {
		t.Errorf("expected stop then rm, got %v", runner.calls)
	}
}

func TestTestModeShortCircuits(t *testing.T) {
	m, err := NewManager("docker", true, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatal(err)
	}
	c, err := m.Start(context.Background(), StartParams{RunID: "r9", Image: "img"})
	if err != nil {
		t.Fatalf("Start in test mode: %v", err)
	}
	if !strings.HasPrefix(c.ID, "test-") {
		t.Errorf("test-mode id = %q", c.ID)
	}
	res, err := c.Exec(context.Background(), "", nil, "true")
	if err != nil || res.ExitCode != 0 {
		t.Fatalf("Exec in test mode: %v %+v", err, res)
	}
	if err := c.Stop(context.Background(), time.Second); err != nil {
		t.Fatalf("Stop in test mode: %v", err)
	}
	if err := m.RemoveByRunID(context.Background(), "r9"); err != nil {
		t.Fatalf("RemoveByRunID in test mode: %v", err)
	}
}
