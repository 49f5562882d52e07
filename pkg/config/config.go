package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load builds the workflow configuration from environment variables, with an
// optional YAML overlay named by SPEC_WORKFLOW_CONFIG_FILE applied first so
// explicit environment variables always win.
func Load() (Workflow, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("SPEC_WORKFLOW_CONFIG_FILE")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Workflow{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Workflow{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.Workspace.Root = getEnv("SPEC_WORKSPACE_ROOT", cfg.Workspace.Root)
	cfg.Workspace.RunsDirname = getEnv("SPEC_RUNS_DIRNAME", cfg.Workspace.RunsDirname)
	if v := os.Getenv("SPEC_WORKSPACE_RETENTION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Workflow{}, fmt.Errorf("invalid SPEC_WORKSPACE_RETENTION: %q", v)
		}
		cfg.Workspace.Retention = d
	}
	cfg.Workspace.PurgeCron = getEnv("SPEC_PURGE_CRON", cfg.Workspace.PurgeCron)

	cfg.Container.CLI = getEnv("SPEC_CONTAINER_CLI", cfg.Container.CLI)
	cfg.Container.Image = getEnv("SPEC_JOB_IMAGE", cfg.Container.Image)
	cfg.Container.WorkspaceVolume = getEnv("SPEC_WORKSPACE_VOLUME", cfg.Container.WorkspaceVolume)
	cfg.Container.CredentialVolume = getEnv("SPEC_CREDENTIAL_VOLUME", cfg.Container.CredentialVolume)
	cfg.Container.Network = getEnv("SPEC_JOB_NETWORK", cfg.Container.Network)
	cfg.Container.SourceControlToken = getEnv("GITHUB_TOKEN", cfg.Container.SourceControlToken)
	cfg.Container.AgentModel = getEnv("SPEC_AGENT_MODEL", cfg.Container.AgentModel)
	cfg.Container.AgentProfile = getEnv("SPEC_AGENT_PROFILE", cfg.Container.AgentProfile)
	if v := os.Getenv("SPEC_EXTRA_ENV_KEYS"); v != "" {
		cfg.Container.ExtraEnvKeys = splitList(v)
	}

	cfg.Agent.Backend = getEnv("SPEC_AGENT_BACKEND", cfg.Agent.Backend)
	cfg.Agent.Version = getEnv("SPEC_AGENT_VERSION", cfg.Agent.Version)
	cfg.Agent.PromptPackVersion = getEnv("SPEC_PROMPT_PACK_VERSION", cfg.Agent.PromptPackVersion)
	if v := os.Getenv("SPEC_ALLOWED_AGENT_BACKENDS"); v != "" {
		cfg.Agent.AllowedBackends = splitList(v)
	}
	if v := os.Getenv("SPEC_AGENT_RUNTIME_ENV_KEYS"); v != "" {
		cfg.Agent.RuntimeEnvKeys = splitList(v)
	}

	cfg.Skills.Enabled = getEnvBool("SPEC_SKILLS_ENABLED", cfg.Skills.Enabled)
	cfg.Skills.CanaryPercent = getEnvInt("SPEC_SKILLS_CANARY_PERCENT", cfg.Skills.CanaryPercent)
	cfg.Skills.DefaultSkill = getEnv("SPEC_DEFAULT_SKILL", cfg.Skills.DefaultSkill)
	if v := os.Getenv("SPEC_ALLOWED_SKILLS"); v != "" {
		cfg.Skills.AllowedSkills = splitList(v)
	}
	cfg.Skills.PolicyMode = getEnv("SPEC_SKILLS_POLICY_MODE", cfg.Skills.PolicyMode)
	cfg.Skills.FallbackEnabled = getEnvBool("SPEC_SKILLS_FALLBACK_ENABLED", cfg.Skills.FallbackEnabled)
	cfg.Skills.ShadowMode = getEnvBool("SPEC_SKILLS_SHADOW_MODE", cfg.Skills.ShadowMode)

	cfg.Git.Remote = getEnv("SPEC_GIT_REMOTE", cfg.Git.Remote)
	cfg.Git.BranchPrefix = getEnv("SPEC_BRANCH_PREFIX", cfg.Git.BranchPrefix)
	cfg.Git.MaxAttempts = getEnvInt("SPEC_GIT_MAX_ATTEMPTS", cfg.Git.MaxAttempts)

	cfg.Archive.Enabled = getEnvBool("SPEC_ARCHIVE_ENABLED", cfg.Archive.Enabled)
	cfg.Archive.Bucket = getEnv("SPEC_ARCHIVE_BUCKET", cfg.Archive.Bucket)
	cfg.Archive.AgeRecipient = getEnv("SPEC_ARCHIVE_AGE_RECIPIENT", cfg.Archive.AgeRecipient)

	cfg.Queue.NATSURL = getEnv("NATS_URL", cfg.Queue.NATSURL)
	cfg.Queue.DispatchSubject = getEnv("SPEC_DISPATCH_SUBJECT", cfg.Queue.DispatchSubject)
	cfg.Queue.QueueGroup = getEnv("SPEC_QUEUE_GROUP", cfg.Queue.QueueGroup)

	cfg.Database.DSN = getEnv("DATABASE_URL", cfg.Database.DSN)

	cfg.TestMode = getEnvBool("SPEC_TEST_MODE", cfg.TestMode)

	if err := validate(cfg); err != nil {
		return Workflow{}, err
	}
	return cfg, nil
}

func defaults() Workflow {
	return Workflow{
		Workspace: Workspace{
			Root:        "/work",
			RunsDirname: "runs",
			Retention:   7 * 24 * time.Hour,
			PurgeCron:   "@hourly",
		},
		Container: Container{
			CLI:             "docker",
			Image:           "spec-automation-job:latest",
			WorkspaceVolume: "speckit_workspaces",
			StopTimeout:     10 * time.Second,
		},
		Agent: Agent{
			Backend: "codex_cli",
			Version: "1.0.0",
		},
		Skills: Skills{
			CanaryPercent:   0,
			DefaultSkill:    "speckit",
			PolicyMode:      PolicyModePermissive,
			FallbackEnabled: true,
		},
		Git: Git{
			Remote:       "origin",
			BranchPrefix: "speckit",
			MaxAttempts:  3,
		},
		Queue: Queue{
			NATSURL:         "nats://127.0.0.1:4222",
			DispatchSubject: "specd.runs.dispatch",
			QueueGroup:      "specworkers",
		},
	}
}

func validate(cfg Workflow) error {
	if strings.TrimSpace(cfg.Workspace.Root) == "" {
		return fmt.Errorf("SPEC_WORKSPACE_ROOT must not be empty")
	}
	if cfg.Skills.CanaryPercent < 0 || cfg.Skills.CanaryPercent > 100 {
		return fmt.Errorf("SPEC_SKILLS_CANARY_PERCENT must be between 0 and 100, got %d", cfg.Skills.CanaryPercent)
	}
	switch cfg.Skills.PolicyMode {
	case PolicyModePermissive, PolicyModeAllowlist:
	default:
		return fmt.Errorf("SPEC_SKILLS_POLICY_MODE must be %q or %q, got %q",
			PolicyModePermissive, PolicyModeAllowlist, cfg.Skills.PolicyMode)
	}
	if cfg.Skills.DefaultSkill == "" {
		return fmt.Errorf("SPEC_DEFAULT_SKILL must not be empty")
	}
	if cfg.Git.MaxAttempts <= 0 {
		return fmt.Errorf("SPEC_GIT_MAX_ATTEMPTS must be positive, got %d", cfg.Git.MaxAttempts)
	}
	if cfg.Archive.Enabled && cfg.Archive.Bucket == "" {
		return fmt.Errorf("SPEC_ARCHIVE_BUCKET is required when archiving is enabled")
	}
	return nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
