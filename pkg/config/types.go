package config

import "time"

// Workflow is the immutable configuration consumed by the spec automation
// worker. It is constructed once by Load and passed into component
// constructors; components never read process-level settings on their own.
type Workflow struct {
	Workspace Workspace `yaml:"workspace"`
	Container Container `yaml:"container"`
	Agent     Agent     `yaml:"agent"`
	Skills    Skills    `yaml:"skills"`
	Git       Git       `yaml:"git"`
	Archive   Archive   `yaml:"archive"`
	Queue     Queue     `yaml:"queue"`
	Database  Database  `yaml:"database"`

	// TestMode disables real git pushes and real container creation so the
	// pipeline can run fully offline in contract tests.
	TestMode bool `yaml:"test_mode"`
}

type Workspace struct {
	Root        string        `yaml:"root"`
	RunsDirname string        `yaml:"runs_dirname"`
	Retention   time.Duration `yaml:"retention"`
	PurgeCron   string        `yaml:"purge_cron"`
}

type Container struct {
	CLI              string        `yaml:"cli"`
	Image            string        `yaml:"image"`
	WorkspaceVolume  string        `yaml:"workspace_volume"`
	CredentialVolume string        `yaml:"credential_volume"`
	Network          string        `yaml:"network"`
	StopTimeout      time.Duration `yaml:"stop_timeout"`

	// SourceControlToken and the agent identifiers below are forwarded into
	// job containers by the secret environment collector.
	SourceControlToken string   `yaml:"-"`
	AgentModel         string   `yaml:"agent_model"`
	AgentProfile       string   `yaml:"agent_profile"`
	ExtraEnvKeys       []string `yaml:"extra_env_keys"`
}

type Agent struct {
	Backend           string   `yaml:"backend"`
	Version           string   `yaml:"version"`
	PromptPackVersion string   `yaml:"prompt_pack_version"`
	AllowedBackends   []string `yaml:"allowed_backends"`
	RuntimeEnvKeys    []string `yaml:"runtime_env_keys"`
}

type Skills struct {
	Enabled         bool              `yaml:"enabled"`
	CanaryPercent   int               `yaml:"canary_percent"`
	DefaultSkill    string            `yaml:"default_skill"`
	AllowedSkills   []string          `yaml:"allowed_skills"`
	PolicyMode      string            `yaml:"policy_mode"`
	StageSkills     map[string]string `yaml:"stage_skills"`
	FallbackEnabled bool              `yaml:"fallback_enabled"`
	ShadowMode      bool              `yaml:"shadow_mode"`
}

type Git struct {
	Remote       string `yaml:"remote"`
	BranchPrefix string `yaml:"branch_prefix"`
	MaxAttempts  int    `yaml:"max_attempts"`
}

type Archive struct {
	Enabled      bool   `yaml:"enabled"`
	Bucket       string `yaml:"bucket"`
	AgeRecipient string `yaml:"age_recipient"`
}

type Queue struct {
	NATSURL         string `yaml:"nats_url"`
	DispatchSubject string `yaml:"dispatch_subject"`
	QueueGroup      string `yaml:"queue_group"`
}

type Database struct {
	DSN string `yaml:"-"`
}

// PolicyModePermissive allows any selected skill; PolicyModeAllowlist
// restricts selection to AllowedSkills plus the default skill.
const (
	PolicyModePermissive = "permissive"
	PolicyModeAllowlist  = "allowlist"
)
