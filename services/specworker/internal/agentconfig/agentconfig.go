// Package agentconfig resolves which coding-agent backend a run uses and
// snapshots the redacted runtime environment it ran with.
package agentconfig

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"specd/services/orchestrator"
	"specd/services/specworker/internal/secrets"
	"specd/services/specworker/internal/workspace"
)

// Selection is the resolved agent configuration for a run, before redaction.
type Selection struct {
	Backend           string
	Version           string
	PromptPackVersion string
	RuntimeEnv        map[string]string
}

// configStore is the slice of the orchestrator store the selector persists
// through.
type configStore interface {
	UpsertAgentConfiguration(ctx context.Context, cfg *orchestrator.AgentConfiguration) error
}

// Selector validates backend choices against an allow list and assembles the
// runtime environment from a configured key list.
type Selector struct {
	defaultBackend  string
	version         string
	promptPack      string
	allowedBackends map[string]struct{}
	runtimeEnvKeys  []string
	lookup          func(string) (string, bool)
}

// Params configures a Selector. RuntimeEnvKeys is a list of environment
// variable names to capture, never a key/value map.
type Params struct {
	DefaultBackend  string
	Version         string
	PromptPack      string
	AllowedBackends []string
	RuntimeEnvKeys  []string
}

// NewSelector validates the parameters. The default backend must itself be
// allowed.
func NewSelector(p Params) (*Selector, error) {
	if p.DefaultBackend == "" {
		return nil, errors.New("default backend is required")
	}
	if p.Version == "" {
		return nil, errors.New("backend version is required")
	}
	if len(p.AllowedBackends) == 0 {
		return nil, errors.New("at least one allowed backend is required")
	}
	allowed := make(map[string]struct{}, len(p.AllowedBackends))
	for _, b := range p.AllowedBackends {
		if b == "" {
			return nil, errors.New("allowed backend names must not be empty")
		}
		allowed[b] = struct{}{}
	}
	if _, ok := allowed[p.DefaultBackend]; !ok {
		return nil, fmt.Errorf("default backend %q is not in the allow list", p.DefaultBackend)
	}
	return &Selector{
		defaultBackend:  p.DefaultBackend,
		version:         p.Version,
		promptPack:      p.PromptPack,
		allowedBackends: allowed,
		runtimeEnvKeys:  p.RuntimeEnvKeys,
		lookup:          os.LookupEnv,
	}, nil
}

// Overrides are caller-supplied deviations from the selector's configured
// defaults for a single run. Zero values leave the defaults in place.
// RuntimeEnvKeys names additional variables to capture from the host, a key
// list like Params.RuntimeEnvKeys; RuntimeEnv pairs are applied last.
type Overrides struct {
	Backend        string
	Version        string
	PromptPack     string
	RuntimeEnvKeys []string
	RuntimeEnv     map[string]string
}

// Select resolves the agent configuration for a run. An empty backend
// override falls back to the default; a backend outside the allow list is a
// configuration error. RuntimeEnv overrides are applied on top of the
// captured environment, with an empty value deleting the key.
func (s *Selector) Select(o Overrides) (*Selection, error) {
	backend := o.Backend
	if backend == "" {
		backend = s.defaultBackend
	}
	if _, ok := s.allowedBackends[backend]; !ok {
		return nil, &workspace.ConfigurationError{
			Msg: fmt.Sprintf("backend %q is not allowed", backend),
		}
	}
	version := o.Version
	if version == "" {
		version = s.version
	}
	promptPack := o.PromptPack
	if promptPack == "" {
		promptPack = s.promptPack
	}

	env := map[string]string{}
	for _, keys := range [][]string{s.runtimeEnvKeys, o.RuntimeEnvKeys} {
		for _, key := range keys {
			if key == "" {
				continue
			}
			if v, ok := s.lookup(key); ok {
				env[key] = v
			}
		}
	}
	for k, v := range o.RuntimeEnv {
		if v == "" {
			delete(env, k)
			continue
		}
		env[k] = v
	}

	return &Selection{
		Backend:           backend,
		Version:           version,
		PromptPackVersion: promptPack,
		RuntimeEnv:        env,
	}, nil
}

// Persist redacts the selection's runtime environment and upserts it as the
// run's agent configuration snapshot. Raw secret values never reach the
// database.
func Persist(ctx context.Context, store configStore, runID uuid.UUID, sel *Selection) error {
	if sel == nil {
		return errors.New("selection is required")
	}
	redacted := secrets.Redact(sel.RuntimeEnv)
	env := make(datatypes.JSONMap, len(redacted))
	for k, v := range redacted {
		env[k] = v
	}
	cfg := &orchestrator.AgentConfiguration{
		RunID:      runID,
		Backend:    sel.Backend,
		Version:    sel.Version,
		RuntimeEnv: env,
	}
	if sel.PromptPackVersion != "" {
		v := sel.PromptPackVersion
		cfg.PromptPackVersion = &v
	}
	return store.UpsertAgentConfiguration(ctx, cfg)
}
