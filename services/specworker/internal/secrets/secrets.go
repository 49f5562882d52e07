// Package secrets assembles the sensitive environment passed to job
// containers and redacts it before anything is logged or persisted.
package secrets

import (
	"os"
	"regexp"
	"sort"
	"strings"
)

// Redacted replaces sensitive values wherever they would otherwise appear.
const Redacted = "***REDACTED***"

var sensitiveKey = regexp.MustCompile(`(?i)(password|secret|token|key|credential|auth|cookie|session)`)

// Keys matched by sensitiveKey that carry no secret material and stay
// readable in logs and snapshots.
var benignKeys = map[string]struct{}{
	"PATH":             {},
	"HOME":             {},
	"LANG":             {},
	"LC_ALL":           {},
	"TERM":             {},
	"SSH_AUTH_SOCK":    {},
	"XDG_SESSION_ID":   {},
	"GPG_AGENT_INFO":   {},
	"SPEC_RUN_ID":      {},
	"SPEC_FEATURE_KEY": {},
}

// Sensitive reports whether a key's value must be redacted.
func Sensitive(key string) bool {
	if _, ok := benignKeys[key]; ok {
		return false
	}
	return sensitiveKey.MatchString(key)
}

// Redact returns a copy of env with every sensitive value replaced.
func Redact(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if Sensitive(k) {
			out[k] = Redacted
			continue
		}
		out[k] = v
	}
	return out
}

// Base keys forwarded from the worker host into every job container when set.
var allowedHostKeys = []string{
	"GITHUB_TOKEN",
	"GIT_AUTHOR_NAME",
	"GIT_AUTHOR_EMAIL",
	"GIT_COMMITTER_NAME",
	"GIT_COMMITTER_EMAIL",
	"HTTP_PROXY",
	"HTTPS_PROXY",
	"NO_PROXY",
}

// Host environment prefixes forwarded in full. Agent credentials and runtime
// settings under these prefixes have no stable key names to allow-list.
var allowedHostPrefixes = []string{
	"CODEX_",
	"OPENAI_",
	"ANTHROPIC_",
	"GH_",
}

// Collector gathers the credential environment for job containers from the
// host, configuration, and per-call overrides.
type Collector struct {
	lookup     func(string) (string, bool)
	environ    func() []string
	configured map[string]string
	extraKeys  []string
}

// Option configures a Collector.
type Option func(*Collector)

// WithLookup replaces os.LookupEnv, for tests.
func WithLookup(fn func(string) (string, bool)) Option {
	return func(c *Collector) { c.lookup = fn }
}

// WithEnviron replaces os.Environ for the prefix scan, for tests.
func WithEnviron(fn func() []string) Option {
	return func(c *Collector) { c.environ = fn }
}

// WithConfigured sets values supplied directly by configuration. They win
// over host environment values.
func WithConfigured(values map[string]string) Option {
	return func(c *Collector) {
		for k, v := range values {
			c.configured[k] = v
		}
	}
}

// WithExtraKeys adds host environment keys to forward beyond the built-in
// allow list.
func WithExtraKeys(keys []string) Option {
	return func(c *Collector) { c.extraKeys = append(c.extraKeys, keys...) }
}

// NewCollector builds a Collector reading the process environment by default.
func NewCollector(opts ...Option) *Collector {
	c := &Collector{
		lookup:     os.LookupEnv,
		environ:    os.Environ,
		configured: map[string]string{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect resolves the credential environment. Precedence, lowest to
// highest: prefix-matched host keys, host allow-list keys, extra keys,
// configured values, overrides. Empty values are dropped.
func (c *Collector) Collect(overrides map[string]string) map[string]string {
	out := map[string]string{}
	for _, kv := range c.environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || v == "" {
			continue
		}
		for _, p := range allowedHostPrefixes {
			if strings.HasPrefix(k, p) {
				out[k] = v
				break
			}
		}
	}
	keys := append(append([]string{}, allowedHostKeys...), c.extraKeys...)
	sort.Strings(keys)
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if v, ok := c.lookup(k); ok && v != "" {
			out[k] = v
		}
	}
	for k, v := range c.configured {
		if v != "" {
			out[k] = v
		}
	}
	for k, v := range overrides {
		if v == "" {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}
