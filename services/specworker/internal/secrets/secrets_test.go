package secrets

import "testing"

func TestSensitive(t *testing.T) {
	cases := []struct {
		key  string
		want bool
	}{
		{"GITHUB_TOKEN", true},
		{"DB_PASSWORD", true},
		{"aws_secret_access_key", true},
		{"API_KEY", true},
		{"SESSION_ID", true},
		{"OAUTH_CLIENT", true},
		{"COOKIE_JAR", true},
		{"GIT_CREDENTIAL_HELPER", true},
		{"PATH", false},
		{"HOME", false},
		{"LANG", false},
		{"SSH_AUTH_SOCK", false},
		{"SPEC_RUN_ID", false},
		{"EDITOR", false},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			if got := Sensitive(tc.key); got != tc.want {
				t.Errorf("Sensitive(%q) = %v, want %v", tc.key, got, tc.want)
			}
		})
	}
}

func TestRedact(t *testing.T) {
	in := map[string]string{
		"GITHUB_TOKEN": "ghp_live",
		"PATH":         "/usr/bin",
		"DB_PASSWORD":  "hunter2",
	}
	got := Redact(in)
	if got["GITHUB_TOKEN"] != Redacted || got["DB_PASSWORD"] != Redacted {
		t.Error("sensitive values should be redacted")
	}
	if got["PATH"] != "/usr/bin" {
		t.Error("benign values should pass through")
	}
	if in["GITHUB_TOKEN"] != "ghp_live" {
		t.Error("input map must not be mutated")
	}
}

func TestCollectPrecedence(t *testing.T) {
	host := map[string]string{
		"GITHUB_TOKEN":    "from-host",
		"GIT_AUTHOR_NAME": "host-author",
		"CUSTOM_API_KEY":  "from-host-extra",
		"EMPTY_KEY":       "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := host[k]
		return v, ok
	}

	c := NewCollector(
		WithLookup(lookup),
		WithEnviron(func() []string { return nil }),
		WithExtraKeys([]string{"CUSTOM_API_KEY", "EMPTY_KEY", " "}),
		WithConfigured(map[string]string{"GITHUB_TOKEN": "from-config"}),
	)

	got := c.Collect(map[string]string{
		"GIT_AUTHOR_NAME": "override-author",
		"CUSTOM_API_KEY":  "",
		"RUN_ONLY_SECRET": "per-call",
	})

	if got["GITHUB_TOKEN"] != "from-config" {
		t.Errorf("configured should beat host: %q", got["GITHUB_TOKEN"])
	}
	if got["GIT_AUTHOR_NAME"] != "override-author" {
		t.Errorf("override should beat host: %q", got["GIT_AUTHOR_NAME"])
	}
	if _, ok := got["CUSTOM_API_KEY"]; ok {
		t.Error("empty override should delete the key")
	}
	if got["RUN_ONLY_SECRET"] != "per-call" {
		t.Error("override-only keys should be included")
	}
	if _, ok := got["EMPTY_KEY"]; ok {
		t.Error("empty host values should be dropped")
	}
}

func TestCollectDefaultsAreHostAllowList(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "HTTPS_PROXY" {
			return "http://proxy:3128", true
		}
		return "", false
	}
	got := NewCollector(
		WithLookup(lookup),
		WithEnviron(func() []string { return nil }),
	).Collect(nil)
	if len(got) != 1 || got["HTTPS_PROXY"] != "http://proxy:3128" {
		t.Fatalf("Collect = %v", got)
	}
}

func TestCollectForwardsSensitivePrefixes(t *testing.T) {
	environ := func() []string {
		return []string{
			"CODEX_PROFILE=fast",
			"OPENAI_API_KEY=sk-live",
			"ANTHROPIC_API_KEY=sk-ant",
			"GH_TOKEN=gho_live",
			"CODEX_EMPTY=",
			"UNRELATED_VAR=nope",
			"malformed",
		}
	}
	lookup := func(string) (string, bool) { return "", false }

	got := NewCollector(WithLookup(lookup), WithEnviron(environ)).Collect(nil)

	for k, want := range map[string]string{
		"CODEX_PROFILE":     "fast",
		"OPENAI_API_KEY":    "sk-live",
		"ANTHROPIC_API_KEY": "sk-ant",
		"GH_TOKEN":          "gho_live",
	} {
		if got[k] != want {
			t.Errorf("%s = %q, want %q", k, got[k], want)
		}
	}
	if _, ok := got["UNRELATED_VAR"]; ok {
		t.Error("unprefixed host keys must not leak in")
	}
	if _, ok := got["CODEX_EMPTY"]; ok {
		t.Error("empty host values should be dropped")
	}
}
