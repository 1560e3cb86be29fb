package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orbit.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadFrom_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "orbit.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.CoderEnabled() {
		t.Error("coder should be disabled by default")
	}
	if got := cfg.CoderBinaryPath(); got != "coder" {
		t.Errorf("CoderBinaryPath = %q, want coder", got)
	}
	if got := cfg.MaxServers(); got != DefaultMaxServers {
		t.Errorf("MaxServers = %d, want %d", got, DefaultMaxServers)
	}
	if got := cfg.ServerStartupTimeout(); got != DefaultServerStartupTimeout {
		t.Errorf("ServerStartupTimeout = %v, want %v", got, DefaultServerStartupTimeout)
	}
	if got := cfg.MaxRestartRetries(); got != DefaultMaxRestartRetries {
		t.Errorf("MaxRestartRetries = %d, want %d", got, DefaultMaxRestartRetries)
	}
	if got := cfg.AskTimeout(); got != DefaultAskTimeout {
		t.Errorf("AskTimeout = %v, want %v", got, DefaultAskTimeout)
	}
	if got := cfg.AskDefault(); got != AskDefaultDeny {
		t.Errorf("AskDefault = %q, want deny", got)
	}
}

func TestLoadFrom_FullConfig(t *testing.T) {
	path := writeConfig(t, `
coder:
  binary_path: /usr/local/bin/coder
  enabled: true
  max_servers: 3
  server_startup_timeout: 10s
  health_poll_interval: 100ms
  max_restart_retries: 2
  permissions:
    edit: allow
    bash: ask
    webfetch: allow
  ask_timeout: 30s
  ask_default: allow
debug: true
`)

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if !cfg.CoderEnabled() {
		t.Error("coder should be enabled")
	}
	if got := cfg.CoderBinaryPath(); got != "/usr/local/bin/coder" {
		t.Errorf("CoderBinaryPath = %q", got)
	}
	if got := cfg.MaxServers(); got != 3 {
		t.Errorf("MaxServers = %d, want 3", got)
	}
	if got := cfg.ServerStartupTimeout(); got != 10*time.Second {
		t.Errorf("ServerStartupTimeout = %v, want 10s", got)
	}
	if got := cfg.HealthPollInterval(); got != 100*time.Millisecond {
		t.Errorf("HealthPollInterval = %v, want 100ms", got)
	}
	if got := cfg.MaxRestartRetries(); got != 2 {
		t.Errorf("MaxRestartRetries = %d, want 2", got)
	}
	if got := cfg.PermissionPolicy("edit"); got != PolicyAllow {
		t.Errorf("PermissionPolicy(edit) = %q, want allow", got)
	}
	if got := cfg.PermissionPolicy("bash"); got != PolicyAsk {
		t.Errorf("PermissionPolicy(bash) = %q, want ask", got)
	}
	if got := cfg.AskTimeout(); got != 30*time.Second {
		t.Errorf("AskTimeout = %v, want 30s", got)
	}
	if got := cfg.AskDefault(); got != AskDefaultAllow {
		t.Errorf("AskDefault = %q, want allow", got)
	}
	if !cfg.DebugEnabled() {
		t.Error("debug should be enabled")
	}
}

func TestLoadFrom_ZeroRestartRetriesRespected(t *testing.T) {
	path := writeConfig(t, `
coder:
  enabled: true
  max_restart_retries: 0
`)

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	// Explicit zero means "no restarts", not "use the default".
	if got := cfg.MaxRestartRetries(); got != 0 {
		t.Errorf("MaxRestartRetries = %d, want 0", got)
	}
}

func TestLoadFrom_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "coder: [not a mapping")

	if _, err := LoadFrom(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantMsg string
	}{
		{
			name: "unknown permission tool",
			content: `
coder:
  permissions:
    terraform: allow
`,
			wantMsg: "unknown permission tool",
		},
		{
			name: "invalid permission decision",
			content: `
coder:
  permissions:
    bash: maybe
`,
			wantMsg: "must be",
		},
		{
			name: "negative max servers",
			content: `
coder:
  max_servers: -1
`,
			wantMsg: "max_servers",
		},
		{
			name: "invalid ask default",
			content: `
coder:
  ask_default: reject
`,
			wantMsg: "ask_default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := LoadFrom(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %v, want message containing %q", err, tt.wantMsg)
			}
		})
	}
}

func TestPermissionPolicy_UnconfiguredDefaultsToAsk(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "orbit.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	for _, tool := range PermissionTools {
		if got := cfg.PermissionPolicy(tool); got != PolicyAsk {
			t.Errorf("PermissionPolicy(%s) = %q, want ask", tool, got)
		}
	}
}

func TestSetPermissionPolicy(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "orbit.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	cfg.SetPermissionPolicy("edit", PolicyAllow)
	if got := cfg.PermissionPolicy("edit"); got != PolicyAllow {
		t.Errorf("PermissionPolicy(edit) = %q, want allow", got)
	}
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orbit.yaml")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	cfg.Coder.Enabled = true
	cfg.Coder.BinaryPath = "/opt/coder"
	cfg.Coder.MaxServers = 2
	cfg.Coder.ServerStartupTimeout = &Duration{15 * time.Second}
	cfg.SetPermissionPolicy("bash", PolicyAllow)

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	if !reloaded.CoderEnabled() {
		t.Error("reloaded config should have coder enabled")
	}
	if got := reloaded.CoderBinaryPath(); got != "/opt/coder" {
		t.Errorf("CoderBinaryPath = %q, want /opt/coder", got)
	}
	if got := reloaded.MaxServers(); got != 2 {
		t.Errorf("MaxServers = %d, want 2", got)
	}
	if got := reloaded.ServerStartupTimeout(); got != 15*time.Second {
		t.Errorf("ServerStartupTimeout = %v, want 15s", got)
	}
	if got := reloaded.PermissionPolicy("bash"); got != PolicyAllow {
		t.Errorf("PermissionPolicy(bash) = %q, want allow", got)
	}
}

func TestDuration_UnmarshalInvalid(t *testing.T) {
	path := writeConfig(t, `
coder:
  server_startup_timeout: "not-a-duration"
`)

	if _, err := LoadFrom(path); err == nil {
		t.Fatal("expected duration parse error")
	}
}
