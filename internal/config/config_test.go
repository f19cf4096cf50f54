package config_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-conductor/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

// isolateEnv clears variables the loader reads so the host environment
// cannot leak into a test.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CONDUCTOR_BIND_ADDR", "CONDUCTOR_LOG_LEVEL", "CONDUCTOR_DB_PATH",
		"CONDUCTOR_TASK_TIMEOUT_SECONDS", "CONDUCTOR_CANCEL_GRACE_MS",
		"CONDUCTOR_DRAIN_TIMEOUT_SECONDS", "CONDUCTOR_LLM_PROVIDER", "CONDUCTOR_LLM_MODEL",
		"CONDUCTOR_NATS_URL", "CONDUCTOR_OTEL_EXPORTER",
		"GEMINI_API_KEY", "GOOGLE_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY", "OPENROUTER_API_KEY",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_FromConductorHome(t *testing.T) {
	isolateEnv(t)
	home := filepath.Join(t.TempDir(), "conductor")
	writeConfig(t, home, "bind_addr: 0.0.0.0:9000\nengine:\n  task_timeout_seconds: 120\n")
	t.Setenv("CONDUCTOR_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("expected home %s, got %s", home, cfg.HomeDir)
	}
	if cfg.BindAddr != "0.0.0.0:9000" {
		t.Fatalf("expected bind_addr override, got %q", cfg.BindAddr)
	}
	if cfg.TaskTimeout() != 2*time.Minute {
		t.Fatalf("expected 2m task timeout, got %v", cfg.TaskTimeout())
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	isolateEnv(t)
	home := t.TempDir()

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected log_level info, got %q", cfg.LogLevel)
	}
	if cfg.DBPath != filepath.Join(home, "conductor.db") {
		t.Fatalf("unexpected db path %q", cfg.DBPath)
	}
	if cfg.LLM.Provider != "google" {
		t.Fatalf("expected google provider, got %q", cfg.LLM.Provider)
	}
	if cfg.CancelGrace() != 5*time.Second {
		t.Fatalf("expected 5s cancel grace, got %v", cfg.CancelGrace())
	}
	if cfg.Engine.ContextLimit != 10 {
		t.Fatalf("expected context limit 10, got %d", cfg.Engine.ContextLimit)
	}
	if cfg.Engine.ObserverQueueSize != 256 {
		t.Fatalf("expected queue size 256, got %d", cfg.Engine.ObserverQueueSize)
	}
	if cfg.NATS.SubjectPrefix != "conductor.events" {
		t.Fatalf("unexpected subject prefix %q", cfg.NATS.SubjectPrefix)
	}
	if cfg.OTel.ServiceName != "conductor" {
		t.Fatalf("unexpected otel service name %q", cfg.OTel.ServiceName)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	isolateEnv(t)
	home := t.TempDir()
	writeConfig(t, home, "log_level: info\nllm:\n  provider: anthropic\n")
	t.Setenv("CONDUCTOR_LOG_LEVEL", "DEBUG")
	t.Setenv("CONDUCTOR_CANCEL_GRACE_MS", "250")
	t.Setenv("CONDUCTOR_NATS_URL", "nats://127.0.0.1:4222")
	t.Setenv("CONDUCTOR_DB_PATH", filepath.Join(home, "other.db"))

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected lower-cased debug, got %q", cfg.LogLevel)
	}
	if cfg.CancelGrace() != 250*time.Millisecond {
		t.Fatalf("expected 250ms grace, got %v", cfg.CancelGrace())
	}
	if cfg.NATS.URL != "nats://127.0.0.1:4222" {
		t.Fatalf("unexpected nats url %q", cfg.NATS.URL)
	}
	if !strings.HasSuffix(cfg.DBPath, "other.db") {
		t.Fatalf("unexpected db path %q", cfg.DBPath)
	}
	if cfg.LLM.Provider != "anthropic" {
		t.Fatalf("expected anthropic, got %q", cfg.LLM.Provider)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	isolateEnv(t)
	home := t.TempDir()
	writeConfig(t, home, "engine: [not a map\n")
	if _, err := config.LoadFrom(home); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_RejectsBadChainsAndSchedules(t *testing.T) {
	isolateEnv(t)
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "duplicate chain",
			body: "chains:\n  - name: a\n    steps: [{kind: simulation}]\n  - name: a\n    steps: [{kind: debate}]\n",
			want: "duplicate chain",
		},
		{
			name: "schedule unknown chain",
			body: "schedules:\n  - name: nightly\n    cron: \"0 2 * * *\"\n    chain: missing\n",
			want: "unknown chain",
		},
		{
			name: "empty kind name",
			body: "kinds:\n  - description: nameless\n",
			want: "empty name",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			home := t.TempDir()
			writeConfig(t, home, tc.body)
			_, err := config.LoadFrom(home)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestKindConfig_AgentKind(t *testing.T) {
	isolateEnv(t)
	home := t.TempDir()
	writeConfig(t, home, `
kinds:
  - name: triage
    display_name: Triage
    required_inputs: [ticket]
    timeout_seconds: 30
    result_schema:
      type: object
      required: [priority]
`)
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	kinds, err := cfg.AgentKinds()
	if err != nil {
		t.Fatalf("agent kinds: %v", err)
	}
	if len(kinds) != 1 {
		t.Fatalf("expected 1 kind, got %d", len(kinds))
	}
	k := kinds[0]
	if k.Name != "triage" || k.Timeout != 30*time.Second {
		t.Fatalf("unexpected kind %+v", k)
	}
	var schema map[string]any
	if err := json.Unmarshal(k.ResultSchema, &schema); err != nil {
		t.Fatalf("schema is not json: %v", err)
	}
	if schema["type"] != "object" {
		t.Fatalf("unexpected schema %v", schema)
	}
}

func TestProviderAPIKey(t *testing.T) {
	isolateEnv(t)
	cfg := config.Config{Providers: map[string]config.ProviderConfig{
		"anthropic": {APIKey: "from-file"},
	}}
	if got := cfg.ProviderAPIKey("anthropic"); got != "from-file" {
		t.Fatalf("expected file key, got %q", got)
	}
	t.Setenv("ANTHROPIC_API_KEY", "from-env")
	if got := cfg.ProviderAPIKey("anthropic"); got != "from-env" {
		t.Fatalf("expected env key to win, got %q", got)
	}
	t.Setenv("GOOGLE_API_KEY", "g")
	if got := cfg.ProviderAPIKey("google"); got != "g" {
		t.Fatalf("expected GOOGLE_API_KEY fallback, got %q", got)
	}
	if got := cfg.ProviderAPIKey("unknown"); got != "" {
		t.Fatalf("expected empty key, got %q", got)
	}
}

func TestFingerprint_ChangesWithRestartSettings(t *testing.T) {
	a := config.Config{BindAddr: "127.0.0.1:1"}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs should share a fingerprint")
	}
	b.BindAddr = "127.0.0.1:2"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("bind change should alter the fingerprint")
	}
	c := a
	c.LogLevel = "debug"
	if a.Fingerprint() != c.Fingerprint() {
		t.Fatal("log level is live and should not alter the fingerprint")
	}
}
