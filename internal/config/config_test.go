package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockKeychain is an in-memory Keychain keyed by service/account.
type mockKeychain struct {
	values map[string]string
	setErr error
}

func (m *mockKeychain) Get(service, account string) (string, error) {
	v, ok := m.values[service+"/"+account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (m *mockKeychain) Set(service, account, value string) error {
	if m.setErr != nil {
		return m.setErr
	}
	if m.values == nil {
		m.values = make(map[string]string)
	}
	m.values[service+"/"+account] = value
	return nil
}

func writeTempConfig(t *testing.T, content string) ConfigBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return newFileBackend(path)
}

// TestDefaults verifies all default values are applied when the backend is empty.
func TestDefaults(t *testing.T) {
	cfg, err := loadWith(writeTempConfig(t, `{}`), &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 4000 {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
	if cfg.Jobs.Backend != "sqlite" {
		t.Errorf("Jobs.Backend = %q, want sqlite", cfg.Jobs.Backend)
	}
	if cfg.Runner.ModelTimeout != 15*time.Second || cfg.Runner.MaxAttempts != 3 {
		t.Errorf("Runner = %+v", cfg.Runner)
	}
	if cfg.Runner.AllowPaid {
		t.Error("paid models allowed by default")
	}
	if cfg.Feeds.Interval != 5*time.Minute || cfg.Feeds.PostDelay != 2*time.Second {
		t.Errorf("Feeds = %+v", cfg.Feeds)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if got := cfg.JobsDir(); got != filepath.Join(cfg.Storage.DataDir, "jobs") {
		t.Errorf("JobsDir() = %q", got)
	}
}

// TestBackendValues verifies that all kinds of values are read from the backend.
func TestBackendValues(t *testing.T) {
	b := writeTempConfig(t, `{
  "server.port": 5000,
  "ollama.base_url": "http://custom:11434",
  "storage.data_dir": "/tmp/agentq-test",
  "jobs.backend": "dir",
  "runner.model_timeout": "45s",
  "runner.allow_paid": false,
  "runner.local_default": "qwen2.5",
  "feeds.interval": "10m",
  "telegram.chat_id": "12345",
  "nats.url": "nats://localhost:4222"
}`)

	cfg, err := loadWith(b, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Ollama.BaseURL != "http://custom:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
	if cfg.Jobs.Backend != "dir" || cfg.JobsDir() != "/tmp/agentq-test/jobs" {
		t.Errorf("Jobs = %+v, dir %q", cfg.Jobs, cfg.JobsDir())
	}
	if cfg.Runner.ModelTimeout != 45*time.Second {
		t.Errorf("Runner.ModelTimeout = %v", cfg.Runner.ModelTimeout)
	}
	if cfg.Runner.LocalDefault != "qwen2.5" {
		t.Errorf("Runner.LocalDefault = %q", cfg.Runner.LocalDefault)
	}
	if cfg.Feeds.Interval != 10*time.Minute {
		t.Errorf("Feeds.Interval = %v", cfg.Feeds.Interval)
	}
	if cfg.Telegram.ChatID != "12345" || cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("Telegram = %+v, NATS = %+v", cfg.Telegram, cfg.NATS)
	}
}

// TestEnvOverride verifies that environment variables override backend values.
func TestEnvOverride(t *testing.T) {
	b := writeTempConfig(t, `{"server.port": 5000, "log.level": "warn"}`)

	t.Setenv("AGENTQ_SERVER_PORT", "6000")
	t.Setenv("AGENTQ_LOG_LEVEL", "DEBUG")
	t.Setenv("AGENTQ_RUNNER_STALE_AFTER", "not-a-duration")
	t.Setenv("AGENTQ_OPENROUTER_API_KEY", "env-key")

	cfg, err := loadWith(b, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
	if cfg.Runner.StaleAfter != 10*time.Minute {
		t.Errorf("invalid env value applied: StaleAfter = %v", cfg.Runner.StaleAfter)
	}
	if cfg.OpenRouter.APIKey != "env-key" {
		t.Errorf("OpenRouter.APIKey = %q, want env-key", cfg.OpenRouter.APIKey)
	}
}

// TestSecretsIgnoredInBackend verifies secrets never come from the plain config file.
func TestSecretsIgnoredInBackend(t *testing.T) {
	b := writeTempConfig(t, `{"openrouter.api_key": "file-key", "telegram.bot_token": "file-token"}`)

	cfg, err := loadWith(b, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.OpenRouter.APIKey != "" || cfg.Telegram.BotToken != "" {
		t.Errorf("secrets read from backend: %q %q", cfg.OpenRouter.APIKey, cfg.Telegram.BotToken)
	}
}

// TestKeychainFallback verifies the keychain is consulted when no secret is in env.
func TestKeychainFallback(t *testing.T) {
	kc := &mockKeychain{values: map[string]string{
		"agentq/openrouter_api_key": "keychain-secret",
		"agentq/telegram_bot_token": "123:abc",
	}}

	cfg, err := loadWith(writeTempConfig(t, `{"telegram.chat_id": "42"}`), kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.OpenRouter.APIKey != "keychain-secret" {
		t.Errorf("OpenRouter.APIKey = %q, want keychain-secret", cfg.OpenRouter.APIKey)
	}
	if cfg.Telegram.BotToken != "123:abc" {
		t.Errorf("Telegram.BotToken = %q", cfg.Telegram.BotToken)
	}
}

// TestValidation verifies a clear error for invalid combinations.
func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
		want    string
	}{
		{
			name:    "unknown backend",
			content: `{"jobs.backend": "redis"}`,
			want:    "jobs.backend",
		},
		{
			name:    "bad log level",
			content: `{"log.level": "loud"}`,
			want:    "log.level",
		},
		{
			name:    "telegram without chat",
			content: `{}`,
			env:     map[string]string{"AGENTQ_TELEGRAM_BOT_TOKEN": "123:abc"},
			want:    "telegram.chat_id",
		},
		{
			name:    "paid without key",
			content: `{"runner.allow_paid": "true"}`,
			want:    "missing required config",
		},
		{
			name:    "zero attempts",
			content: `{"runner.max_attempts": 0}`,
			want:    "runner.max_attempts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadWith(writeTempConfig(t, tt.content), &mockKeychain{})
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestSetKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	b := newFileBackend(path)

	if err := setKey(b, "server.port", "4100"); err != nil {
		t.Fatalf("setKey(server.port): %v", err)
	}
	if err := setKey(b, "feeds.interval", "90s"); err != nil {
		t.Fatalf("setKey(feeds.interval): %v", err)
	}
	if err := setKey(b, "server.port", "abc"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKey(b, "telegram.bot_token", "x"); err == nil || !strings.Contains(err.Error(), "AGENTQ_TELEGRAM_BOT_TOKEN") {
		t.Errorf("setting a secret: err = %v", err)
	}
	if err := setKey(b, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}

	cfg, err := loadWith(newFileBackend(path), &mockKeychain{})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Server.Port != 4100 || cfg.Feeds.Interval != 90*time.Second {
		t.Errorf("persisted values: port %d interval %v", cfg.Server.Port, cfg.Feeds.Interval)
	}
}

func TestShowAll_HidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Telegram.BotToken = "123:secret"
	for _, k := range ShowAll(cfg) {
		if strings.Contains(k.Key, "token") || strings.Contains(k.Key, "api_key") || strings.Contains(k.Value, "secret") {
			t.Errorf("secret exposed: %+v", k)
		}
	}
	if len(ValidKeys()) != len(ShowAll(cfg)) {
		t.Errorf("ValidKeys and ShowAll disagree: %d vs %d", len(ValidKeys()), len(ShowAll(cfg)))
	}
}

func TestGetAPIToken(t *testing.T) {
	kc := &mockKeychain{}

	tok, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if len(tok) != 64 {
		t.Errorf("token length = %d, want 64", len(tok))
	}

	again, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("second GetAPIToken: %v", err)
	}
	if again != tok {
		t.Error("token regenerated instead of reused")
	}

	if _, err := GetAPIToken(&mockKeychain{setErr: errors.New("locked")}); err == nil {
		t.Error("expected error when the token cannot be stored")
	}
}
