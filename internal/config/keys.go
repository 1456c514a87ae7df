package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	field   string // struct namespace under Config, for error messages
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", field: "Server.Host", typ: kString, env: "AGENTQ_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", field: "Server.Port", typ: kInt, env: "AGENTQ_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "ollama.base_url", field: "Ollama.BaseURL", typ: kString, env: "AGENTQ_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "openrouter.api_key", field: "OpenRouter.APIKey", typ: kString, env: "AGENTQ_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.APIKey },
	},
	{
		key: "storage.data_dir", field: "Storage.DataDir", typ: kString, env: "AGENTQ_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "jobs.backend", field: "Jobs.Backend", typ: kString, env: "AGENTQ_JOBS_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Jobs.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Jobs.Backend },
	},
	{
		key: "jobs.dir", field: "Jobs.Dir", typ: kString, env: "AGENTQ_JOBS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Jobs.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.JobsDir() },
	},
	{
		key: "runner.model_timeout", field: "Runner.ModelTimeout", typ: kDuration, env: "AGENTQ_RUNNER_MODEL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Runner.ModelTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Runner.ModelTimeout },
	},
	{
		key: "runner.max_attempts", field: "Runner.MaxAttempts", typ: kInt, env: "AGENTQ_RUNNER_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Runner.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Runner.MaxAttempts },
	},
	{
		key: "runner.stale_after", field: "Runner.StaleAfter", typ: kDuration, env: "AGENTQ_RUNNER_STALE_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Runner.StaleAfter = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Runner.StaleAfter },
	},
	{
		key: "runner.allow_paid", field: "Runner.AllowPaid", typ: kBool, env: "AGENTQ_RUNNER_ALLOW_PAID",
		apply:   func(cfg *Config, v any) { cfg.Runner.AllowPaid = v.(bool) },
		extract: func(cfg Config) any { return cfg.Runner.AllowPaid },
	},
	{
		key: "runner.local_default", field: "Runner.LocalDefault", typ: kString, env: "AGENTQ_RUNNER_LOCAL_DEFAULT",
		apply:   func(cfg *Config, v any) { cfg.Runner.LocalDefault = v.(string) },
		extract: func(cfg Config) any { return cfg.Runner.LocalDefault },
	},
	{
		key: "runner.workspace", field: "Runner.Workspace", typ: kString, env: "AGENTQ_RUNNER_WORKSPACE",
		apply:   func(cfg *Config, v any) { cfg.Runner.Workspace = v.(string) },
		extract: func(cfg Config) any { return cfg.WorkspaceDir() },
	},
	{
		key: "runner.history_turns", field: "Runner.HistoryTurns", typ: kInt, env: "AGENTQ_RUNNER_HISTORY_TURNS",
		apply:   func(cfg *Config, v any) { cfg.Runner.HistoryTurns = v.(int) },
		extract: func(cfg Config) any { return cfg.Runner.HistoryTurns },
	},
	{
		key: "feeds.file", field: "Feeds.File", typ: kString, env: "AGENTQ_FEEDS_FILE",
		apply:   func(cfg *Config, v any) { cfg.Feeds.File = v.(string) },
		extract: func(cfg Config) any { return cfg.FeedsFile() },
	},
	{
		key: "feeds.interval", field: "Feeds.Interval", typ: kDuration, env: "AGENTQ_FEEDS_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Feeds.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Feeds.Interval },
	},
	{
		key: "feeds.post_delay", field: "Feeds.PostDelay", typ: kDuration, env: "AGENTQ_FEEDS_POST_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Feeds.PostDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Feeds.PostDelay },
	},
	{
		key: "telegram.bot_token", field: "Telegram.BotToken", typ: kString, env: "AGENTQ_TELEGRAM_BOT_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Telegram.BotToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.BotToken },
	},
	{
		key: "telegram.chat_id", field: "Telegram.ChatID", typ: kString, env: "AGENTQ_TELEGRAM_CHAT_ID",
		apply:   func(cfg *Config, v any) { cfg.Telegram.ChatID = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.ChatID },
	},
	{
		key: "nats.url", field: "NATS.URL", typ: kString, env: "AGENTQ_NATS_URL",
		apply:   func(cfg *Config, v any) { cfg.NATS.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.NATS.URL },
	},
	{
		key: "log.level", field: "Log.Level", typ: kString, env: "AGENTQ_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parseValue converts raw text into the Go value for typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			slog.Warn("ignoring invalid config value, using default", "key", s.key, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			slog.Warn("ignoring invalid environment value, using default", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
