package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// envConfigFile points every platform at a JSON config file instead of the
// native backend.
const envConfigFile = "AGENTQ_CONFIG_FILE"

type Config struct {
	Server     ServerConfig
	Ollama     OllamaConfig
	OpenRouter OpenRouterConfig
	Storage    StorageConfig
	Jobs       JobsConfig
	Runner     RunnerConfig
	Feeds      FeedsConfig
	Telegram   TelegramConfig
	NATS       NATSConfig
	Log        LogConfig
}

type ServerConfig struct {
	Host string `validate:"required"`
	Port int    `validate:"gte=1,lte=65535"`
}

type OllamaConfig struct {
	BaseURL string `validate:"required,http_url"`
}

type OpenRouterConfig struct {
	APIKey string
}

type StorageConfig struct {
	DataDir string `validate:"required"`
}

type JobsConfig struct {
	// Backend selects the job store: "sqlite" shares the database with feed
	// state; "dir" keeps one JSON file per job under Dir.
	Backend string `validate:"oneof=sqlite dir"`
	Dir     string
}

type RunnerConfig struct {
	ModelTimeout time.Duration `validate:"gt=0"`
	MaxAttempts  int           `validate:"gte=1,lte=10"`
	StaleAfter   time.Duration `validate:"gte=0"`
	AllowPaid    bool
	LocalDefault string `validate:"required"`
	Workspace    string
	HistoryTurns int `validate:"gte=0"`
}

type FeedsConfig struct {
	File      string
	Interval  time.Duration `validate:"gte=1m"`
	PostDelay time.Duration `validate:"gte=0"`
}

type TelegramConfig struct {
	BotToken string
	ChatID   string `validate:"required_with=BotToken"`
}

type NATSConfig struct {
	URL string
}

type LogConfig struct {
	Level string `validate:"oneof=debug info warn error"`
}

// JobsDir returns where the directory job store keeps its areas.
func (c Config) JobsDir() string {
	if c.Jobs.Dir != "" {
		return c.Jobs.Dir
	}
	return filepath.Join(c.Storage.DataDir, "jobs")
}

// WorkspaceDir returns the root for code results and file jobs.
func (c Config) WorkspaceDir() string {
	if c.Runner.Workspace != "" {
		return c.Runner.Workspace
	}
	return filepath.Join(c.Storage.DataDir, "workspace")
}

// FeedsFile returns the path of the static monitor list.
func (c Config) FeedsFile() string {
	if c.Feeds.File != "" {
		return c.Feeds.File
	}
	return filepath.Join(c.Storage.DataDir, "feeds.json")
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4000,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Jobs: JobsConfig{
			Backend: "sqlite",
		},
		Runner: RunnerConfig{
			ModelTimeout: 15 * time.Second,
			MaxAttempts:  3,
			StaleAfter:   10 * time.Minute,
			LocalDefault: "llama3.2",
			HistoryTurns: 10,
		},
		Feeds: FeedsConfig{
			Interval:  5 * time.Minute,
			PostDelay: 2 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, a .env file in
// the working directory, environment variables, and the platform secret
// store, in increasing order of precedence except for the secret store,
// which only fills secrets still empty.
//
// On macOS the backend is UserDefaults (domain: com.agentq.app) and secrets
// fall back to macOS Keychain. Elsewhere the backend is a JSON file at
// $XDG_CONFIG_HOME/agentq/config.json and secrets fall back to a 0600 file
// under $XDG_DATA_HOME/agentq. AGENTQ_CONFIG_FILE selects a JSON file on
// every platform.
//
// Environment variables (AGENTQ_*) override backend values on all platforms.
func Load() (Config, error) {
	_ = godotenv.Load()
	return loadWith(newPlatformBackend(), NewKeychain())
}

var validate = validator.New()

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.OpenRouter.APIKey == "" {
		if key, err := kc.Get(keychainService, "openrouter_api_key"); err == nil && key != "" {
			cfg.OpenRouter.APIKey = key
		}
	}
	if cfg.Telegram.BotToken == "" {
		if tok, err := kc.Get(keychainService, "telegram_bot_token"); err == nil && tok != "" {
			cfg.Telegram.BotToken = tok
		}
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %s", describe(err))
	}

	if cfg.Runner.AllowPaid && cfg.OpenRouter.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: runner.allow_paid needs an OpenRouter API key. "+
			"Set it via environment variable AGENTQ_OPENROUTER_API_KEY%s", secretHint("openrouter_api_key"))
	}

	return cfg, nil
}

// describe renders validation failures using config key names.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		ns := fe.StructNamespace()
		key := ns
		for _, s := range specs {
			if s.field == strings.TrimPrefix(ns, "Config.") {
				key = s.key
				break
			}
		}
		parts = append(parts, fmt.Sprintf("%s fails %q (got %v)", key, fe.Tag(), fe.Value()))
	}
	return strings.Join(parts, "; ")
}
