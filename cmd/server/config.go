package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	assistrelay "github.com/MegaGrindStone/assist-relay"
	"github.com/MegaGrindStone/assist-relay/internal/gemini"
	"github.com/MegaGrindStone/assist-relay/internal/models"
	"github.com/MegaGrindStone/assist-relay/internal/ratelimit"
	"github.com/MegaGrindStone/assist-relay/internal/relay"
	"github.com/MegaGrindStone/assist-relay/internal/services"
	"gopkg.in/yaml.v3"
)

const (
	appDirName = "assistplus"

	configPathEnv = "ASSISTPLUS_CONFIG"
	apiKeyEnv     = "GEMINI_API_KEY"
)

type config struct {
	Port          string                  `yaml:"port"`
	APIKey        string                  `yaml:"apiKey"`
	BaseURL       string                  `yaml:"baseURL"`
	DefaultModel  models.ModelID          `yaml:"defaultModel"`
	SystemPrompt  string                  `yaml:"systemPrompt"`
	Generation    gemini.GenerationConfig `yaml:"generation"`
	RateLimit     rateLimitConfig         `yaml:"rateLimit"`
	StreamTimeout time.Duration           `yaml:"streamTimeout"`
	DBPath        string                  `yaml:"dbPath"`
	UserinfoURL   string                  `yaml:"userinfoURL"`
	RequireSignIn bool                    `yaml:"requireSignIn"`
	LogLevel      slog.Level              `yaml:"logLevel"`
}

type rateLimitConfig struct {
	MaxRequests int           `yaml:"maxRequests"`
	Window      time.Duration `yaml:"window"`
}

func defaultConfig() config {
	return config{
		Port:          "8080",
		BaseURL:       gemini.DefaultBaseURL,
		DefaultModel:  models.DefaultModel,
		SystemPrompt:  assistrelay.SystemPrompt,
		Generation:    gemini.DefaultGenerationConfig,
		RateLimit:     rateLimitConfig(ratelimit.DefaultConfig),
		StreamTimeout: relay.DefaultTimeout,
		UserinfoURL:   services.GoogleUserInfoURL,
		LogLevel:      slog.LevelInfo,
	}
}

// UnmarshalYAML decodes the config on top of the defaults, so any omitted field keeps its default.
func (c *config) UnmarshalYAML(value *yaml.Node) error {
	type rawConfig config
	raw := rawConfig(defaultConfig())
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*c = config(raw)
	return c.validate()
}

func (c config) validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if !c.DefaultModel.Valid() {
		return fmt.Errorf("unknown default model %q", c.DefaultModel)
	}
	if c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("rateLimit.maxRequests must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rateLimit.window must be positive")
	}
	if c.StreamTimeout <= 0 {
		return fmt.Errorf("streamTimeout must be positive")
	}
	return nil
}

// configPath returns the config file location and the directory holding the app's files.
func configPath() (string, string, error) {
	if p := os.Getenv(configPathEnv); p != "" {
		return p, filepath.Dir(p), nil
	}
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", "", fmt.Errorf("error getting user config dir: %w", err)
	}
	dir := filepath.Join(cfgDir, appDirName)
	return filepath.Join(dir, "config.yaml"), dir, nil
}

// loadConfig reads the config file at path. A missing file yields the defaults. Secrets left empty in
// the file are taken from the environment.
func loadConfig(path, dataDir string) (config, error) {
	cfg := defaultConfig()

	f, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	default:
		defer f.Close()
		if cfg, err = decodeConfig(f); err != nil {
			return config{}, err
		}
	}

	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv(apiKeyEnv)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(dataDir, "store.db")
	}
	return cfg, nil
}

func decodeConfig(r io.Reader) (config, error) {
	cfg := defaultConfig()
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}
