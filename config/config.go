package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// APIKey is a gateway credential pair. The key travels in the request header;
// the secret signs the request body.
type APIKey struct {
	Key    string `toml:"Key"`
	Secret string `toml:"Secret"`
}

type Config struct {
	ListenAddress             string   `toml:"ListenAddress"`
	DataDir                   string   `toml:"DataDir"`
	ServiceName               string   `toml:"ServiceName"`
	Environment               string   `toml:"Environment"`
	ArbitratorURL             string   `toml:"ArbitratorURL"`
	ArbitratorTimeoutSeconds  int      `toml:"ArbitratorTimeoutSeconds"`
	ArbitrationCallbackSecret string   `toml:"ArbitrationCallbackSecret"`
	ArbitrationFee            string   `toml:"ArbitrationFee"`
	DisputeWindowDays         uint32   `toml:"DisputeWindowDays"`
	RateLimitPerMinute        int      `toml:"RateLimitPerMinute"`
	IdempotencyDBPath         string   `toml:"IdempotencyDBPath"`
	OTELEnabled               bool     `toml:"OTELEnabled"`
	OTELEndpoint              string   `toml:"OTELEndpoint"`
	OTELInsecure              bool     `toml:"OTELInsecure"`
	APIKeys                   []APIKey `toml:"APIKeys"`
}

// Load loads the configuration from the given path. A missing file is
// created with defaults first.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./invochain-data"
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "invochaind"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.ArbitratorTimeoutSeconds <= 0 {
		cfg.ArbitratorTimeoutSeconds = 10
	}
	if cfg.ArbitrationFee == "" {
		cfg.ArbitrationFee = "0"
	}
	if cfg.DisputeWindowDays == 0 {
		cfg.DisputeWindowDays = 7
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 60
	}
	if cfg.IdempotencyDBPath == "" {
		cfg.IdempotencyDBPath = filepath.Join(cfg.DataDir, "gateway.db")
	}
	if cfg.APIKeys == nil {
		cfg.APIKeys = []APIKey{}
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
