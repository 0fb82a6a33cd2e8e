package config

import (
	"fmt"
	"math/big"
	"strings"
)

// Validate checks the loaded configuration for values the node cannot run
// with.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress must not be empty")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("config: DataDir must not be empty")
	}
	if _, err := cfg.ParseArbitrationFee(); err != nil {
		return err
	}
	if cfg.DisputeWindowDays == 0 {
		return fmt.Errorf("config: DisputeWindowDays must be positive")
	}
	for i, key := range cfg.APIKeys {
		if strings.TrimSpace(key.Key) == "" || strings.TrimSpace(key.Secret) == "" {
			return fmt.Errorf("config: APIKeys[%d] is missing key or secret", i)
		}
	}
	return nil
}

// ParseArbitrationFee parses the configured fee into an amount.
func (cfg *Config) ParseArbitrationFee() (*big.Int, error) {
	fee, ok := new(big.Int).SetString(strings.TrimSpace(cfg.ArbitrationFee), 10)
	if !ok || fee.Sign() < 0 {
		return nil, fmt.Errorf("config: ArbitrationFee %q is not a non-negative integer", cfg.ArbitrationFee)
	}
	return fee, nil
}
