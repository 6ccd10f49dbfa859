package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// NewViper builds a HostConfig from the merged viper state: config file,
// environment, and the flags the cli package bound. The flag defaults double
// as the configuration defaults.
func NewViper() (*HostConfig, error) {
	cfg := &HostConfig{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
