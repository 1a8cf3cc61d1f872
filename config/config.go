// (c) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config loads node configuration from defaults, an optional config
// file and MPC_-prefixed environment variables, in ascending precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable of the precomputation core.
type Config struct {
	// NodeAccount is this node's account identifier; storage keys are scoped
	// by it so multiple nodes can share a database in tests.
	NodeAccount string `mapstructure:"node-account"`
	// DataDir is the directory holding the pool database.
	DataDir string `mapstructure:"data-dir"`

	// TripleTarget is the triple pool depth the supply controller maintains.
	TripleTarget int `mapstructure:"triple-target"`
	// PresignatureTarget is the presignature pool depth.
	PresignatureTarget int `mapstructure:"presignature-target"`
	// MaxConcurrentTripleGen bounds in-flight triple generators.
	MaxConcurrentTripleGen int `mapstructure:"max-concurrent-triple-gen"`
	// MaxConcurrentPresignatureGen bounds in-flight presigning protocols.
	MaxConcurrentPresignatureGen int `mapstructure:"max-concurrent-presignature-gen"`

	// GeneratorTimeout is the age after which a stuck generator is dropped.
	GeneratorTimeout time.Duration `mapstructure:"generator-timeout"`
	// SupplyTickInterval is the supply controller cadence.
	SupplyTickInterval time.Duration `mapstructure:"supply-tick-interval"`
	// MessageTTL bounds how long early presignature messages are buffered.
	MessageTTL time.Duration `mapstructure:"message-ttl"`
	// MessageBuffer bounds how many pending presignatures may buffer
	// messages at once.
	MessageBuffer int `mapstructure:"message-buffer"`
	// SendTimeout bounds each outbound transport send.
	SendTimeout time.Duration `mapstructure:"send-timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node-account", "node0")
	v.SetDefault("data-dir", "")
	v.SetDefault("triple-target", 64)
	v.SetDefault("presignature-target", 16)
	v.SetDefault("max-concurrent-triple-gen", 8)
	v.SetDefault("max-concurrent-presignature-gen", 8)
	v.SetDefault("generator-timeout", 2*time.Minute)
	v.SetDefault("supply-tick-interval", 500*time.Millisecond)
	v.SetDefault("message-ttl", 30*time.Second)
	v.SetDefault("message-buffer", 1024)
	v.SetDefault("send-timeout", 5*time.Second)
}

// Default returns the built-in configuration.
func Default() Config {
	cfg, err := Load("")
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the configuration, merging the optional file at path over the
// defaults and the environment over both.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("MPC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the supply controller cannot run with.
func (c Config) Validate() error {
	if c.NodeAccount == "" {
		return fmt.Errorf("config: node-account must be set")
	}
	if c.TripleTarget < 2 {
		return fmt.Errorf("config: triple-target %d is below the two triples one presignature needs", c.TripleTarget)
	}
	if c.PresignatureTarget < 1 {
		return fmt.Errorf("config: presignature-target must be positive")
	}
	if c.MaxConcurrentTripleGen < 1 || c.MaxConcurrentPresignatureGen < 1 {
		return fmt.Errorf("config: concurrency caps must be positive")
	}
	if c.GeneratorTimeout <= 0 || c.SupplyTickInterval <= 0 || c.MessageTTL <= 0 || c.SendTimeout <= 0 {
		return fmt.Errorf("config: timeouts must be positive")
	}
	if c.MessageBuffer < 1 {
		return fmt.Errorf("config: message-buffer must be positive")
	}
	return nil
}
