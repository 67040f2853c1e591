package config

// Package config provides a reusable loader for engine configuration files
// and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"ethexe-engine/core"
	"ethexe-engine/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for an engine node. It mirrors the
// structure of the YAML files under cmd/config.
type Config struct {
	Router struct {
		RPCURL        string `mapstructure:"rpc_url" json:"rpc_url"`
		ContractAddr  string `mapstructure:"contract_addr" json:"contract_addr"`
		StartBlock    uint64 `mapstructure:"start_block" json:"start_block"`
		Confirmations uint64 `mapstructure:"confirmations" json:"confirmations"`
	} `mapstructure:"router" json:"router"`

	Limits struct {
		MaxPayload             int    `mapstructure:"max_payload" json:"max_payload"`
		MaxSalt                int    `mapstructure:"max_salt" json:"max_salt"`
		MaxWasmPages           uint32 `mapstructure:"max_wasm_pages" json:"max_wasm_pages"`
		ChunkSize              int    `mapstructure:"chunk_size" json:"chunk_size"`
		ChunkProcessingThreads int    `mapstructure:"chunk_processing_threads" json:"chunk_processing_threads"`
		CanonicalQuarantine    uint32 `mapstructure:"canonical_quarantine" json:"canonical_quarantine"`
		MailboxThresholdGas    uint64 `mapstructure:"mailbox_threshold_gas" json:"mailbox_threshold_gas"`
		ExistentialDeposit     uint64 `mapstructure:"existential_deposit" json:"existential_deposit"`
		GasAllowancePerBlock   uint64 `mapstructure:"gas_allowance_per_block" json:"gas_allowance_per_block"`
	} `mapstructure:"limits" json:"limits"`

	GasWeights struct {
		Path    string `mapstructure:"path" json:"path"`
		Version uint32 `mapstructure:"version" json:"version"`
	} `mapstructure:"gas_weights" json:"gas_weights"`

	Storage struct {
		DBPath string `mapstructure:"db_path" json:"db_path"`
	} `mapstructure:"storage" json:"storage"`

	RPC struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
		RateLimit  int    `mapstructure:"rate_limit" json:"rate_limit"`
	} `mapstructure:"rpc" json:"rpc"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the ETHEXE_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("ETHEXE_ENV", ""))
}

// ToEngineConfig translates the loaded configuration into the
// core.EngineConfig the block processor and execution core are constructed
// with. Zero-valued fields fall back to core.DefaultLimits, so a config
// file only needs to override what it cares about.
func (c *Config) ToEngineConfig() core.EngineConfig {
	cfg := core.DefaultEngineConfig()
	l := c.Limits
	if l.MaxPayload != 0 {
		cfg.MaxPayload = l.MaxPayload
	}
	if l.MaxSalt != 0 {
		cfg.MaxSalt = l.MaxSalt
	}
	if l.MaxWasmPages != 0 {
		cfg.MaxWasmPages = l.MaxWasmPages
	}
	if l.ChunkSize != 0 {
		cfg.ChunkSize = l.ChunkSize
	}
	if l.ChunkProcessingThreads != 0 {
		cfg.ChunkProcessingThreads = l.ChunkProcessingThreads
	}
	if l.CanonicalQuarantine != 0 {
		cfg.CanonicalQuarantine = l.CanonicalQuarantine
	}
	if l.MailboxThresholdGas != 0 {
		cfg.MailboxThresholdGas = l.MailboxThresholdGas
	}
	if l.ExistentialDeposit != 0 {
		cfg.ExistentialDeposit = l.ExistentialDeposit
	}
	if l.GasAllowancePerBlock != 0 {
		cfg.GasAllowancePerBlock = l.GasAllowancePerBlock
	}
	if c.GasWeights.Version != 0 {
		cfg.InstrWeightsVersion = c.GasWeights.Version
	}
	return cfg
}
