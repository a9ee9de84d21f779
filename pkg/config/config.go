// Package config loads a plotchain node's configuration from a YAML file,
// environment variables, and command-line flags, in that priority order
// (flags win, then env, then file, then the defaults below).
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the unified configuration surface for a plotchain node.
type Config struct {
	Network struct {
		ID         string   `mapstructure:"id"`
		ListenAddr string   `mapstructure:"listen_addr"`
		Port       int      `mapstructure:"port"`
		MinNodes   int      `mapstructure:"min_nodes"`
		MaxNodes   int      `mapstructure:"max_nodes"`
		Bootstrap  []string `mapstructure:"bootstrap"`
	} `mapstructure:"network"`

	Discovery struct {
		Enabled    bool   `mapstructure:"enabled"`
		ListenAddr string `mapstructure:"listen_addr"`
	} `mapstructure:"discovery"`

	Forger struct {
		Enabled             bool    `mapstructure:"enabled"`
		KeyFile             string  `mapstructure:"key_file"`
		ValidatorsCountBase float64 `mapstructure:"validators_count_base"`
		ValidatorsScan      uint64  `mapstructure:"validators_scan"`
		RecalculateBlocks   uint64  `mapstructure:"recalculate_blocks"`
		RateTargetMs        int64   `mapstructure:"rate_target_ms"`
		HashCompounds       uint64  `mapstructure:"hash_compounds"`
	} `mapstructure:"forger"`

	Storage struct {
		DBPath             string `mapstructure:"db_path"`
		MempoolBudgetBytes int    `mapstructure:"mempool_budget_bytes"`
	} `mapstructure:"storage"`

	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`

	Observability struct {
		ListenAddr string `mapstructure:"listen_addr"`
	} `mapstructure:"observability"`
}

// Load reads defaults, an optional config file, `PLOTCHAIN_*` environment
// variables, a `.env` file if present, and finally flags, merging in that
// order so flags always win.
func Load(flags *pflag.FlagSet, configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if err := godotenv.Load(); err != nil && !isNotExist(err) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	v.SetEnvPrefix("plotchain")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("network.listen_addr", "0.0.0.0")
	v.SetDefault("network.port", 30333)
	v.SetDefault("network.min_nodes", 8)
	v.SetDefault("network.max_nodes", 64)

	v.SetDefault("discovery.enabled", false)
	v.SetDefault("discovery.listen_addr", "/ip4/0.0.0.0/tcp/0")

	v.SetDefault("forger.enabled", false)
	v.SetDefault("forger.validators_count_base", 2)
	v.SetDefault("forger.validators_scan", 64)
	v.SetDefault("forger.recalculate_blocks", 64)
	v.SetDefault("forger.rate_target_ms", 10_000)
	v.SetDefault("forger.hash_compounds", 4)

	v.SetDefault("storage.db_path", "plotchain.db")
	v.SetDefault("storage.mempool_budget_bytes", 8*1024*1024)

	v.SetDefault("logging.level", "info")

	v.SetDefault("observability.listen_addr", "127.0.0.1:9090")
}

func isNotExist(err error) bool {
	return strings.Contains(err.Error(), "no such file")
}
