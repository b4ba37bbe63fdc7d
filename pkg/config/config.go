// Package config loads a Hyperware node's configuration file and
// environment overrides, grounded on the teacher's pkg/config/config.go
// viper-based loader, generalized from Synnergy's network/consensus/VM
// sections to this node's kernel/net/eth/hypermap sections.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config is the unified configuration for one Hyperware node.
type Config struct {
	Node struct {
		Name    string `mapstructure:"name" json:"name"`
		HomeDir string `mapstructure:"home_dir" json:"home_dir"`
	} `mapstructure:"node" json:"node"`

	Net struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"net" json:"net"`

	Eth struct {
		DefaultChainID uint64   `mapstructure:"default_chain_id" json:"default_chain_id"`
		ProviderURLs   []string `mapstructure:"provider_urls" json:"provider_urls"`
	} `mapstructure:"eth" json:"eth"`

	Hypermap struct {
		ChainID          uint64 `mapstructure:"chain_id" json:"chain_id"`
		NoteContract     string `mapstructure:"note_contract" json:"note_contract"`
		RegistryContract string `mapstructure:"registry_contract" json:"registry_contract"`
		CacheIntervalSec int64  `mapstructure:"cache_interval_seconds" json:"cache_interval_seconds"`
		HTTPAddr         string `mapstructure:"http_addr" json:"http_addr"`
	} `mapstructure:"hypermap" json:"hypermap"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		JSON  bool   `mapstructure:"json" json:"json"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load.
var AppConfig Config

// Load reads configFile (or searches "." and "./config" for
// "hyperware.yaml" if empty), merges HYPERWARE_-prefixed environment
// overrides, and unmarshals into AppConfig.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("hyperware")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	v.SetEnvPrefix("HYPERWARE")
	v.AutomaticEnv()

	if err := v.Unmarshal(&AppConfig); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &AppConfig, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.home_dir", "./data")
	v.SetDefault("net.listen_addr", "/ip4/0.0.0.0/tcp/9000")
	v.SetDefault("eth.default_chain_id", 1)
	v.SetDefault("hypermap.cache_interval_seconds", 1000)
	v.SetDefault("hypermap.http_addr", ":8085")
	v.SetDefault("logging.level", "info")
}
