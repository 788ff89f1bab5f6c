// Package config provides a reusable loader for teapotnet node configuration
// files and environment variables.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/teapotnet/teapotnet-go/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a teapotnet node. It
// mirrors the on-disk YAML schema loaded at startup and the flags accepted
// by cmd/teapotnetd (§6 of the specification).
type Config struct {
	Overlay struct {
		Port           int      `mapstructure:"port" json:"port"`
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		NoBootstrap    bool     `mapstructure:"no_bootstrap" json:"no_bootstrap"`
		MaxPeers       int      `mapstructure:"max_peers" json:"max_peers"`
		TTL            int      `mapstructure:"ttl" json:"ttl"`
	} `mapstructure:"overlay" json:"overlay"`

	Tunnel struct {
		IdleTimeoutSeconds int `mapstructure:"idle_timeout_seconds" json:"idle_timeout_seconds"`
	} `mapstructure:"tunnel" json:"tunnel"`

	Fountain struct {
		PacketRate       float64 `mapstructure:"packet_rate" json:"packet_rate"`
		Redundancy       float64 `mapstructure:"redundancy" json:"redundancy"`
		KeepaliveSeconds int     `mapstructure:"keepalive_seconds" json:"keepalive_seconds"`
		TimeoutSeconds   int     `mapstructure:"timeout_seconds" json:"timeout_seconds"`
	} `mapstructure:"fountain" json:"fountain"`

	Storage struct {
		BlockRoot  string `mapstructure:"block_root" json:"block_root"`
		QuotaBytes int64  `mapstructure:"quota_bytes" json:"quota_bytes"`
	} `mapstructure:"storage" json:"storage"`

	Identity struct {
		File   string `mapstructure:"file" json:"file"`
		Name   string `mapstructure:"name" json:"name"`
		Secret string `mapstructure:"secret" json:"secret"`
	} `mapstructure:"identity" json:"identity"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Default returns a Config populated with the defaults named throughout the
// specification (TTL cap of 16, 500 pkt/s, 0.15 redundancy, 60s tunnel idle
// timeout, 10s fountain keepalive).
func Default() Config {
	var c Config
	c.Overlay.Port = 7255
	c.Overlay.ListenAddr = "0.0.0.0:7255"
	c.Overlay.MaxPeers = 128
	c.Overlay.TTL = 16
	c.Tunnel.IdleTimeoutSeconds = 60
	c.Fountain.PacketRate = 500
	c.Fountain.Redundancy = 0.15
	c.Fountain.KeepaliveSeconds = 10
	c.Fountain.TimeoutSeconds = 60
	c.Storage.BlockRoot = "./data/blocks"
	c.Storage.QuotaBytes = 10 << 30
	c.Identity.File = "./data/identity.yml"
	c.Logging.Level = "info"
	return c
}

// Load reads configuration from the named file (if non-empty), merges
// environment variable overrides, and stores the result in AppConfig.
func Load(path string) (*Config, error) {
	AppConfig = Default()

	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, utils.Wrap(err, "load config")
		}
	}
	v.SetEnvPrefix("TEAPOTNET")
	v.AutomaticEnv()

	if err := v.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the TEAPOTNET_CONFIG environment
// variable, falling back to the compiled-in defaults when unset.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("TEAPOTNET_CONFIG", ""))
}

// Validate checks fields that must hold for the node to start (§7: a bad
// configuration is a fatal, not recoverable, error).
func (c *Config) Validate() error {
	if c.Overlay.TTL <= 0 || c.Overlay.TTL > 16 {
		return fmt.Errorf("overlay.ttl must be in (0,16], got %d", c.Overlay.TTL)
	}
	if c.Overlay.Port <= 0 || c.Overlay.Port > 65535 {
		return fmt.Errorf("overlay.port out of range: %d", c.Overlay.Port)
	}
	return nil
}
