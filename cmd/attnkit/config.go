package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the attnkit configuration file (~/.config/attnkit/config.yaml).
// Numeric fields are pointers so we can distinguish "not set" from zero values.
type Config struct {
	// Layer
	HiddenSize *int   `yaml:"hidden_size"`
	NumHeads   *int   `yaml:"num_heads"`
	NumKVHeads *int   `yaml:"num_kv_heads"`
	Kernel     string `yaml:"kernel"`
	BlockSize  *int   `yaml:"block_size"`
	Workers    *int   `yaml:"workers"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "attnkit", "config.yaml")
}

// LoadConfig reads path, or the default location when path is empty. A
// missing default file yields a zero Config; an explicit path must exist.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
		if path == "" {
			return Config{}, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyLoggingConfig applies config file defaults to the logging flags when
// they were not explicitly set.
func applyLoggingConfig(c *cli.Command, cfg Config, level, format *string) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		*level = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		*format = cfg.LogFormat
	}
}

// applyLayerConfig applies config file defaults to the layer flags.
func applyLayerConfig(c *cli.Command, cfg Config, f *layerFlags) {
	if cfg.HiddenSize != nil && !c.IsSet("hidden") {
		f.hidden = *cfg.HiddenSize
	}
	if cfg.NumHeads != nil && !c.IsSet("heads") {
		f.heads = *cfg.NumHeads
	}
	if cfg.NumKVHeads != nil && !c.IsSet("kv-heads") {
		f.kvHeads = *cfg.NumKVHeads
	}
	if cfg.Kernel != "" && !c.IsSet("kernel") {
		f.kernel = cfg.Kernel
	}
	if cfg.BlockSize != nil && !c.IsSet("block-size") {
		f.blockSize = *cfg.BlockSize
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		f.workers = *cfg.Workers
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, workers *int) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		*workers = *cfg.Workers
	}
}
