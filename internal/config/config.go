// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the daemon's HCL configuration.
package config

import (
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"grimm.is/ssdphelper/internal/errors"
)

// Defaults.
const (
	DefaultQueue         = 1900
	DefaultLogLevel      = "info"
	DefaultTable         = "ssdp_helper"
	DefaultHelper        = "ssdp"
	DefaultExpectTimeout = "1s"
	DefaultMaxExpected   = 1
	DefaultMaxPending    = 64
)

// Config is the top-level configuration.
type Config struct {
	// Queue is the NFQUEUE number helper traffic is sent to.
	Queue int `hcl:"queue,optional" json:"queue"`

	LogLevel string `hcl:"log_level,optional" json:"log_level"`
	LogJSON  bool   `hcl:"log_json,optional" json:"log_json"`

	// MetricsListen enables the Prometheus endpoint, e.g. "127.0.0.1:9119".
	MetricsListen string `hcl:"metrics_listen,optional" json:"metrics_listen,omitempty"`

	// NFTTable names the nftables table holding the queue rules.
	NFTTable string `hcl:"nft_table,optional" json:"nft_table"`

	Helpers []HelperConfig `hcl:"helper,block" json:"helpers"`
}

// HelperConfig tunes one helper's expectation policy.
//
//	helper "ssdp" {
//	  expect_timeout = "1s"
//	  max_expected   = 1
//	  max_pending    = 64
//	}
type HelperConfig struct {
	Name          string `hcl:"name,label" json:"name"`
	ExpectTimeout string `hcl:"expect_timeout,optional" json:"expect_timeout"`
	MaxExpected   int    `hcl:"max_expected,optional" json:"max_expected"`
	MaxPending    int    `hcl:"max_pending,optional" json:"max_pending"`
}

// Timeout parses ExpectTimeout. Call Validate first.
func (h HelperConfig) Timeout() time.Duration {
	d, _ := time.ParseDuration(h.ExpectTimeout)
	return d
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates the file at path. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to read config file")
	}
	return LoadBytes(path, data)
}

// LoadBytes decodes and validates HCL source. filename is used in
// diagnostics and must end in .hcl.
func LoadBytes(filename string, data []byte) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, data, nil, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "failed to decode config")
	}
	cfg.applyDefaults()

	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, errors.Wrap(errs, errors.KindValidation, "invalid config")
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Queue == 0 {
		c.Queue = DefaultQueue
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.NFTTable == "" {
		c.NFTTable = DefaultTable
	}
	if len(c.Helpers) == 0 {
		c.Helpers = []HelperConfig{{Name: DefaultHelper}}
	}
	for i := range c.Helpers {
		h := &c.Helpers[i]
		if h.ExpectTimeout == "" {
			h.ExpectTimeout = DefaultExpectTimeout
		}
		if h.MaxExpected == 0 {
			h.MaxExpected = DefaultMaxExpected
		}
		if h.MaxPending == 0 {
			h.MaxPending = DefaultMaxPending
		}
	}
}

// Helper returns the settings of the named helper.
func (c *Config) Helper(name string) (HelperConfig, bool) {
	for _, h := range c.Helpers {
		if h.Name == name {
			return h, true
		}
	}
	return HelperConfig{}, false
}
