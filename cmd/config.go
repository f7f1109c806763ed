// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package cmd implements the ssdp-helper subcommands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"grimm.is/ssdphelper/internal/config"
	"grimm.is/ssdphelper/internal/conntrack"
	"grimm.is/ssdphelper/internal/errors"
	"grimm.is/ssdphelper/internal/logging"
	"grimm.is/ssdphelper/internal/ssdp"
)

// DefaultConfigPath is read when no -config flag is given.
const DefaultConfigPath = "/etc/ssdp-helper/ssdp-helper.hcl"

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, errors.Attr(err, "path", path)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logging.Logger {
	lc := logging.DefaultConfig()
	if lvl, err := logging.ParseLevel(cfg.LogLevel); err == nil {
		lc.Level = lvl
	}
	lc.JSON = cfg.LogJSON
	return logging.New(lc)
}

// helperPolicy returns the SSDP expectation policy from cfg.
func helperPolicy(cfg *config.Config) (conntrack.Policy, config.HelperConfig, error) {
	hc, ok := cfg.Helper(ssdp.Name)
	if !ok {
		return conntrack.Policy{}, hc, errors.Errorf(errors.KindValidation, "no helper %q configured", ssdp.Name)
	}
	return conntrack.Policy{
		Name:        ssdp.Name,
		MaxExpected: hc.MaxExpected,
		Timeout:     hc.Timeout(),
	}, hc, nil
}

// RunCheckConfig loads and validates the config at path and prints the
// effective settings to w.
func RunCheckConfig(path string, w io.Writer) error {
	if w == nil {
		w = os.Stdout
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return errors.Wrapf(err, errors.KindNotFound, "configuration file not found: %s", path)
		}
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	policy, hc, err := helperPolicy(cfg)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Configuration OK\n")
	fmt.Fprintf(w, "  queue:          %d\n", cfg.Queue)
	fmt.Fprintf(w, "  nft table:      %s\n", cfg.NFTTable)
	fmt.Fprintf(w, "  log level:      %s\n", cfg.LogLevel)
	if cfg.MetricsListen != "" {
		fmt.Fprintf(w, "  metrics:        %s\n", cfg.MetricsListen)
	}
	fmt.Fprintf(w, "  helper %s:\n", policy.Name)
	fmt.Fprintf(w, "    expect_timeout: %s\n", policy.Timeout)
	fmt.Fprintf(w, "    max_expected:   %d\n", policy.MaxExpected)
	fmt.Fprintf(w, "    max_pending:    %d\n", hc.MaxPending)
	return nil
}
