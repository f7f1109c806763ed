// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ssdphelper/internal/errors"
)

func TestLoadFullConfig(t *testing.T) {
	src := `
queue          = 42
log_level      = "debug"
log_json       = true
metrics_listen = "127.0.0.1:9119"
nft_table      = "ssdp_test"

helper "ssdp" {
  expect_timeout = "3s"
  max_expected   = 2
  max_pending    = 128
}
`
	cfg, err := LoadBytes("test.hcl", []byte(src))
	require.NoError(t, err)

	assert.Equal(t, 42, cfg.Queue)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.LogJSON)
	assert.Equal(t, "127.0.0.1:9119", cfg.MetricsListen)
	assert.Equal(t, "ssdp_test", cfg.NFTTable)

	h, ok := cfg.Helper("ssdp")
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, h.Timeout())
	assert.Equal(t, 2, h.MaxExpected)
	assert.Equal(t, 128, h.MaxPending)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := LoadBytes("test.hcl", []byte(`helper "ssdp" {}`))
	require.NoError(t, err)

	assert.Equal(t, DefaultQueue, cfg.Queue)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, DefaultTable, cfg.NFTTable)
	assert.Empty(t, cfg.MetricsListen)

	h, ok := cfg.Helper("ssdp")
	require.True(t, ok)
	assert.Equal(t, time.Second, h.Timeout())
	assert.Equal(t, 1, h.MaxExpected)
	assert.Equal(t, DefaultMaxPending, h.MaxPending)
}

func TestEmptyConfigEnablesSSDP(t *testing.T) {
	cfg, err := LoadBytes("empty.hcl", nil)
	require.NoError(t, err)

	_, ok := cfg.Helper("ssdp")
	assert.True(t, ok)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.hcl"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssdp-helper.hcl")
	require.NoError(t, os.WriteFile(path, []byte("queue = 7\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Queue)
}

func TestLoadSyntaxError(t *testing.T) {
	_, err := LoadBytes("bad.hcl", []byte(`queue = `))
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}

func TestLoadUnknownAttribute(t *testing.T) {
	_, err := LoadBytes("bad.hcl", []byte(`no_such_setting = true`))
	require.Error(t, err)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		field string
	}{
		{"queue range", `queue = 70000`, "queue"},
		{"log level", `log_level = "loud"`, "log_level"},
		{"metrics address", `metrics_listen = "9119"`, "metrics_listen"},
		{"unknown helper", `helper "ftp" {}`, "helper[ftp]"},
		{"bad timeout", `helper "ssdp" { expect_timeout = "soon" }`, "helper[ssdp].expect_timeout"},
		{"negative timeout", `helper "ssdp" { expect_timeout = "-1s" }`, "helper[ssdp].expect_timeout"},
		{"max expected", `helper "ssdp" { max_expected = -1 }`, "helper[ssdp].max_expected"},
		{"max pending", `helper "ssdp" { max_pending = -5 }`, "helper[ssdp].max_pending"},
		{"duplicate", "helper \"ssdp\" {}\nhelper \"ssdp\" {}", "helper[ssdp]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBytes("test.hcl", []byte(tt.src))
			require.Error(t, err)
			assert.Equal(t, errors.KindValidation, errors.GetKind(err))

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			var fields []string
			for _, v := range verrs {
				fields = append(fields, v.Field)
			}
			assert.Contains(t, fields, tt.field)
			assert.True(t, strings.Contains(err.Error(), tt.field))
		})
	}
}
