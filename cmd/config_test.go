// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ssdphelper/internal/errors"
)

func writeConfig(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ssdp-helper.hcl")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestRunCheckConfig(t *testing.T) {
	path := writeConfig(t, `
queue          = 5
metrics_listen = "127.0.0.1:9119"

helper "ssdp" {
  expect_timeout = "2s"
}
`)
	var out bytes.Buffer
	require.NoError(t, RunCheckConfig(path, &out))

	assert.Contains(t, out.String(), "Configuration OK")
	assert.Contains(t, out.String(), "queue:          5")
	assert.Contains(t, out.String(), "expect_timeout: 2s")
	assert.Contains(t, out.String(), "max_expected:   1")
}

func TestRunCheckConfigInvalid(t *testing.T) {
	path := writeConfig(t, `helper "ssdp" { max_expected = -2 }`)

	err := RunCheckConfig(path, &bytes.Buffer{})
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
	assert.Equal(t, path, errors.GetAttributes(err)["path"])
}

func TestRunCheckConfigMissing(t *testing.T) {
	err := RunCheckConfig(filepath.Join(t.TempDir(), "nope.hcl"), &bytes.Buffer{})
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))
}
