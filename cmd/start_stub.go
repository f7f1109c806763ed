// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package cmd

import (
	"context"

	"grimm.is/ssdphelper/internal/errors"
)

// StartOptions configures RunStart.
type StartOptions struct {
	ConfigPath string
	Queue      int
}

// RunStart returns an error on non-Linux systems.
func RunStart(ctx context.Context, opts StartOptions) error {
	return errors.New(errors.KindUnavailable, "the ssdp helper daemon is only supported on Linux")
}
