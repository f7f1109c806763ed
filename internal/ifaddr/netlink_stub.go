// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package ifaddr

import (
	"context"

	"grimm.is/ssdphelper/internal/errors"
	"grimm.is/ssdphelper/internal/logging"
)

// Load is only supported on Linux.
func (t *Table) Load() error {
	return errors.New(errors.KindUnavailable, "interface address sync is only supported on Linux")
}

// Watch is only supported on Linux.
func (t *Table) Watch(ctx context.Context, logger *logging.Logger) error {
	return errors.New(errors.KindUnavailable, "interface address sync is only supported on Linux")
}
