// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package testutil holds helpers shared by package tests.
package testutil

import (
	"os"
	"testing"
)

// VMTestEnv gates tests that need a real kernel with NFQUEUE, nftables and
// ctnetlink available.
const VMTestEnv = "SSDP_HELPER_VM_TEST"

// RequireVM skips the test unless VMTestEnv is set.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv(VMTestEnv) == "" {
		t.Skipf("Skipping test: requires %s environment", VMTestEnv)
	}
}
