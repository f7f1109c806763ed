// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package kernel provides the connection-tracking engines that host
// helpers. On Linux, Linux binds helpers to NFQUEUE and installs
// expectations through ctnetlink. Sim is a stateful in-memory engine used
// for tests and PCAP replay.
package kernel

import (
	"grimm.is/ssdphelper/internal/conntrack"
)

// Engine is a connection-tracking engine: it accepts helper registrations
// and stores the expectations those helpers create.
type Engine interface {
	conntrack.Registry
	conntrack.ExpectationTable
}

var (
	_ Engine = (*Sim)(nil)
)
