// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ssdp

import "grimm.is/ssdphelper/internal/conntrack"

// Outcome is the terminal state a packet reached in the helper.
type Outcome int

const (
	OutcomeNotMulticast Outcome = iota
	OutcomeNotSearch
	OutcomeNoAddresses
	OutcomeAddressNotFound
	OutcomeDegenerateMask
	OutcomeAllocFailed
	OutcomeRegisterFailed
	OutcomeInstalled
)

var outcomeNames = [...]string{
	OutcomeNotMulticast:    "not_multicast",
	OutcomeNotSearch:       "not_search",
	OutcomeNoAddresses:     "no_addresses",
	OutcomeAddressNotFound: "address_not_found",
	OutcomeDegenerateMask:  "degenerate_mask",
	OutcomeAllocFailed:     "alloc_failed",
	OutcomeRegisterFailed:  "register_failed",
	OutcomeInstalled:       "installed",
}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return "unknown"
}

// Verdict maps the outcome to the packet decision.
func (o Outcome) Verdict() conntrack.Verdict {
	switch o {
	case OutcomeNoAddresses, OutcomeAddressNotFound, OutcomeDegenerateMask, OutcomeAllocFailed:
		return conntrack.VerdictDrop
	default:
		return conntrack.VerdictAccept
	}
}

// Observer is notified of every packet outcome. Implementations must not
// block.
type Observer interface {
	Observe(o Outcome)
}

type nopObserver struct{}

func (nopObserver) Observe(Outcome) {}
