// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ssdp

import (
	"fmt"
	"net/netip"

	"grimm.is/ssdphelper/internal/conntrack"
	"grimm.is/ssdphelper/internal/errors"
	"grimm.is/ssdphelper/internal/logging"
)

var (
	// ErrAlloc wraps a failure to reserve an expectation in the engine.
	ErrAlloc = errors.New(errors.KindExhausted, "expectation allocation failure")

	// ErrRegister wraps an engine refusal of an allocated expectation.
	ErrRegister = errors.New(errors.KindUnavailable, "expectation registration failed")

	// ErrDegenerateMask rejects a resolved prefix of length zero, which
	// would admit replies from any address.
	ErrDegenerateMask = errors.New(errors.KindValidation, "resolved netmask is 0.0.0.0")
)

// Builder installs the expectation for the reply to a discovery query.
type Builder struct {
	table  conntrack.ExpectationTable
	policy conntrack.Policy
	logger *logging.Logger
}

// NewBuilder returns a Builder that registers expectations in table.
func NewBuilder(table conntrack.ExpectationTable, policy conntrack.Policy, logger *logging.Logger) *Builder {
	return &Builder{table: table, policy: policy, logger: logger}
}

// Build expects a reply to flow from any port of any host inside subnet,
// addressed to the querying socket.
func (b *Builder) Build(flow *conntrack.Flow, subnet netip.Prefix) error {
	if subnet.Bits() <= 0 {
		b.logger.Warn(ErrDegenerateMask.Error(), "flow", flow.Original.String())
		return ErrDegenerateMask
	}

	exp, err := b.table.Alloc(flow)
	if err != nil {
		b.logger.Warn(ErrAlloc.Error(), "flow", flow.Original.String(), "error", err)
		return fmt.Errorf("%w: %w", ErrAlloc, err)
	}
	defer b.table.Put(exp)

	// The reply comes from a host on the querier's own subnet, not from the
	// multicast group, so the expected source starts out as the querier.
	exp.Tuple = flow.Reply
	exp.Tuple.Src = exp.Tuple.Dst
	exp.Mask = conntrack.Mask{
		Src:     conntrack.NetmaskAddr(subnet),
		SrcPort: conntrack.PortAny,
	}
	exp.Class = b.policy.Name
	exp.Timeout = b.policy.Timeout

	if err := b.table.Related(exp); err != nil {
		b.logger.Warn(ErrRegister.Error(), "expect", exp.Tuple.String(), "error", err)
		return fmt.Errorf("%w: %w", ErrRegister, err)
	}

	b.logger.Debug("Expectation installed",
		"expect", exp.Tuple.String(),
		"mask", exp.Mask.String(),
		"timeout", exp.Timeout)
	return nil
}
