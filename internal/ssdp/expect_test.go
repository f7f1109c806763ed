// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ssdp

import (
	stderrors "errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ssdphelper/internal/conntrack"
)

func TestBuildExpectation(t *testing.T) {
	logger, _ := testLogger()
	table := &fakeTable{}
	b := NewBuilder(table, DefaultPolicy(), logger)
	flow := searchQuery("192.168.1.50").Flow

	require.NoError(t, b.Build(flow, netip.MustParsePrefix("192.168.1.50/24")))
	require.Len(t, table.related, 1)

	exp := table.related[0]
	assert.Same(t, flow, exp.Master)
	assert.Equal(t, netip.MustParseAddr("192.168.1.50"), exp.Tuple.Src, "source is the querier, not the group")
	assert.Equal(t, netip.MustParseAddr("192.168.1.50"), exp.Tuple.Dst)
	assert.Equal(t, uint16(40000), exp.Tuple.DstPort)
	assert.Equal(t, conntrack.ProtoUDP, exp.Tuple.Proto)
	assert.Equal(t, "255.255.255.0", exp.Mask.Src.String())
	assert.Equal(t, conntrack.PortAny, exp.Mask.SrcPort)
	assert.Equal(t, Name, exp.Class)
	assert.Equal(t, time.Second, exp.Timeout)

	assert.Equal(t, 1, table.allocs)
	assert.Equal(t, 1, table.puts, "local reference released")
	assert.Equal(t, int32(1), exp.Refs(), "only the table's reference remains")
}

func TestBuildAdmitsSubnetReplies(t *testing.T) {
	logger, _ := testLogger()
	table := &fakeTable{}
	flow := searchQuery("192.168.1.50").Flow
	require.NoError(t, NewBuilder(table, DefaultPolicy(), logger).Build(flow, netip.MustParsePrefix("192.168.1.50/24")))
	exp := table.related[0]

	reply := func(src string, sport uint16) conntrack.Tuple {
		return conntrack.Tuple{
			Src:     netip.MustParseAddr(src),
			Dst:     flow.Original.Src,
			Proto:   conntrack.ProtoUDP,
			SrcPort: sport,
			DstPort: flow.Original.SrcPort,
		}
	}

	assert.True(t, exp.Admits(reply("192.168.1.1", 49152)))
	assert.True(t, exp.Admits(reply("192.168.1.200", 1900)))
	assert.False(t, exp.Admits(reply("192.168.2.1", 1900)))
	assert.False(t, exp.Admits(reply("239.255.255.250", 1900)))
}

func TestBuildAllocFailure(t *testing.T) {
	logger, buf := testLogger()
	table := &fakeTable{allocErr: conntrack.ErrExhausted}
	b := NewBuilder(table, DefaultPolicy(), logger)

	err := b.Build(searchQuery("192.168.1.50").Flow, netip.MustParsePrefix("192.168.1.50/24"))
	assert.ErrorIs(t, err, ErrAlloc)
	assert.ErrorIs(t, err, conntrack.ErrExhausted)
	assert.Zero(t, table.puts, "nothing to release after failed alloc")
	assert.Empty(t, table.related)
	assert.Contains(t, buf.String(), "allocation failure")
}

func TestBuildRegisterFailure(t *testing.T) {
	logger, _ := testLogger()
	table := &fakeTable{relatedErr: stderrors.New("no such conntrack")}
	b := NewBuilder(table, DefaultPolicy(), logger)

	err := b.Build(searchQuery("192.168.1.50").Flow, netip.MustParsePrefix("192.168.1.50/24"))
	assert.ErrorIs(t, err, ErrRegister)
	assert.Equal(t, 1, table.puts, "local reference released after refusal")
}

func TestBuildDegenerateMask(t *testing.T) {
	logger, _ := testLogger()
	table := &fakeTable{}
	b := NewBuilder(table, DefaultPolicy(), logger)
	flow := searchQuery("192.168.1.50").Flow

	assert.ErrorIs(t, b.Build(flow, netip.MustParsePrefix("0.0.0.0/0")), ErrDegenerateMask)
	assert.ErrorIs(t, b.Build(flow, netip.Prefix{}), ErrDegenerateMask)
	assert.Zero(t, table.allocs)
}
