// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package kernel

import (
	"fmt"
	"sort"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"

	"grimm.is/ssdphelper/internal/conntrack"
)

// DefaultTableName is the nftables table holding the queue rules.
const DefaultTableName = "ssdp_helper"

// ruleInstaller keeps the kernel's queue rules in sync with the registered
// helper signatures.
type ruleInstaller interface {
	Sync(sigs []conntrack.Signature) error
	Close() error
}

// queueRules sends locally generated packets matching a helper signature
// to an NFQUEUE. Packets bypass the queue when no reader is bound.
type queueRules struct {
	table string
	queue uint16

	installed bool
}

func newQueueRules(table string, queue uint16) *queueRules {
	if table == "" {
		table = DefaultTableName
	}
	return &queueRules{table: table, queue: queue}
}

func (q *queueRules) tableSpec() *nftables.Table {
	return &nftables.Table{Family: nftables.TableFamilyIPv4, Name: q.table}
}

// Sync replaces the queue rules with one rule per signature, in a single
// transaction. An empty set removes the table.
func (q *queueRules) Sync(sigs []conntrack.Signature) error {
	if len(sigs) == 0 {
		return q.Close()
	}

	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("failed to create nftables connection: %w", err)
	}

	table := conn.AddTable(q.tableSpec())
	chain := conn.AddChain(&nftables.Chain{
		Name:     "output",
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookOutput,
		Priority: nftables.ChainPriorityFilter,
	})
	conn.FlushChain(chain)

	sorted := append([]conntrack.Signature(nil), sigs...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Proto != sorted[j].Proto {
			return sorted[i].Proto < sorted[j].Proto
		}
		return sorted[i].Port < sorted[j].Port
	})
	for _, sig := range sorted {
		conn.AddRule(&nftables.Rule{
			Table:    table,
			Chain:    chain,
			Exprs:    queueExprs(sig, q.queue),
			UserData: []byte("ssdp-helper " + sig.String()),
		})
	}

	if err := conn.Flush(); err != nil {
		return fmt.Errorf("failed to install queue rules in table %s: %w", q.table, err)
	}
	q.installed = true
	return nil
}

// Close removes the table if this process installed it.
func (q *queueRules) Close() error {
	if !q.installed {
		return nil
	}
	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("failed to create nftables connection: %w", err)
	}
	conn.DelTable(q.tableSpec())
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("failed to delete table %s: %w", q.table, err)
	}
	q.installed = false
	return nil
}

// queueExprs matches "meta l4proto <proto> th dport <port>" and queues the
// packet with bypass.
func queueExprs(sig conntrack.Signature, queue uint16) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{sig.Proto}},
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseTransportHeader,
			Offset:       2,
			Len:          2,
		},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(sig.Port)},
		&expr.Queue{Num: queue, Flag: expr.QueueFlagBypass},
	}
}
