// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package kernel

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	ctnl "github.com/ti-mo/conntrack"
	"golang.org/x/sys/unix"

	"grimm.is/ssdphelper/internal/conntrack"
	"grimm.is/ssdphelper/internal/errors"
	"grimm.is/ssdphelper/internal/logging"
)

// DefaultMaxPending is the default number of expectation slots.
const DefaultMaxPending = 64

const (
	submitAttempts = 4
	submitBackoff  = 2 * time.Millisecond
)

// expectConn is the subset of *ctnl.Conn used by ExpectTable.
type expectConn interface {
	CreateExpect(ex ctnl.Expect) error
	Close() error
}

// ExpectStats counts ctnetlink submissions.
type ExpectStats struct {
	Submitted uint64 `json:"submitted"`
	Existing  uint64 `json:"existing"`
	Failed    uint64 `json:"failed"`
	Exhausted uint64 `json:"exhausted"`
}

// ExpectTable installs expectations in the kernel through ctnetlink.
//
// The packet that creates an expectation is still queued when its helper
// runs, so its connection is not yet confirmed and ctnetlink cannot find
// it as a master. Related therefore only stages the expectation; the NFQUEUE
// handler calls Flush after issuing the verdict and a worker goroutine (Run)
// submits the staged expectations. In-flight expectations are bounded by a
// fixed number of slots and Alloc fails at once when none are free.
type ExpectTable struct {
	conn   expectConn
	logger *logging.Logger

	slots   chan struct{}
	pending chan *conntrack.Expectation

	mu     sync.Mutex
	staged []*conntrack.Expectation

	submitted atomic.Uint64
	existing  atomic.Uint64
	failed    atomic.Uint64
	exhausted atomic.Uint64
}

// NewExpectTable dials ctnetlink and returns a table with maxPending slots.
func NewExpectTable(maxPending int, logger *logging.Logger) (*ExpectTable, error) {
	conn, err := ctnl.Dial(nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to dial ctnetlink")
	}
	return newExpectTable(conn, maxPending, logger), nil
}

func newExpectTable(conn expectConn, maxPending int, logger *logging.Logger) *ExpectTable {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	if logger == nil {
		logger = logging.WithComponent("expect")
	}
	return &ExpectTable{
		conn:    conn,
		logger:  logger,
		slots:   make(chan struct{}, maxPending),
		pending: make(chan *conntrack.Expectation, maxPending),
	}
}

// Alloc reserves a slot. It never blocks.
func (t *ExpectTable) Alloc(master *conntrack.Flow) (*conntrack.Expectation, error) {
	select {
	case t.slots <- struct{}{}:
		return conntrack.NewExpectation(master), nil
	default:
		t.exhausted.Add(1)
		return nil, conntrack.ErrExhausted
	}
}

// Related stages exp for submission on the next Flush.
func (t *ExpectTable) Related(exp *conntrack.Expectation) error {
	if _, err := toExpect(exp); err != nil {
		return err
	}
	exp.Hold()
	t.mu.Lock()
	t.staged = append(t.staged, exp)
	t.mu.Unlock()
	return nil
}

// Put releases a reference and frees the slot with the last one.
func (t *ExpectTable) Put(exp *conntrack.Expectation) {
	if exp.Release() {
		<-t.slots
	}
}

// Flush hands staged expectations to the worker. Every staged expectation
// holds a slot, so the pending queue always has room.
func (t *ExpectTable) Flush() {
	t.mu.Lock()
	staged := t.staged
	t.staged = nil
	t.mu.Unlock()

	for _, exp := range staged {
		t.pending <- exp
	}
}

// Run submits flushed expectations until ctx is done, then closes the
// ctnetlink connection.
func (t *ExpectTable) Run(ctx context.Context) error {
	defer t.conn.Close()
	for {
		select {
		case <-ctx.Done():
			t.drain()
			return nil
		case exp := <-t.pending:
			t.submit(ctx, exp)
			t.Put(exp)
		}
	}
}

func (t *ExpectTable) drain() {
	t.Flush()
	for {
		select {
		case exp := <-t.pending:
			t.Put(exp)
		default:
			return
		}
	}
}

func (t *ExpectTable) submit(ctx context.Context, exp *conntrack.Expectation) {
	ex, err := toExpect(exp)
	if err != nil {
		t.failed.Add(1)
		t.logger.Warn("Dropping malformed expectation", errors.LogArgs(err)...)
		return
	}

	for attempt := 1; ; attempt++ {
		err = t.conn.CreateExpect(ex)
		switch {
		case err == nil:
			t.submitted.Add(1)
			t.logger.Debug("Expectation created",
				"master", exp.Master.Original.String(),
				"expect", exp.Tuple.String(),
				"mask", exp.Mask.String())
			return
		case errors.Is(err, unix.EEXIST), errors.Is(err, unix.EBUSY):
			t.existing.Add(1)
			t.logger.Debug("Expectation already present", "expect", exp.Tuple.String())
			return
		case errors.Is(err, unix.ENOENT) && attempt < submitAttempts:
			// Master not confirmed yet.
			timer := time.NewTimer(time.Duration(attempt) * submitBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}
		t.failed.Add(1)
		t.logger.Warn("Failed to create expectation",
			"error", err,
			"master", exp.Master.Original.String(),
			"expect", exp.Tuple.String(),
			"attempts", attempt)
		return
	}
}

// Stats returns submission counters.
func (t *ExpectTable) Stats() ExpectStats {
	return ExpectStats{
		Submitted: t.submitted.Load(),
		Existing:  t.existing.Load(),
		Failed:    t.failed.Load(),
		Exhausted: t.exhausted.Load(),
	}
}

// toExpect converts exp to its ctnetlink form. The destination half of the
// mask is always exact.
func toExpect(exp *conntrack.Expectation) (ctnl.Expect, error) {
	if exp.Master == nil || !exp.Master.Original.Valid() || !exp.Tuple.Valid() {
		return ctnl.Expect{}, errors.New(errors.KindValidation, "expectation is missing its tuples")
	}
	if !exp.Mask.Src.IsValid() || exp.Mask.Src.BitLen() != exp.Tuple.Src.BitLen() {
		return ctnl.Expect{}, errors.Errorf(errors.KindValidation, "mask %s does not fit %s", exp.Mask, exp.Tuple)
	}

	exact := netip.AddrFrom4([4]byte{0xff, 0xff, 0xff, 0xff})
	if exp.Tuple.Dst.Is6() {
		exact = conntrack.NetmaskAddr(netip.PrefixFrom(exp.Tuple.Dst, 128))
	}
	return ctnl.Expect{
		Timeout:     timeoutSeconds(exp.Timeout),
		TupleMaster: toTuple(exp.Master.Original),
		Tuple:       toTuple(exp.Tuple),
		Mask: ctnl.Tuple{
			IP: ctnl.IPTuple{
				SourceAddress:      exp.Mask.Src,
				DestinationAddress: exact,
			},
			Proto: ctnl.ProtoTuple{
				Protocol:        exp.Tuple.Proto,
				SourcePort:      exp.Mask.SrcPort,
				DestinationPort: conntrack.PortExact,
			},
		},
		HelpName: exp.Class,
	}, nil
}

func toTuple(t conntrack.Tuple) ctnl.Tuple {
	return ctnl.Tuple{
		IP: ctnl.IPTuple{
			SourceAddress:      t.Src,
			DestinationAddress: t.Dst,
		},
		Proto: ctnl.ProtoTuple{
			Protocol:        t.Proto,
			SourcePort:      t.SrcPort,
			DestinationPort: t.DstPort,
		},
	}
}

// timeoutSeconds rounds d up to whole seconds, minimum one.
func timeoutSeconds(d time.Duration) uint32 {
	s := (d + time.Second - 1) / time.Second
	if s < 1 {
		s = 1
	}
	return uint32(s)
}
