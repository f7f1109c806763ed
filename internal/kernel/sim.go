// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/gopacket/gopacket"

	"grimm.is/ssdphelper/internal/clock"
	"grimm.is/ssdphelper/internal/conntrack"
	"grimm.is/ssdphelper/internal/errors"
)

// Sim is a stateful in-memory connection-tracking engine. It tracks flows
// by tuple, runs registered helpers on their flows and admits new flows
// that match a live expectation, following the kernel's expectation rules:
// an identical expectation from the same master replaces the old one, and
// a master never holds more than its policy's MaxExpected.
type Sim struct {
	mu sync.Mutex

	Clock clock.Clock

	// MaxAllocated bounds the expectations alive at once, counting those
	// allocated but not yet registered. Zero means unbounded.
	MaxAllocated int

	// DropUnexpected, when set, is asked about every new flow that neither
	// matched an expectation nor has a helper. Returning true drops it, the
	// way a stateful firewall drops unsolicited inbound traffic.
	DropUnexpected func(t conntrack.Tuple) bool

	helpers   map[conntrack.Signature]*conntrack.Helper
	flows     map[conntrack.Tuple]*Flow
	byID      map[uint64]*Flow
	expects   []*simExpect
	allocated int
	nextID    uint64

	stats Stats
}

type simExpect struct {
	exp     *conntrack.Expectation
	helper  *conntrack.Helper
	expires time.Time
}

// NewSim creates an empty engine driven by clk.
func NewSim(clk clock.Clock) *Sim {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Sim{
		Clock:   clk,
		helpers: make(map[conntrack.Signature]*conntrack.Helper),
		flows:   make(map[conntrack.Tuple]*Flow),
		byID:    make(map[uint64]*Flow),
	}
}

// Register attaches h to new flows whose original direction matches its
// signature.
func (s *Sim) Register(h *conntrack.Helper) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sig := h.Signature()
	if cur, ok := s.helpers[sig]; ok {
		return errors.Errorf(errors.KindConflict, "helper %q already registered for %s", cur.Name, sig)
	}
	s.helpers[sig] = h
	return nil
}

// Unregister detaches h from its flows and flushes its expectations.
func (s *Sim) Unregister(h *conntrack.Helper) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sig := h.Signature()
	if cur, ok := s.helpers[sig]; !ok || cur != h {
		return errors.Errorf(errors.KindNotFound, "helper %q not registered for %s", h.Name, sig)
	}
	delete(s.helpers, sig)

	for _, f := range s.byID {
		if f.Helper == h {
			f.Helper = nil
		}
	}
	kept := s.expects[:0]
	for _, e := range s.expects {
		if e.helper == h {
			s.unlinkLocked(e)
			continue
		}
		kept = append(kept, e)
	}
	s.expects = kept
	return nil
}

// Helper returns the registered helper known by name or alias.
func (s *Sim) Helper(name string) (*conntrack.Helper, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.helpers {
		if h.Known(name) {
			return h, true
		}
	}
	return nil, false
}

// Alloc reserves an expectation for master.
func (s *Sim) Alloc(master *conntrack.Flow) (*conntrack.Expectation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.MaxAllocated > 0 && s.allocated >= s.MaxAllocated {
		return nil, conntrack.ErrExhausted
	}
	s.allocated++
	return conntrack.NewExpectation(master), nil
}

// Put releases the caller's reference to exp.
func (s *Sim) Put(exp *conntrack.Expectation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(exp)
}

func (s *Sim) putLocked(exp *conntrack.Expectation) {
	if exp.Release() {
		s.allocated--
	}
}

// Related inserts exp into the expectation table.
func (s *Sim) Related(exp *conntrack.Expectation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Clock.Now()
	s.expireLocked(now)

	master, ok := s.byID[exp.Master.ID]
	if !ok {
		return errors.Errorf(errors.KindNotFound, "master flow %d is not tracked", exp.Master.ID)
	}
	policy := conntrack.Policy{Name: exp.Class, Timeout: exp.Timeout}
	if master.Helper != nil {
		policy = master.Helper.Policy
	}

	kept := s.expects[:0]
	var conflict error
	for _, e := range s.expects {
		switch {
		case conflict != nil:
		case sameExpectation(e.exp, exp):
			if e.exp.Master.ID != exp.Master.ID || e.exp.Class != exp.Class {
				conflict = conntrack.ErrExists
				break
			}
			s.unlinkLocked(e)
			continue
		case clashes(e.exp, exp):
			conflict = conntrack.ErrExists
		}
		kept = append(kept, e)
	}
	s.expects = kept
	if conflict != nil {
		return conflict
	}

	if policy.MaxExpected > 0 {
		for s.countLocked(exp.Master.ID, exp.Class) >= policy.MaxExpected {
			s.evictOldestLocked(exp.Master.ID, exp.Class)
		}
	}

	timeout := exp.Timeout
	if timeout <= 0 {
		timeout = policy.Timeout
	}
	exp.Hold()
	s.expects = append(s.expects, &simExpect{
		exp:     exp,
		helper:  master.Helper,
		expires: now.Add(timeout),
	})
	return nil
}

func sameExpectation(a, b *conntrack.Expectation) bool {
	return a.Tuple == b.Tuple && a.Mask == b.Mask
}

// clashes reports whether some flow would match both expectations.
func clashes(a, b *conntrack.Expectation) bool {
	sa, sb := a.Mask.Src.AsSlice(), b.Mask.Src.AsSlice()
	if len(sa) != len(sb) {
		return false
	}
	inter := make([]byte, len(sa))
	for i := range sa {
		inter[i] = sa[i] & sb[i]
	}
	m := conntrack.Mask{SrcPort: a.Mask.SrcPort & b.Mask.SrcPort}
	m.Src, _ = netip.AddrFromSlice(inter)
	return m.Match(a.Tuple, b.Tuple)
}

func (s *Sim) countLocked(masterID uint64, class string) int {
	n := 0
	for _, e := range s.expects {
		if e.exp.Master.ID == masterID && e.exp.Class == class {
			n++
		}
	}
	return n
}

func (s *Sim) evictOldestLocked(masterID uint64, class string) {
	for i, e := range s.expects {
		if e.exp.Master.ID == masterID && e.exp.Class == class {
			s.unlinkLocked(e)
			s.expects = append(s.expects[:i], s.expects[i+1:]...)
			s.stats.ExpectedEvicted++
			return
		}
	}
}

func (s *Sim) unlinkLocked(e *simExpect) {
	s.putLocked(e.exp)
}

func (s *Sim) expireLocked(now time.Time) {
	kept := s.expects[:0]
	for _, e := range s.expects {
		if !now.Before(e.expires) {
			s.unlinkLocked(e)
			s.stats.ExpectedExpired++
			continue
		}
		kept = append(kept, e)
	}
	s.expects = kept
}

// Result describes how the engine handled one packet.
type Result struct {
	Verdict  conntrack.Verdict
	Flow     *Flow
	New      bool
	Expected bool
}

// Process runs one decoded packet, seen on dev, through connection tracking.
func (s *Sim) Process(dev conntrack.Device, dec Decoded) Result {
	now := s.Clock.Now()

	s.mu.Lock()
	s.expireLocked(now)

	flow, isNew, expected := s.trackLocked(dec.Tuple, now)
	flow.LastSeen = now
	flow.Packets++
	flow.Bytes += uint64(dec.Length)
	helper := flow.Helper
	s.mu.Unlock()

	res := Result{Verdict: conntrack.VerdictAccept, Flow: flow, New: isNew, Expected: expected}
	switch {
	case helper != nil && helper.Help != nil:
		res.Verdict = helper.Help(&conntrack.Packet{
			Flow:    flow.Flow,
			Payload: dec.Payload,
			Device:  dev,
		})
	case isNew && !expected && s.DropUnexpected != nil && s.DropUnexpected(dec.Tuple):
		res.Verdict = conntrack.VerdictDrop
	}

	s.mu.Lock()
	if res.Verdict == conntrack.VerdictAccept {
		s.stats.PacketsAccepted++
	} else {
		s.stats.PacketsDropped++
		if isNew {
			// A dropped first packet never confirms its flow.
			s.forgetLocked(flow)
		}
	}
	s.mu.Unlock()
	return res
}

// ProcessPacket decodes and processes a gopacket packet, as read from a
// capture. Packets dec cannot decode are accepted untracked.
func (s *Sim) ProcessPacket(dev conntrack.Device, pkt gopacket.Packet, dec *Decoder) (Result, error) {
	d, err := dec.Decode(pkt.Data())
	if err != nil {
		return Result{Verdict: conntrack.VerdictAccept}, err
	}
	return s.Process(dev, d), nil
}

func (s *Sim) trackLocked(t conntrack.Tuple, now time.Time) (flow *Flow, isNew, expected bool) {
	if f, ok := s.flows[t]; ok {
		if f.State == FlowStateNew && t == f.Reply {
			f.State = FlowStateEstablished
		}
		return f, false, false
	}

	s.nextID++
	flow = &Flow{
		Flow:      conntrack.NewFlow(s.nextID, t),
		State:     FlowStateNew,
		StartTime: now,
	}

	for i, e := range s.expects {
		if !e.exp.Admits(t) {
			continue
		}
		flow.State = FlowStateRelated
		flow.MasterID = e.exp.Master.ID
		s.expects = append(s.expects[:i], s.expects[i+1:]...)
		s.unlinkLocked(e)
		s.stats.ExpectedMatched++
		expected = true
		break
	}

	if !expected {
		flow.Helper = s.helpers[conntrack.Signature{Proto: t.Proto, Port: t.DstPort}]
	}

	s.flows[flow.Original] = flow
	s.flows[flow.Reply] = flow
	s.byID[flow.ID] = flow
	return flow, true, expected
}

func (s *Sim) forgetLocked(f *Flow) {
	delete(s.flows, f.Original)
	delete(s.flows, f.Reply)
	delete(s.byID, f.ID)

	kept := s.expects[:0]
	for _, e := range s.expects {
		if e.exp.Master.ID == f.ID {
			s.unlinkLocked(e)
			continue
		}
		kept = append(kept, e)
	}
	s.expects = kept
}

// Expectations returns the live expectations, oldest first.
func (s *Sim) Expectations() []*conntrack.Expectation {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(s.Clock.Now())

	out := make([]*conntrack.Expectation, 0, len(s.expects))
	for _, e := range s.expects {
		out = append(out, e.exp)
	}
	return out
}

// Flows returns the tracked flows ordered by ID.
func (s *Sim) Flows() []*Flow {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Flow, 0, len(s.byID))
	for _, f := range s.byID {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Allocated returns the number of expectations holding a slot.
func (s *Sim) Allocated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocated
}

// Stats returns engine statistics.
func (s *Sim) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats
	st.Flows = len(s.byID)
	st.Expectations = len(s.expects)
	st.FlowsByState = make(map[FlowState]int)
	for _, f := range s.byID {
		st.FlowsByState[f.State]++
	}
	return st
}
