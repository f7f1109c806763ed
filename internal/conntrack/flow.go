// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package conntrack

import "strconv"

// Verdict is a helper's per-packet decision.
type Verdict int

const (
	// VerdictDrop discards the packet.
	VerdictDrop Verdict = iota
	// VerdictAccept lets the packet continue unchanged.
	VerdictAccept
)

func (v Verdict) String() string {
	if v == VerdictAccept {
		return "accept"
	}
	return "drop"
}

// Flow is a tracked connection as seen by a helper.
type Flow struct {
	ID       uint64
	Original Tuple
	Reply    Tuple
}

// NewFlow returns a flow whose reply direction is the reverse of orig.
func NewFlow(id uint64, orig Tuple) *Flow {
	return &Flow{ID: id, Original: orig, Reply: orig.Reverse()}
}

// Device identifies the network interface a packet was seen on.
type Device struct {
	Index int
	Name  string
}

func (d Device) String() string {
	if d.Name != "" {
		return d.Name
	}
	return "if#" + strconv.Itoa(d.Index)
}

// Packet is the view of a packet handed to a helper. Payload is the
// transport payload only, bounded by the length the transport header
// declared.
type Packet struct {
	Flow    *Flow
	Payload []byte
	Device  Device
}
