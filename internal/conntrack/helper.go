// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package conntrack

import "fmt"

// HelpFunc inspects one packet of a flow the helper is registered for.
// It runs on the packet path and must not block.
type HelpFunc func(pkt *Packet) Verdict

// Helper describes a connection-tracking helper bound to the flows whose
// original direction targets (Proto, Port).
type Helper struct {
	Name    string
	Aliases []string
	Proto   uint8
	Port    uint16
	Policy  Policy
	Help    HelpFunc
}

// Signature is the registration key of a helper.
type Signature struct {
	Proto uint8
	Port  uint16
}

func (s Signature) String() string {
	return fmt.Sprintf("%s/%d", ProtoName(s.Proto), s.Port)
}

// Signature returns the (protocol, port) pair the helper is registered for.
func (h *Helper) Signature() Signature {
	return Signature{Proto: h.Proto, Port: h.Port}
}

// Known reports whether name is the helper's name or one of its aliases.
func (h *Helper) Known(name string) bool {
	if name == h.Name {
		return true
	}
	for _, a := range h.Aliases {
		if a == name {
			return true
		}
	}
	return false
}

// Registry attaches helpers to the engine. A registered helper's Help is
// invoked for every packet of a flow matching its signature.
type Registry interface {
	Register(h *Helper) error
	Unregister(h *Helper) error
}
