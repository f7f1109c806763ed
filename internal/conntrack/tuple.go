// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package conntrack defines the connection-tracking vocabulary shared by the
// SSDP helper and the engines that host it: flow tuples, expectation masks,
// expectations, verdicts and the helper registration contract.
package conntrack

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

const (
	ProtoTCP uint8 = unix.IPPROTO_TCP
	ProtoUDP uint8 = unix.IPPROTO_UDP
)

// ProtoName returns the lowercase name used in logs.
func ProtoName(p uint8) string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto-%d", p)
	}
}

// Tuple identifies one direction of a flow.
type Tuple struct {
	Src     netip.Addr
	Dst     netip.Addr
	Proto   uint8
	SrcPort uint16
	DstPort uint16
}

// Reverse returns the tuple of the opposite direction.
func (t Tuple) Reverse() Tuple {
	return Tuple{
		Src:     t.Dst,
		Dst:     t.Src,
		Proto:   t.Proto,
		SrcPort: t.DstPort,
		DstPort: t.SrcPort,
	}
}

// Valid reports whether both addresses are set and of the same family.
func (t Tuple) Valid() bool {
	return t.Src.IsValid() && t.Dst.IsValid() && t.Src.Is4() == t.Dst.Is4() && t.Proto != 0
}

func (t Tuple) String() string {
	return fmt.Sprintf("%s %s --> %s",
		ProtoName(t.Proto),
		netip.AddrPortFrom(t.Src, t.SrcPort),
		netip.AddrPortFrom(t.Dst, t.DstPort))
}

// Mask selects which source bits of an expected tuple an arriving flow must
// reproduce. A set bit must match, a clear bit is ignored. Destination
// fields and protocol always match exactly.
type Mask struct {
	Src     netip.Addr
	SrcPort uint16
}

// PortAny is the SrcPort mask value accepting every source port.
const PortAny uint16 = 0

// PortExact is the SrcPort mask value requiring the source port to match.
const PortExact uint16 = 0xffff

// NetmaskAddr returns the netmask of p as an address, e.g. 255.255.255.0
// for a /24.
func NetmaskAddr(p netip.Prefix) netip.Addr {
	bits := p.Bits()
	if bits < 0 {
		return netip.Addr{}
	}
	if p.Addr().Is4() {
		var b [4]byte
		fillMask(b[:], bits)
		return netip.AddrFrom4(b)
	}
	var b [16]byte
	fillMask(b[:], bits)
	return netip.AddrFrom16(b)
}

func fillMask(b []byte, bits int) {
	for i := range b {
		switch {
		case bits >= 8:
			b[i] = 0xff
			bits -= 8
		case bits > 0:
			b[i] = byte(0xff << (8 - bits))
			bits = 0
		default:
			b[i] = 0
		}
	}
}

// maskEqual reports whether a and b agree on every bit set in m.
// Addresses of different families never agree.
func maskEqual(a, b, m netip.Addr) bool {
	as, bs := a.AsSlice(), b.AsSlice()
	if len(as) != len(bs) {
		return false
	}
	ms := m.AsSlice()
	if len(ms) != len(as) {
		// An unset mask ignores the address.
		return !m.IsValid()
	}
	for i := range as {
		if as[i]&ms[i] != bs[i]&ms[i] {
			return false
		}
	}
	return true
}

// Match reports whether got is admitted by an expectation for want under m.
func (m Mask) Match(want, got Tuple) bool {
	if got.Proto != want.Proto || got.Dst != want.Dst || got.DstPort != want.DstPort {
		return false
	}
	if got.SrcPort&m.SrcPort != want.SrcPort&m.SrcPort {
		return false
	}
	return maskEqual(want.Src, got.Src, m.Src)
}

func (m Mask) String() string {
	return fmt.Sprintf("src=%s port=0x%04x", m.Src, m.SrcPort)
}
