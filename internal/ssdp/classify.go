// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ssdp

import (
	"bytes"
	"net/netip"

	"grimm.is/ssdphelper/internal/conntrack"
)

// MulticastAddr is the IPv4 SSDP multicast group.
var MulticastAddr = netip.AddrFrom4([4]byte{239, 255, 255, 250})

// Port is the SSDP UDP port.
const Port uint16 = 1900

var searchMethod = []byte("M-SEARCH")

// Classify reports whether a flow's original direction is addressed to the
// SSDP multicast group. Protocol and port were already selected by the
// helper registration.
func Classify(orig conntrack.Tuple) bool {
	return orig.Dst == MulticastAddr
}

// MatchSearch reports whether payload starts with the M-SEARCH method.
// Payloads shorter than the method never match.
func MatchSearch(payload []byte) bool {
	return bytes.HasPrefix(payload, searchMethod)
}
