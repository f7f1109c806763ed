// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/ssdphelper/internal/conntrack"
	"grimm.is/ssdphelper/internal/errors"
)

// ErrUnsupported is returned for packets the engines do not track.
var ErrUnsupported = errors.New(errors.KindValidation, "unsupported packet")

// Decoded is the flow tuple and transport payload of one packet.
type Decoded struct {
	Tuple   conntrack.Tuple
	Payload []byte
	Length  int
}

// Decoder extracts IPv4 TCP/UDP tuples without allocating per packet. It
// is not safe for concurrent use.
type Decoder struct {
	eth     layers.Ethernet
	ip4     layers.IPv4
	udp     layers.UDP
	tcp     layers.TCP
	payload gopacket.Payload

	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

// NewDecoder returns a Decoder for packets starting at first, which is
// layers.LayerTypeIPv4 for NFQUEUE and the capture's link type for PCAPs.
func NewDecoder(first gopacket.LayerType) *Decoder {
	d := &Decoder{decoded: make([]gopacket.LayerType, 0, 4)}
	d.parser = gopacket.NewDecodingLayerParser(first, &d.eth, &d.ip4, &d.udp, &d.tcp, &d.payload)
	d.parser.IgnoreUnsupported = true
	return d
}

// Decode parses data. Payload aliases data and is bounded by the lengths
// declared in the IP and transport headers.
func (d *Decoder) Decode(data []byte) (Decoded, error) {
	if err := d.parser.DecodeLayers(data, &d.decoded); err != nil {
		return Decoded{}, errors.Wrap(err, errors.KindValidation, "decode packet")
	}

	out := Decoded{Length: len(data)}
	var haveIP, haveL4 bool

	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			src, ok1 := netip.AddrFromSlice(d.ip4.SrcIP.To4())
			dst, ok2 := netip.AddrFromSlice(d.ip4.DstIP.To4())
			if !ok1 || !ok2 {
				return Decoded{}, ErrUnsupported
			}
			out.Tuple.Src, out.Tuple.Dst = src, dst
			haveIP = true
		case layers.LayerTypeUDP:
			out.Tuple.Proto = conntrack.ProtoUDP
			out.Tuple.SrcPort = uint16(d.udp.SrcPort)
			out.Tuple.DstPort = uint16(d.udp.DstPort)
			out.Payload = d.udp.Payload
			haveL4 = true
		case layers.LayerTypeTCP:
			out.Tuple.Proto = conntrack.ProtoTCP
			out.Tuple.SrcPort = uint16(d.tcp.SrcPort)
			out.Tuple.DstPort = uint16(d.tcp.DstPort)
			out.Payload = d.tcp.Payload
			haveL4 = true
		}
	}

	if !haveIP || !haveL4 {
		return Decoded{}, ErrUnsupported
	}
	return out, nil
}
