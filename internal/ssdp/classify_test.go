// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ssdp

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"

	"grimm.is/ssdphelper/internal/conntrack"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		dst  string
		want bool
	}{
		{"239.255.255.250", true},
		{"239.255.255.251", false},
		{"192.168.1.1", false},
		{"255.255.255.255", false},
		{"ff02::c", false},
	}
	for _, tt := range tests {
		t.Run(tt.dst, func(t *testing.T) {
			orig := conntrack.Tuple{
				Src:     netip.MustParseAddr("192.168.1.50"),
				Dst:     netip.MustParseAddr(tt.dst),
				Proto:   conntrack.ProtoUDP,
				DstPort: Port,
			}
			assert.Equal(t, tt.want, Classify(orig))
		})
	}
}

func TestMatchSearch(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    bool
	}{
		{"exact method", []byte("M-SEARCH"), true},
		{"method and space", []byte("M-SEARCH "), true},
		{"full request", []byte("M-SEARCH * HTTP/1.1\r\n"), true},
		{"truncated", []byte("M-SEARC"), false},
		{"empty", []byte{}, false},
		{"nil", nil, false},
		{"notify", []byte("NOTIFY * HTTP/1.1\r\n"), false},
		{"lowercase", []byte("m-search * HTTP/1.1"), false},
		{"response", []byte("HTTP/1.1 200 OK\r\n"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchSearch(tt.payload))
		})
	}
}

func TestMatchSearchStaysInBounds(t *testing.T) {
	backing := []byte("M-SEARCH * HTTP/1.1")
	// A slice whose capacity extends past its length must still be judged
	// on its declared length only.
	assert.False(t, MatchSearch(backing[:7]))
	assert.True(t, MatchSearch(backing[:8]))
}
