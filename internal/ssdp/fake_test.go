// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ssdp

import (
	"bytes"
	"net/netip"
	"sync"

	"grimm.is/ssdphelper/internal/conntrack"
	"grimm.is/ssdphelper/internal/ifaddr"
	"grimm.is/ssdphelper/internal/logging"
)

// fakeTable records the expectation protocol calls made by the builder.
type fakeTable struct {
	mu sync.Mutex

	allocErr   error
	relatedErr error

	allocs  int
	puts    int
	related []*conntrack.Expectation
}

func (f *fakeTable) Alloc(master *conntrack.Flow) (*conntrack.Expectation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allocErr != nil {
		return nil, f.allocErr
	}
	f.allocs++
	return conntrack.NewExpectation(master), nil
}

func (f *fakeTable) Related(exp *conntrack.Expectation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.relatedErr != nil {
		return f.relatedErr
	}
	exp.Hold()
	f.related = append(f.related, exp)
	return nil
}

func (f *fakeTable) Put(exp *conntrack.Expectation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	exp.Release()
}

// failingSource returns a non-sentinel error from Acquire.
type failingSource struct{ err error }

func (f failingSource) Acquire(conntrack.Device) (*ifaddr.View, error) {
	return nil, f.err
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *recordingObserver) Observe(o Outcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
}

var eth0 = conntrack.Device{Index: 2, Name: "eth0"}

func testLogger() (*logging.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return logging.New(logging.Config{Output: &buf, Level: logging.LevelDebug}), &buf
}

func addresses(cidrs ...string) *ifaddr.Table {
	tbl := ifaddr.NewTable()
	list := make([]ifaddr.Address, 0, len(cidrs))
	for _, c := range cidrs {
		p := netip.MustParsePrefix(c)
		list = append(list, ifaddr.Address{Local: p.Addr(), Prefix: p, Label: eth0.Name})
	}
	tbl.Set(eth0, list)
	return tbl
}

func searchQuery(src string) *conntrack.Packet {
	orig := conntrack.Tuple{
		Src:     netip.MustParseAddr(src),
		Dst:     MulticastAddr,
		Proto:   conntrack.ProtoUDP,
		SrcPort: 40000,
		DstPort: Port,
	}
	return &conntrack.Packet{
		Flow:    conntrack.NewFlow(1, orig),
		Payload: []byte("M-SEARCH * HTTP/1.1\r\nHOST: 239.255.255.250:1900\r\nMAN: \"ssdp:discover\"\r\nMX: 1\r\nST: ssdp:all\r\n\r\n"),
		Device:  eth0,
	}
}
