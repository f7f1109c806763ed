// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"grimm.is/ssdphelper/internal/clock"
	"grimm.is/ssdphelper/internal/conntrack"
	"grimm.is/ssdphelper/internal/errors"
	"grimm.is/ssdphelper/internal/ifaddr"
	"grimm.is/ssdphelper/internal/kernel"
	"grimm.is/ssdphelper/internal/logging"
	"grimm.is/ssdphelper/internal/ssdp"
)

// ReplayOptions configures RunReplay.
type ReplayOptions struct {
	PCAP string

	// Addrs are the CIDRs assigned to Device, e.g. "192.168.1.50/24".
	// Inbound flows to these addresses that no expectation admits are
	// dropped.
	Addrs  []string
	Device string

	Policy  conntrack.Policy
	Verbose bool
	Out     io.Writer
	Logger  *logging.Logger
}

// ReplaySummary reports what a replay did.
type ReplaySummary struct {
	Packets   int
	Untracked int
	Accepted  uint64
	Dropped   uint64
	Related   uint64
	Expired   uint64
	Outcomes  map[string]int
}

type outcomeCounter struct {
	mu     sync.Mutex
	counts map[ssdp.Outcome]int
}

func (c *outcomeCounter) Observe(o ssdp.Outcome) {
	c.mu.Lock()
	c.counts[o]++
	c.mu.Unlock()
}

// RunReplay feeds a capture through the simulation engine with the SSDP
// helper registered. The engine clock follows capture timestamps, so
// expectations expire as they would have live.
func RunReplay(opts ReplayOptions) (*ReplaySummary, error) {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("replay")
	}
	if opts.Device == "" {
		opts.Device = "eth0"
	}
	if len(opts.Addrs) == 0 {
		return nil, errors.New(errors.KindValidation, "replay needs at least one -addr")
	}

	dev := conntrack.Device{Index: 1, Name: opts.Device}
	addrs := ifaddr.NewTable()
	local := make(map[netip.Addr]bool)
	var list []ifaddr.Address
	for _, s := range opts.Addrs {
		p, err := netip.ParsePrefix(strings.TrimSpace(s))
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindValidation, "invalid address %q", s)
		}
		list = append(list, ifaddr.Address{Local: p.Addr(), Prefix: p, Label: opts.Device})
		local[p.Addr()] = true
	}
	addrs.Set(dev, list)

	clk := clock.NewMockClock(time.Unix(0, 0))
	sim := kernel.NewSim(clk)
	sim.DropUnexpected = func(t conntrack.Tuple) bool { return local[t.Dst] }

	counter := &outcomeCounter{counts: make(map[ssdp.Outcome]int)}
	helper, err := ssdp.New(ssdp.Options{
		Addresses: addrs,
		Table:     sim,
		Policy:    opts.Policy,
		Logger:    opts.Logger,
		Observer:  counter,
	})
	if err != nil {
		return nil, err
	}
	if err := helper.Start(sim); err != nil {
		return nil, err
	}
	defer helper.Stop()

	f, err := os.Open(opts.PCAP)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindNotFound, "failed to open capture")
	}
	defer f.Close()

	src, linkType, err := openCapture(f)
	if err != nil {
		return nil, err
	}
	dec := kernel.NewDecoder(firstLayer(linkType))

	sum := &ReplaySummary{Outcomes: make(map[string]int)}
	packets := gopacket.NewPacketSource(src, linkType)

	for pkt := range packets.Packets() {
		sum.Packets++
		if md := pkt.Metadata(); md != nil && !md.Timestamp.IsZero() {
			clk.Set(md.Timestamp)
		}

		res, err := sim.ProcessPacket(dev, pkt, dec)
		if err != nil {
			sum.Untracked++
			continue
		}
		if opts.Verbose {
			printResult(opts.Out, clk.Now(), res)
		}
	}

	st := sim.Stats()
	sum.Accepted = st.PacketsAccepted
	sum.Dropped = st.PacketsDropped
	sum.Related = st.ExpectedMatched
	sum.Expired = st.ExpectedExpired
	counter.mu.Lock()
	for o, n := range counter.counts {
		sum.Outcomes[o.String()] = n
	}
	counter.mu.Unlock()

	printSummary(opts.Out, filepath.Base(opts.PCAP), sum)
	return sum, nil
}

// openCapture reads a pcap file, falling back to pcapng.
func openCapture(f *os.File) (gopacket.PacketDataSource, layers.LinkType, error) {
	if r, err := pcapgo.NewReader(f); err == nil {
		return r, r.LinkType(), nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, 0, errors.Wrap(err, errors.KindInternal, "failed to rewind capture")
	}
	r, err := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.KindValidation, "not a pcap or pcapng file")
	}
	return r, r.LinkType(), nil
}

func firstLayer(lt layers.LinkType) gopacket.LayerType {
	switch lt {
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		return layers.LayerTypeIPv4
	}
	return layers.LayerTypeEthernet
}

func printResult(w io.Writer, ts time.Time, res kernel.Result) {
	tag := string(res.Flow.State)
	if res.Flow.Helper != nil {
		tag += " helper=" + res.Flow.Helper.Name
	}
	fmt.Fprintf(w, "%s %-6s %s [%s]\n",
		ts.UTC().Format("15:04:05.000000"), res.Verdict, res.Flow.Original, tag)
}

func printSummary(w io.Writer, name string, sum *ReplaySummary) {
	fmt.Fprintf(w, "Replayed %d packets from %s\n", sum.Packets, name)
	fmt.Fprintf(w, "  accepted:  %d\n", sum.Accepted)
	fmt.Fprintf(w, "  dropped:   %d\n", sum.Dropped)
	fmt.Fprintf(w, "  untracked: %d\n", sum.Untracked)
	fmt.Fprintf(w, "  related:   %d\n", sum.Related)
	fmt.Fprintf(w, "  expired:   %d\n", sum.Expired)

	names := make([]string, 0, len(sum.Outcomes))
	for n := range sum.Outcomes {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(w, "  ssdp %-18s %d\n", n+":", sum.Outcomes[n])
	}
}
