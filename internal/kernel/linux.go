// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package kernel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/florianl/go-nfqueue/v2"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/ssdphelper/internal/conntrack"
	"grimm.is/ssdphelper/internal/errors"
	"grimm.is/ssdphelper/internal/logging"
)

var _ Engine = (*Linux)(nil)

// DefaultQueue is the NFQUEUE number used when none is configured.
const DefaultQueue = 1900

// ctinfo values at or above this mark a packet in the reply direction.
const ctInfoIsReply = 3

// DeviceNamer resolves interface indexes reported by NFQUEUE.
type DeviceNamer interface {
	Device(index int) conntrack.Device
}

type verdictSetter interface {
	SetVerdict(id uint32, verdict int) error
}

// LinuxConfig configures the Linux engine.
type LinuxConfig struct {
	Queue       uint16
	MaxQueueLen uint32
	Table       string

	Devices DeviceNamer
	Expects *ExpectTable
	Logger  *logging.Logger
}

// QueueStats holds statistics for the queue reader.
type QueueStats struct {
	PacketsProcessed uint64 `json:"packets_processed"`
	PacketsAccepted  uint64 `json:"packets_accepted"`
	PacketsDropped   uint64 `json:"packets_dropped"`
	PacketsUntracked uint64 `json:"packets_untracked"`
	VerdictErrors    uint64 `json:"verdict_errors"`
}

// Linux hosts helpers on the running kernel. Registering a helper installs
// an nftables rule that queues the helper's traffic; Run reads the queue,
// invokes the helper and returns its verdict. Expectations are delegated
// to the ExpectTable.
type Linux struct {
	cfg     LinuxConfig
	logger  *logging.Logger
	rules   ruleInstaller
	expects *ExpectTable

	mu      sync.RWMutex
	helpers map[conntrack.Signature]*conntrack.Helper

	// decoder is only used from the queue callback, which runs on a
	// single goroutine.
	decoder *Decoder
	nextID  atomic.Uint64
	running atomic.Bool

	processed     atomic.Uint64
	accepted      atomic.Uint64
	dropped       atomic.Uint64
	untracked     atomic.Uint64
	verdictErrors atomic.Uint64
}

// NewLinux returns an engine bound to cfg.Queue. No kernel state is
// touched until the first Register.
func NewLinux(cfg LinuxConfig) (*Linux, error) {
	if cfg.Expects == nil {
		return nil, errors.New(errors.KindValidation, "linux engine requires an expectation table")
	}
	if cfg.Devices == nil {
		return nil, errors.New(errors.KindValidation, "linux engine requires a device namer")
	}
	if cfg.Queue == 0 {
		cfg.Queue = DefaultQueue
	}
	if cfg.MaxQueueLen == 0 {
		cfg.MaxQueueLen = 1024
	}
	return newLinux(cfg, newQueueRules(cfg.Table, cfg.Queue)), nil
}

func newLinux(cfg LinuxConfig, rules ruleInstaller) *Linux {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.WithComponent("kernel")
	}
	return &Linux{
		cfg:     cfg,
		logger:  logger,
		rules:   rules,
		expects: cfg.Expects,
		helpers: make(map[conntrack.Signature]*conntrack.Helper),
		decoder: NewDecoder(layers.LayerTypeIPv4),
	}
}

// Register queues h's traffic to this engine.
func (l *Linux) Register(h *conntrack.Helper) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sig := h.Signature()
	if cur, ok := l.helpers[sig]; ok {
		return errors.Errorf(errors.KindConflict, "helper %q already registered for %s", cur.Name, sig)
	}
	l.helpers[sig] = h
	if err := l.rules.Sync(l.signaturesLocked()); err != nil {
		delete(l.helpers, sig)
		return errors.Wrap(err, errors.KindUnavailable, "install queue rule")
	}
	l.logger.Info("Queue rule installed", "helper", h.Name, "signature", sig.String(), "queue", l.cfg.Queue)
	return nil
}

// Unregister removes h's queue rule.
func (l *Linux) Unregister(h *conntrack.Helper) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sig := h.Signature()
	if cur, ok := l.helpers[sig]; !ok || cur != h {
		return errors.Errorf(errors.KindNotFound, "helper %q not registered for %s", h.Name, sig)
	}
	delete(l.helpers, sig)
	if err := l.rules.Sync(l.signaturesLocked()); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "remove queue rule")
	}
	l.logger.Info("Queue rule removed", "helper", h.Name, "signature", sig.String())
	return nil
}

func (l *Linux) signaturesLocked() []conntrack.Signature {
	sigs := make([]conntrack.Signature, 0, len(l.helpers))
	for sig := range l.helpers {
		sigs = append(sigs, sig)
	}
	return sigs
}

// Alloc delegates to the expectation table.
func (l *Linux) Alloc(master *conntrack.Flow) (*conntrack.Expectation, error) {
	return l.expects.Alloc(master)
}

// Related delegates to the expectation table.
func (l *Linux) Related(exp *conntrack.Expectation) error {
	return l.expects.Related(exp)
}

// Put delegates to the expectation table.
func (l *Linux) Put(exp *conntrack.Expectation) {
	l.expects.Put(exp)
}

// Run binds the queue and dispatches packets until ctx is done. Queue
// rules still installed on return are removed.
func (l *Linux) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New(errors.KindConflict, "queue reader already running")
	}
	defer l.running.Store(false)

	nf, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      l.cfg.Queue,
		MaxPacketLen: 0xFFFF,
		MaxQueueLen:  l.cfg.MaxQueueLen,
		Copymode:     nfqueue.NfQnlCopyPacket,
		Flags:        nfqueue.NfQaCfgFlagConntrack | nfqueue.NfQaCfgFlagFailOpen,
		WriteTimeout: 15 * time.Millisecond,
	})
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "failed to open nfqueue %d", l.cfg.Queue)
	}
	defer nf.Close()

	hook := func(a nfqueue.Attribute) int {
		return l.handle(nf, a)
	}
	onError := func(e error) int {
		if ctx.Err() == nil {
			l.logger.Warn("NFQUEUE receive error", "error", e, "queue", l.cfg.Queue)
		}
		return 0
	}
	if err := nf.RegisterWithErrorFunc(ctx, hook, onError); err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "failed to register nfqueue %d", l.cfg.Queue)
	}
	l.logger.Info("Queue reader started", "queue", l.cfg.Queue)

	<-ctx.Done()
	l.logger.Info("Queue reader stopped", "queue", l.cfg.Queue)

	l.mu.Lock()
	err = l.rules.Close()
	l.mu.Unlock()
	if err != nil {
		l.logger.Warn("Failed to remove queue rules", "error", err)
	}
	return nil
}

// IsRunning reports whether Run is bound to the queue.
func (l *Linux) IsRunning() bool {
	return l.running.Load()
}

func (l *Linux) handle(nf verdictSetter, a nfqueue.Attribute) int {
	if a.PacketID == nil {
		return 0
	}
	l.processed.Add(1)

	v := l.verdict(a)
	nfv := nfqueue.NfAccept
	if v == conntrack.VerdictDrop {
		nfv = nfqueue.NfDrop
		l.dropped.Add(1)
	} else {
		l.accepted.Add(1)
	}
	if err := nf.SetVerdict(*a.PacketID, nfv); err != nil {
		l.verdictErrors.Add(1)
		l.logger.Warn("Failed to set verdict", "error", err, "packet_id", *a.PacketID)
	}

	// The connection is confirmed once the verdict is in.
	l.expects.Flush()
	return 0
}

// verdict decodes a queued packet and runs the helper registered for its
// flow. Packets without a helper, or that cannot be decoded, are accepted.
func (l *Linux) verdict(a nfqueue.Attribute) conntrack.Verdict {
	if a.Payload == nil {
		l.untracked.Add(1)
		return conntrack.VerdictAccept
	}
	dec, err := l.decoder.Decode(*a.Payload)
	if err != nil {
		l.untracked.Add(1)
		return conntrack.VerdictAccept
	}

	orig := dec.Tuple
	if a.CtInfo != nil && *a.CtInfo >= ctInfoIsReply {
		orig = orig.Reverse()
	}

	l.mu.RLock()
	h := l.helpers[conntrack.Signature{Proto: orig.Proto, Port: orig.DstPort}]
	l.mu.RUnlock()
	if h == nil || h.Help == nil {
		l.untracked.Add(1)
		return conntrack.VerdictAccept
	}

	return h.Help(&conntrack.Packet{
		Flow:    conntrack.NewFlow(l.nextID.Add(1), orig),
		Payload: dec.Payload,
		Device:  l.device(a),
	})
}

func (l *Linux) device(a nfqueue.Attribute) conntrack.Device {
	switch {
	case a.OutDev != nil:
		return l.cfg.Devices.Device(int(*a.OutDev))
	case a.InDev != nil:
		return l.cfg.Devices.Device(int(*a.InDev))
	}
	return conntrack.Device{}
}

// Stats returns queue statistics.
func (l *Linux) Stats() QueueStats {
	return QueueStats{
		PacketsProcessed: l.processed.Load(),
		PacketsAccepted:  l.accepted.Load(),
		PacketsDropped:   l.dropped.Load(),
		PacketsUntracked: l.untracked.Load(),
		VerdictErrors:    l.verdictErrors.Load(),
	}
}
