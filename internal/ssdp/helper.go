// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ssdp implements the SSDP connection-tracking helper. For every
// outbound M-SEARCH sent to the SSDP multicast group it installs a short
// lived expectation that lets unicast replies from the querier's subnet
// reach the querying socket.
package ssdp

import (
	"sync"
	"time"

	"grimm.is/ssdphelper/internal/conntrack"
	"grimm.is/ssdphelper/internal/errors"
	"grimm.is/ssdphelper/internal/ifaddr"
	"grimm.is/ssdphelper/internal/logging"
)

const (
	// Name identifies the helper and its expectation policy.
	Name = "ssdp"

	// DefaultMaxExpected is the number of live expectations per query flow.
	DefaultMaxExpected = 1

	// DefaultTimeout is how long an unconsumed expectation lives.
	DefaultTimeout = time.Second
)

// Aliases are alternative names the helper answers to.
var Aliases = []string{"ip_conntrack_ssdp", "nf_conntrack_ssdp"}

// DefaultPolicy returns the helper's expectation policy.
func DefaultPolicy() conntrack.Policy {
	return conntrack.Policy{
		Name:        Name,
		MaxExpected: DefaultMaxExpected,
		Timeout:     DefaultTimeout,
	}
}

// Options configures a Helper.
type Options struct {
	Addresses ifaddr.Source
	Table     conntrack.ExpectationTable
	Policy    conntrack.Policy
	Logger    *logging.Logger
	Observer  Observer
}

// Helper ties classification, subnet resolution and expectation building
// together and manages registration with the engine.
type Helper struct {
	resolver *Resolver
	builder  *Builder
	logger   *logging.Logger
	observer Observer
	desc     *conntrack.Helper

	mu       sync.Mutex
	registry conntrack.Registry
}

// New validates opts and returns an unregistered Helper.
func New(opts Options) (*Helper, error) {
	if opts.Addresses == nil {
		return nil, errors.New(errors.KindValidation, "ssdp helper requires an address source")
	}
	if opts.Table == nil {
		return nil, errors.New(errors.KindValidation, "ssdp helper requires an expectation table")
	}
	if opts.Policy == (conntrack.Policy{}) {
		opts.Policy = DefaultPolicy()
	}
	if opts.Policy.Name == "" {
		opts.Policy.Name = Name
	}
	if opts.Policy.MaxExpected <= 0 {
		return nil, errors.Errorf(errors.KindValidation, "max_expected must be positive, got %d", opts.Policy.MaxExpected)
	}
	if opts.Policy.Timeout <= 0 {
		return nil, errors.Errorf(errors.KindValidation, "expectation timeout must be positive, got %s", opts.Policy.Timeout)
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("ssdp")
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	h := &Helper{
		resolver: NewResolver(opts.Addresses, opts.Logger),
		builder:  NewBuilder(opts.Table, opts.Policy, opts.Logger),
		logger:   opts.Logger,
		observer: opts.Observer,
	}
	h.desc = &conntrack.Helper{
		Name:    Name,
		Aliases: Aliases,
		Proto:   conntrack.ProtoUDP,
		Port:    Port,
		Policy:  opts.Policy,
		Help:    h.Help,
	}
	return h, nil
}

// Descriptor returns the registration descriptor of the helper.
func (h *Helper) Descriptor() *conntrack.Helper {
	return h.desc
}

// Help processes one packet of a UDP/1900 flow and returns its verdict.
func (h *Helper) Help(pkt *conntrack.Packet) conntrack.Verdict {
	if pkt == nil || pkt.Flow == nil {
		return conntrack.VerdictAccept
	}
	return h.finish(h.inspect(pkt))
}

func (h *Helper) inspect(pkt *conntrack.Packet) Outcome {
	orig := pkt.Flow.Original
	if h.logger.Enabled(logging.LevelDebug) {
		h.logger.Debug("Inspecting packet", "flow", orig.String(), "device", pkt.Device.String())
	}

	if !Classify(orig) {
		h.logger.Debug("Destination is not the SSDP group; ignoring", "dst", orig.Dst.String())
		return OutcomeNotMulticast
	}

	if !MatchSearch(pkt.Payload) {
		h.logger.Debug("UDP payload does not begin with M-SEARCH; ignoring", "len", len(pkt.Payload))
		return OutcomeNotSearch
	}

	subnet, err := h.resolver.Resolve(pkt.Device, orig.Src)
	if err != nil {
		if errors.Is(err, ErrNoAddresses) {
			return OutcomeNoAddresses
		}
		return OutcomeAddressNotFound
	}

	switch err := h.builder.Build(pkt.Flow, subnet); {
	case err == nil:
		return OutcomeInstalled
	case errors.Is(err, ErrDegenerateMask):
		return OutcomeDegenerateMask
	case errors.Is(err, ErrRegister):
		return OutcomeRegisterFailed
	default:
		return OutcomeAllocFailed
	}
}

func (h *Helper) finish(o Outcome) conntrack.Verdict {
	h.observer.Observe(o)
	return o.Verdict()
}

// Start registers the helper with reg.
func (h *Helper) Start(reg conntrack.Registry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.registry != nil {
		return errors.New(errors.KindConflict, "ssdp helper already registered")
	}
	if err := reg.Register(h.desc); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to register ssdp helper")
	}
	h.registry = reg
	h.logger.Info("Helper registered",
		"signature", h.desc.Signature().String(),
		"max_expected", h.desc.Policy.MaxExpected,
		"timeout", h.desc.Policy.Timeout)
	return nil
}

// Stop unregisters the helper. Stopping an unregistered helper is a no-op.
func (h *Helper) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.registry == nil {
		return nil
	}
	if err := h.registry.Unregister(h.desc); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to unregister ssdp helper")
	}
	h.registry = nil
	h.logger.Info("Helper unregistered")
	return nil
}
