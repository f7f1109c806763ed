// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ssdp

import (
	"net/netip"

	"grimm.is/ssdphelper/internal/conntrack"
	"grimm.is/ssdphelper/internal/errors"
	"grimm.is/ssdphelper/internal/ifaddr"
	"grimm.is/ssdphelper/internal/logging"
)

var (
	// ErrNoAddresses means the receiving device has no IPv4 addresses.
	ErrNoAddresses = errors.New(errors.KindNotFound, "device has no IPv4 addresses assigned")

	// ErrAddressNotFound means the query's source is not an address of the
	// receiving device.
	ErrAddressNotFound = errors.New(errors.KindNotFound, "M-SEARCH source address not assigned to device")
)

// Resolver finds the subnet of a query's source among the addresses of the
// device it was seen on.
type Resolver struct {
	addrs  ifaddr.Source
	logger *logging.Logger
}

// NewResolver returns a Resolver reading from addrs.
func NewResolver(addrs ifaddr.Source, logger *logging.Logger) *Resolver {
	return &Resolver{addrs: addrs, logger: logger}
}

// Resolve returns the configured prefix of the address on dev equal to src.
// The device's address view is held only for the duration of the search.
func (r *Resolver) Resolve(dev conntrack.Device, src netip.Addr) (netip.Prefix, error) {
	src = src.Unmap()

	view, err := r.addrs.Acquire(dev)
	if err != nil {
		if !errors.Is(err, ifaddr.ErrNoConfig) {
			r.logger.Warn("Failed to read device addresses", "device", dev.String(), "error", err)
		}
		return netip.Prefix{}, r.fail(ErrNoAddresses, dev, src)
	}
	defer view.Release()

	addrs := view.Addresses()
	if len(addrs) == 0 {
		return netip.Prefix{}, r.fail(ErrNoAddresses, dev, src)
	}

	for _, a := range addrs {
		if a.Local != src {
			continue
		}
		r.logger.Debug("Found netmask for query source",
			"netmask", conntrack.NetmaskAddr(a.Prefix).String(),
			"address", src.String(),
			"label", a.Label,
			"device", dev.String())
		return a.Prefix, nil
	}

	return netip.Prefix{}, r.fail(ErrAddressNotFound, dev, src)
}

func (r *Resolver) fail(sentinel error, dev conntrack.Device, src netip.Addr) error {
	r.logger.Warn(sentinel.Error(), "device", dev.String(), "source", src.String())
	err := errors.Wrapf(sentinel, errors.KindNotFound, "resolve netmask for %s on %s", src, dev)
	err = errors.Attr(err, "device", dev.String())
	return errors.Attr(err, "source", src.String())
}
