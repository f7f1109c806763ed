// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package ifaddr

import (
	"context"
	"net/netip"

	"github.com/vishvananda/netlink"

	"grimm.is/ssdphelper/internal/conntrack"
	"grimm.is/ssdphelper/internal/errors"
	"grimm.is/ssdphelper/internal/logging"
)

// Load fills the table with the IPv4 addresses of every link.
func (t *Table) Load() error {
	links, err := netlink.LinkList()
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to list links")
	}
	for _, link := range links {
		if err := t.loadLink(link); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) loadLink(link netlink.Link) error {
	attrs := link.Attrs()
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "failed to list addresses on %s", attrs.Name)
	}

	list := make([]Address, 0, len(addrs))
	for _, a := range addrs {
		if a.IPNet == nil {
			continue
		}
		ip, ok := netip.AddrFromSlice(a.IP.To4())
		if !ok {
			continue
		}
		ones, _ := a.Mask.Size()
		list = append(list, Address{
			Local:  ip,
			Prefix: netip.PrefixFrom(ip, ones),
			Label:  a.Label,
		})
	}
	t.Set(conntrack.Device{Index: attrs.Index, Name: attrs.Name}, list)
	return nil
}

// Watch keeps the table in sync with kernel address changes until ctx is
// cancelled. Each notification reloads the affected link.
func (t *Table) Watch(ctx context.Context, logger *logging.Logger) error {
	updates := make(chan netlink.AddrUpdate, 64)
	done := make(chan struct{})
	defer close(done)

	opts := netlink.AddrSubscribeOptions{
		ErrorCallback: func(err error) {
			logger.Warn("Address subscription error", "error", err)
		},
	}
	if err := netlink.AddrSubscribeWithOptions(updates, done, opts); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to subscribe to address updates")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return errors.New(errors.KindUnavailable, "address subscription closed")
			}
			link, err := netlink.LinkByIndex(u.LinkIndex)
			if err != nil {
				t.Remove(u.LinkIndex)
				continue
			}
			if err := t.loadLink(link); err != nil {
				logger.Warn("Failed to reload link addresses", "ifindex", u.LinkIndex, "error", err)
				continue
			}
			logger.Debug("Link addresses reloaded", "device", link.Attrs().Name, "new", u.NewAddr)
		}
	}
}
