// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package leases

import (
	"github.com/vishvananda/netlink"

	"grimm.is/flowmeter/internal/netutil"
)

// NeighborSource resolves an IP to a link-layer address. It is the
// fallback when an address has no lease entry.
type NeighborSource interface {
	MACFor(ip string) (string, bool)
}

// NetlinkNeighbors queries the kernel neighbor (ARP) cache over
// rtnetlink.
type NetlinkNeighbors struct{}

// MACFor scans the IPv4 neighbor table for ip and returns its MAC in
// canonical form. Incomplete and failed entries carry no usable
// hardware address and are rejected by the MAC validation.
func (NetlinkNeighbors) MACFor(ip string) (string, bool) {
	neighs, err := netlink.NeighList(0, netlink.FAMILY_V4)
	if err != nil {
		return "", false
	}
	for _, n := range neighs {
		if n.IP == nil || n.IP.String() != ip {
			continue
		}
		if mac, ok := netutil.NormalizeMAC(n.HardwareAddr.String()); ok {
			return mac, true
		}
	}
	return "", false
}
