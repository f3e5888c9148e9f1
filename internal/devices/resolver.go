// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package devices maps transient IP addresses to stable device
// identities. The MAC is the join key across DHCP renewals; the IP is
// only how the kernel counters see the device right now.
package devices

import (
	"grimm.is/flowmeter/internal/leases"
	"grimm.is/flowmeter/internal/logging"
	"grimm.is/flowmeter/internal/netutil"
)

// Identity is a resolved device: a validated MAC plus a display name.
type Identity struct {
	MAC  string
	Name string
}

// LeaseSource yields the current lease table.
type LeaseSource interface {
	Leases() ([]leases.Lease, error)
}

// Resolver turns an IP address into an Identity using the lease table
// first and the neighbor cache as fallback. Call Refresh once per
// cycle; Resolve then works off that snapshot.
type Resolver struct {
	leases LeaseSource
	neigh  leases.NeighborSource
	logger *logging.Logger
	byIP   map[string]leases.Lease
}

// NewResolver creates a resolver. neigh may be nil to disable the
// neighbor-cache fallback (used in tests).
func NewResolver(src LeaseSource, neigh leases.NeighborSource, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	return &Resolver{
		leases: src,
		neigh:  neigh,
		logger: logger,
		byIP:   map[string]leases.Lease{},
	}
}

// Refresh re-reads the lease table. An unreadable table degrades to
// neighbor-cache-only resolution rather than failing the cycle.
func (r *Resolver) Refresh() {
	all, err := r.leases.Leases()
	if err != nil {
		r.logger.Warn("Lease table unreadable, resolving via neighbor cache only", "error", err)
		r.byIP = map[string]leases.Lease{}
		return
	}
	byIP := make(map[string]leases.Lease, len(all))
	for _, l := range all {
		byIP[l.IP] = l
	}
	r.byIP = byIP
}

// Resolve maps addr to an identity. ok=false means no valid MAC could
// be found by either path; the caller must skip the address for this
// cycle rather than fabricate partial data.
func (r *Resolver) Resolve(addr string) (Identity, bool) {
	if lease, found := r.byIP[addr]; found {
		// Lease MACs were validated at parse time.
		return Identity{MAC: lease.MAC, Name: displayName(lease.Hostname, addr)}, true
	}

	if r.neigh != nil {
		if mac, found := r.neigh.MACFor(addr); found && netutil.ValidMAC(mac) {
			return Identity{MAC: mac, Name: addr}, true
		}
	}

	return Identity{}, false
}

// displayName prefers the lease hostname; dnsmasq writes "*" when the
// client sent none.
func displayName(hostname, addr string) string {
	if hostname == "" || hostname == "*" {
		return addr
	}
	return hostname
}
