// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import (
	"net"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"

	"grimm.is/flowmeter/internal/errors"
	"grimm.is/flowmeter/internal/logging"
)

// LeaseSource yields the IPv4 addresses currently leased. An error
// means the lease table could not be read at all, which is distinct
// from an empty table.
type LeaseSource interface {
	Addresses() ([]string, error)
}

// Manager reconciles the owned counter-rule set against the lease
// table. It only ever creates count-only rules; filter policy is never
// touched.
type Manager struct {
	conn   NFTablesConn
	leases LeaseSource
	logger *logging.Logger
	table  string
	chain  string
}

// NewManager creates a manager with a live nftables connection.
func NewManager(leases LeaseSource, logger *logging.Logger, table, chain string) (*Manager, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "open nftables connection")
	}
	return NewManagerWithConn(NewRealNFTablesConn(conn), leases, logger, table, chain), nil
}

// NewManagerWithConn creates a manager with an injected connection.
func NewManagerWithConn(conn NFTablesConn, leases LeaseSource, logger *logging.Logger, table, chain string) *Manager {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	return &Manager{
		conn:   conn,
		leases: leases,
		logger: logger,
		table:  table,
		chain:  chain,
	}
}

// EnsureChain makes sure the owned table and chain exist. AddTable and
// AddChain are upserts at the netlink level, so re-running never
// duplicates or disturbs existing rules.
func (m *Manager) EnsureChain() error {
	table := m.conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyIPv4,
		Name:   m.table,
	})

	policy := nftables.ChainPolicyAccept
	m.conn.AddChain(&nftables.Chain{
		Name:     m.chain,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &policy,
	})

	if err := m.conn.Flush(); err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "ensure %s/%s", m.table, m.chain)
	}
	return nil
}

// Sync runs one reconciliation cycle: create counter rules for newly
// leased addresses, delete rules whose address is no longer leased.
// It is idempotent; running it twice against an unchanged lease table
// issues no further mutations.
func (m *Manager) Sync() error {
	addrs, err := m.leases.Addresses()
	if err != nil {
		// Transient lease-table unavailability is not "all devices
		// vanished". Leave every rule alone and try again next cycle.
		m.logger.Warn("Lease table unreadable, skipping sync cycle", "error", err)
		return errors.Wrap(err, errors.KindUnavailable, "read lease table")
	}

	desired := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil || ip.To4() == nil {
			continue
		}
		desired[ip.String()] = struct{}{}
	}

	if len(desired) == 0 {
		m.logger.Debug("Lease table empty, leaving existing rules untouched")
		return nil
	}

	if err := m.EnsureChain(); err != nil {
		return err
	}

	samples, err := ReadCounters(m.conn, m.table, m.chain, m.logger)
	if err != nil {
		return err
	}

	type ruleKey struct {
		addr string
		dir  Direction
	}
	actual := make(map[ruleKey]uint64, len(samples))
	for _, s := range samples {
		actual[ruleKey{s.Addr, s.Direction}] = s.Handle
	}

	// Create missing rules. Directions heal independently: a partial
	// prior failure leaves one direction present, and only the missing
	// one is added.
	created := 0
	for addr := range desired {
		for _, dir := range Directions {
			if _, ok := actual[ruleKey{addr, dir}]; ok {
				continue
			}
			m.addCounterRule(addr, dir)
			created++
		}
	}
	if created > 0 {
		if err := m.conn.Flush(); err != nil {
			m.logger.Warn("Failed to create counter rules", "count", created, "error", err)
		} else {
			m.logger.Info("Created counter rules", "count", created)
		}
	}

	// Delete stale rules one by one; a single failure must not stop
	// cleanup of the rest. Leftovers are retried next cycle.
	deleted := 0
	for key, handle := range actual {
		if _, ok := desired[key.addr]; ok {
			continue
		}
		if err := m.deleteRule(handle); err != nil {
			m.logger.Warn("Failed to delete stale counter rule",
				"addr", key.addr, "direction", key.dir.String(), "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		m.logger.Info("Deleted stale counter rules", "count", deleted)
	}

	return nil
}

// addCounterRule queues a count-only rule for one address/direction.
// INBOUND matches the destination address, OUTBOUND the source; the
// rule carries a counter and no verdict, so disposition is untouched.
func (m *Manager) addCounterRule(addr string, dir Direction) {
	ip := net.ParseIP(addr).To4()

	// IPv4 header: source address at offset 12, destination at 16.
	offset := uint32(16)
	if dir == DirectionOut {
		offset = 12
	}

	table := &nftables.Table{Family: nftables.TableFamilyIPv4, Name: m.table}
	m.conn.AddRule(&nftables.Rule{
		Table: table,
		Chain: &nftables.Chain{Name: m.chain, Table: table},
		Exprs: []expr.Any{
			&expr.Payload{
				DestRegister: 1,
				Base:         expr.PayloadBaseNetworkHeader,
				Offset:       offset,
				Len:          4,
			},
			&expr.Cmp{
				Op:       expr.CmpOpEq,
				Register: 1,
				Data:     ip,
			},
			&expr.Counter{},
		},
		UserData: []byte(EncodeTag(addr, dir)),
	})
}

func (m *Manager) deleteRule(handle uint64) error {
	table := &nftables.Table{Family: nftables.TableFamilyIPv4, Name: m.table}
	if err := m.conn.DelRule(&nftables.Rule{
		Table:  table,
		Chain:  &nftables.Chain{Name: m.chain, Table: table},
		Handle: handle,
	}); err != nil {
		return err
	}
	return m.conn.Flush()
}
