// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import (
	"github.com/google/nftables"
	"github.com/google/nftables/expr"

	"grimm.is/flowmeter/internal/errors"
	"grimm.is/flowmeter/internal/logging"
)

// CounterSample is one owned counter rule as read from the kernel.
// Handle is only valid until the next listing; it must never be cached
// across reads.
type CounterSample struct {
	Addr      string
	Direction Direction
	Bytes     uint64
	Packets   uint64
	Handle    uint64
}

// ReadCounters lists the owned chain and returns one sample per owned
// counter rule, in listing order. Foreign rules (tags outside our
// namespace) are ignored; owned rules without a readable counter are
// dropped with a warning so one damaged rule cannot take down the
// monitoring of every other device.
func ReadCounters(conn NFTablesConn, tableName, chainName string, logger *logging.Logger) ([]CounterSample, error) {
	table, chain, err := findTableChain(conn, tableName, chainName)
	if err != nil {
		return nil, err
	}

	rules, err := conn.GetRules(table, chain)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "list rules in %s/%s", tableName, chainName)
	}

	samples := make([]CounterSample, 0, len(rules))
	for _, rule := range rules {
		addr, dir, ok := DecodeTag(string(rule.UserData))
		if !ok {
			continue
		}

		var counter *expr.Counter
		for _, e := range rule.Exprs {
			if c, ok := e.(*expr.Counter); ok {
				counter = c
				break
			}
		}
		if counter == nil {
			logger.Warn("Owned rule has no counter expression, skipping",
				"addr", addr, "direction", dir.String(), "handle", rule.Handle)
			continue
		}

		samples = append(samples, CounterSample{
			Addr:      addr,
			Direction: dir,
			Bytes:     counter.Bytes,
			Packets:   counter.Packets,
			Handle:    rule.Handle,
		})
	}

	return samples, nil
}

// findTableChain locates the owned IPv4 table and chain. Absence is a
// missing dependency: the cycle is skipped and the synchronizer will
// recreate the container on its next run.
func findTableChain(conn NFTablesConn, tableName, chainName string) (*nftables.Table, *nftables.Chain, error) {
	tables, err := conn.ListTables()
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.KindUnavailable, "list tables")
	}

	var table *nftables.Table
	for _, t := range tables {
		if t.Name == tableName && t.Family == nftables.TableFamilyIPv4 {
			table = t
			break
		}
	}
	if table == nil {
		return nil, nil, errors.Errorf(errors.KindUnavailable, "table %q not found", tableName)
	}

	chains, err := conn.ListChainsOfTable(table)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.KindUnavailable, "list chains")
	}
	for _, c := range chains {
		if c.Name == chainName {
			return table, c, nil
		}
	}
	return nil, nil, errors.Errorf(errors.KindUnavailable, "chain %q not found in table %q", chainName, tableName)
}

// CounterReader binds ReadCounters to one connection and chain so
// callers can take repeated snapshots without carrying the plumbing.
type CounterReader struct {
	conn   NFTablesConn
	table  string
	chain  string
	logger *logging.Logger
}

func NewCounterReader(conn NFTablesConn, table, chain string, logger *logging.Logger) *CounterReader {
	return &CounterReader{conn: conn, table: table, chain: chain, logger: logger}
}

func (r *CounterReader) Read() ([]CounterSample, error) {
	return ReadCounters(r.conn, r.table, r.chain, r.logger)
}
