// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import (
	"fmt"

	"github.com/google/nftables"
)

// fakeConn is an in-memory NFTablesConn. Mutations queue until Flush,
// mirroring the batching of the real netlink connection.
type fakeConn struct {
	tables []*nftables.Table
	chains []*nftables.Chain
	rules  []*nftables.Rule

	nextHandle  uint64
	pendingAdd  []*nftables.Rule
	pendingDel  []uint64
	addCalls    int
	delCalls    int
	flushErr    error
	listErr     error
	failHandles map[uint64]bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{nextHandle: 1, failHandles: map[uint64]bool{}}
}

func (f *fakeConn) ListTables() ([]*nftables.Table, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tables, nil
}

func (f *fakeConn) ListChainsOfTable(table *nftables.Table) ([]*nftables.Chain, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*nftables.Chain
	for _, c := range f.chains {
		if c.Table.Name == table.Name {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeConn) GetRules(table *nftables.Table, chain *nftables.Chain) ([]*nftables.Rule, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*nftables.Rule
	for _, r := range f.rules {
		if r.Table.Name == table.Name && r.Chain.Name == chain.Name {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeConn) AddTable(table *nftables.Table) *nftables.Table {
	for _, t := range f.tables {
		if t.Name == table.Name && t.Family == table.Family {
			return t
		}
	}
	f.tables = append(f.tables, table)
	return table
}

func (f *fakeConn) AddChain(chain *nftables.Chain) *nftables.Chain {
	for _, c := range f.chains {
		if c.Name == chain.Name && c.Table.Name == chain.Table.Name {
			return c
		}
	}
	f.chains = append(f.chains, chain)
	return chain
}

func (f *fakeConn) AddRule(rule *nftables.Rule) *nftables.Rule {
	f.addCalls++
	f.pendingAdd = append(f.pendingAdd, rule)
	return rule
}

func (f *fakeConn) DelRule(rule *nftables.Rule) error {
	f.delCalls++
	if f.failHandles[rule.Handle] {
		return fmt.Errorf("fake: cannot delete handle %d", rule.Handle)
	}
	f.pendingDel = append(f.pendingDel, rule.Handle)
	return nil
}

func (f *fakeConn) Flush() error {
	if f.flushErr != nil {
		err := f.flushErr
		f.pendingAdd = nil
		f.pendingDel = nil
		return err
	}
	for _, r := range f.pendingAdd {
		r.Handle = f.nextHandle
		f.nextHandle++
		f.rules = append(f.rules, r)
	}
	f.pendingAdd = nil
	for _, h := range f.pendingDel {
		kept := f.rules[:0]
		for _, r := range f.rules {
			if r.Handle != h {
				kept = append(kept, r)
			}
		}
		f.rules = kept
	}
	f.pendingDel = nil
	return nil
}

// ownedRules returns decoded tags of all rules currently installed.
func (f *fakeConn) ownedRules() map[string]int {
	out := map[string]int{}
	for _, r := range f.rules {
		out[string(r.UserData)]++
	}
	return out
}

type staticLeases struct {
	addrs []string
	err   error
}

func (s staticLeases) Addresses() ([]string, error) {
	return s.addrs, s.err
}
