// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import (
	"github.com/google/nftables"
)

// NFTablesConn abstracts the nftables netlink connection so tests can
// inject a fake. Mutations are batched; nothing reaches the kernel
// until Flush.
type NFTablesConn interface {
	ListTables() ([]*nftables.Table, error)
	ListChainsOfTable(table *nftables.Table) ([]*nftables.Chain, error)
	GetRules(table *nftables.Table, chain *nftables.Chain) ([]*nftables.Rule, error)
	AddTable(table *nftables.Table) *nftables.Table
	AddChain(chain *nftables.Chain) *nftables.Chain
	AddRule(rule *nftables.Rule) *nftables.Rule
	DelRule(rule *nftables.Rule) error
	Flush() error
}

type realConn struct {
	conn *nftables.Conn
}

// NewRealNFTablesConn wraps a live nftables connection.
func NewRealNFTablesConn(conn *nftables.Conn) NFTablesConn {
	return &realConn{conn: conn}
}

func (r *realConn) ListTables() ([]*nftables.Table, error) {
	return r.conn.ListTables()
}

func (r *realConn) ListChainsOfTable(table *nftables.Table) ([]*nftables.Chain, error) {
	return r.conn.ListChainsOfTableFamily(table.Family)
}

func (r *realConn) GetRules(table *nftables.Table, chain *nftables.Chain) ([]*nftables.Rule, error) {
	return r.conn.GetRules(table, chain)
}

func (r *realConn) AddTable(table *nftables.Table) *nftables.Table {
	return r.conn.AddTable(table)
}

func (r *realConn) AddChain(chain *nftables.Chain) *nftables.Chain {
	return r.conn.AddChain(chain)
}

func (r *realConn) AddRule(rule *nftables.Rule) *nftables.Rule {
	return r.conn.AddRule(rule)
}

func (r *realConn) DelRule(rule *nftables.Rule) error {
	return r.conn.DelRule(rule)
}

func (r *realConn) Flush() error {
	return r.conn.Flush()
}
