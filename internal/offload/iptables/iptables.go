// Package iptables mirrors the redirection table into netfilter DNAT rules,
// so traffic that never reaches the redirector's hook is rewritten the same way.
package iptables

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/coreos/go-iptables/iptables"

	"firestige.xyz/portredir/internal/core"
)

const (
	natTable     = "nat"
	jumpFrom     = "PREROUTING"
	DefaultChain = "PORTREDIR"
)

// runner is the subset of *iptables.IPTables the mirror uses.
type runner interface {
	ClearChain(table, chain string) error
	DeleteChain(table, chain string) error
	Append(table, chain string, rulespec ...string) error
	Insert(table, chain string, pos int, rulespec ...string) error
	Exists(table, chain string, rulespec ...string) (bool, error)
	Delete(table, chain string, rulespec ...string) error
}

// Mirror owns one chain in the nat table holding a DNAT rule per mapping and
// a jump to it from PREROUTING.
type Mirror struct {
	ipt    runner
	chain  string
	logger *slog.Logger
}

// New creates a mirror using the host's iptables binary.
func New(chain string) (*Mirror, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("iptables: %w", err)
	}
	return newMirror(ipt, chain), nil
}

func newMirror(ipt runner, chain string) *Mirror {
	if chain == "" {
		chain = DefaultChain
	}
	return &Mirror{
		ipt:    ipt,
		chain:  chain,
		logger: slog.Default().With("component", "iptables", "chain", chain),
	}
}

// Rule returns the rule spec for one mapping.
func Rule(m core.Mapping) []string {
	return []string{
		"-p", "tcp",
		"--sport", strconv.Itoa(int(m.SourcePort)),
		"-j", "DNAT",
		"--to-destination", ":" + strconv.Itoa(int(m.DestinationPort)),
	}
}

func (m *Mirror) jump() []string {
	return []string{"-p", "tcp", "-j", m.chain}
}

// Sync replaces the chain's rules with one rule per mapping and makes sure
// PREROUTING jumps to it.
func (m *Mirror) Sync(mappings []core.Mapping) error {
	if err := m.ipt.ClearChain(natTable, m.chain); err != nil {
		return fmt.Errorf("iptables: clear chain %s: %w", m.chain, err)
	}
	for _, mp := range mappings {
		if err := m.ipt.Append(natTable, m.chain, Rule(mp)...); err != nil {
			return fmt.Errorf("iptables: append %s: %w", mp, err)
		}
	}

	exists, err := m.ipt.Exists(natTable, jumpFrom, m.jump()...)
	if err != nil {
		return fmt.Errorf("iptables: check jump: %w", err)
	}
	if !exists {
		if err := m.ipt.Insert(natTable, jumpFrom, 1, m.jump()...); err != nil {
			return fmt.Errorf("iptables: insert jump: %w", err)
		}
	}

	m.logger.Info("iptables rules synced", "rules", len(mappings))
	return nil
}

// Close removes the jump and the chain.
func (m *Mirror) Close() error {
	var errs []error

	exists, err := m.ipt.Exists(natTable, jumpFrom, m.jump()...)
	if err != nil {
		errs = append(errs, fmt.Errorf("check jump: %w", err))
	} else if exists {
		if err := m.ipt.Delete(natTable, jumpFrom, m.jump()...); err != nil {
			errs = append(errs, fmt.Errorf("delete jump: %w", err))
		}
	}

	if err := m.ipt.ClearChain(natTable, m.chain); err != nil {
		errs = append(errs, fmt.Errorf("clear chain: %w", err))
	} else if err := m.ipt.DeleteChain(natTable, m.chain); err != nil {
		errs = append(errs, fmt.Errorf("delete chain: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("iptables: %w", errors.Join(errs...))
	}
	m.logger.Info("iptables rules removed")
	return nil
}
