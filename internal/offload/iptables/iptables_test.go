package iptables

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/portredir/internal/core"
)

// fakeIPT keeps chains as ordered rule lists.
type fakeIPT struct {
	chains map[string][][]string
	calls  []string
	failOn string
}

func newFake() *fakeIPT {
	return &fakeIPT{chains: map[string][][]string{"nat/PREROUTING": nil}}
}

func (f *fakeIPT) record(op, table, chain string) error {
	f.calls = append(f.calls, op+" "+table+"/"+chain)
	if f.failOn == op {
		return errors.New(op + " failed")
	}
	return nil
}

func (f *fakeIPT) ClearChain(table, chain string) error {
	if err := f.record("clear", table, chain); err != nil {
		return err
	}
	f.chains[table+"/"+chain] = [][]string{}
	return nil
}

func (f *fakeIPT) DeleteChain(table, chain string) error {
	if err := f.record("delete-chain", table, chain); err != nil {
		return err
	}
	delete(f.chains, table+"/"+chain)
	return nil
}

func (f *fakeIPT) Append(table, chain string, rule ...string) error {
	if err := f.record("append", table, chain); err != nil {
		return err
	}
	key := table + "/" + chain
	if _, ok := f.chains[key]; !ok {
		return fmt.Errorf("no chain %s", key)
	}
	f.chains[key] = append(f.chains[key], rule)
	return nil
}

func (f *fakeIPT) Insert(table, chain string, pos int, rule ...string) error {
	if err := f.record("insert", table, chain); err != nil {
		return err
	}
	key := table + "/" + chain
	f.chains[key] = slices.Insert(f.chains[key], pos-1, rule)
	return nil
}

func (f *fakeIPT) Exists(table, chain string, rule ...string) (bool, error) {
	if err := f.record("exists", table, chain); err != nil {
		return false, err
	}
	for _, r := range f.chains[table+"/"+chain] {
		if slices.Equal(r, rule) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeIPT) Delete(table, chain string, rule ...string) error {
	if err := f.record("delete", table, chain); err != nil {
		return err
	}
	key := table + "/" + chain
	f.chains[key] = slices.DeleteFunc(f.chains[key], func(r []string) bool { return slices.Equal(r, rule) })
	return nil
}

func TestRule(t *testing.T) {
	got := strings.Join(Rule(core.Mapping{SourcePort: 80, DestinationPort: 8080}), " ")
	assert.Equal(t, "-p tcp --sport 80 -j DNAT --to-destination :8080", got)
}

func TestSyncWritesChainAndJump(t *testing.T) {
	f := newFake()
	m := newMirror(f, "")

	mappings := []core.Mapping{
		{SourcePort: 80, DestinationPort: 8080},
		{SourcePort: 81, DestinationPort: 8081},
	}
	require.NoError(t, m.Sync(mappings))

	require.Len(t, f.chains["nat/PORTREDIR"], 2)
	assert.Equal(t, Rule(mappings[1]), f.chains["nat/PORTREDIR"][1])
	assert.Equal(t, [][]string{{"-p", "tcp", "-j", "PORTREDIR"}}, f.chains["nat/PREROUTING"])
}

func TestSyncIsIdempotent(t *testing.T) {
	f := newFake()
	m := newMirror(f, "REDIR")
	mappings := []core.Mapping{{SourcePort: 80, DestinationPort: 8080}}

	require.NoError(t, m.Sync(mappings))
	require.NoError(t, m.Sync(mappings))

	assert.Len(t, f.chains["nat/REDIR"], 1)
	assert.Len(t, f.chains["nat/PREROUTING"], 1)
}

func TestSyncReplacesRules(t *testing.T) {
	f := newFake()
	m := newMirror(f, "REDIR")

	require.NoError(t, m.Sync([]core.Mapping{{SourcePort: 80, DestinationPort: 8080}}))
	require.NoError(t, m.Sync([]core.Mapping{{SourcePort: 22, DestinationPort: 2222}}))

	require.Len(t, f.chains["nat/REDIR"], 1)
	assert.Equal(t, Rule(core.Mapping{SourcePort: 22, DestinationPort: 2222}), f.chains["nat/REDIR"][0])
}

func TestSyncPropagatesErrors(t *testing.T) {
	f := newFake()
	f.failOn = "append"
	m := newMirror(f, "REDIR")

	err := m.Sync([]core.Mapping{{SourcePort: 80, DestinationPort: 8080}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append 80=8080")
}

func TestCloseRemovesEverything(t *testing.T) {
	f := newFake()
	m := newMirror(f, "REDIR")
	require.NoError(t, m.Sync([]core.Mapping{{SourcePort: 80, DestinationPort: 8080}}))

	require.NoError(t, m.Close())

	_, ok := f.chains["nat/REDIR"]
	assert.False(t, ok)
	assert.Empty(t, f.chains["nat/PREROUTING"])
}

func TestCloseReportsErrors(t *testing.T) {
	f := newFake()
	f.failOn = "delete-chain"
	m := newMirror(f, "REDIR")
	require.NoError(t, m.Sync(nil))

	err := m.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete chain")
}
