package versionmanager

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type committedSet map[uint64]bool

func (c committedSet) IsCommitted(xid uint64) bool { return xid == superXID || c[xid] }

func TestReadCommittedVisibility(t *testing.T) {
	tm := committedSet{1: true, 3: true}
	txn := &Transaction{XID: 5, Level: ReadCommitted}

	cases := []struct {
		name       string
		xmin, xmax uint64
		visible    bool
	}{
		{"own insert", 5, 0, true},
		{"own insert deleted by self", 5, 5, false},
		{"committed insert", 1, 0, true},
		{"uncommitted insert", 2, 0, false},
		{"committed insert, uncommitted delete", 1, 2, true},
		{"committed insert, committed delete", 1, 3, false},
		{"committed insert, deleted by self", 1, 5, false},
		{"super transaction insert", 0, 0, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.visible, IsVisible(tm, txn, c.xmin, c.xmax))
		})
	}
}

func TestRepeatableReadVisibility(t *testing.T) {
	tm := committedSet{1: true, 3: true, 7: true, 9: true}
	// 3 was still running when 5 began and committed afterwards.
	txn := &Transaction{XID: 5, Level: RepeatableRead, snapshot: map[uint64]struct{}{3: {}}}

	cases := []struct {
		name       string
		xmin, xmax uint64
		visible    bool
	}{
		{"own insert", 5, 0, true},
		{"committed before begin", 1, 0, true},
		{"committed after begin, in snapshot", 3, 0, false},
		{"later transaction", 7, 0, false},
		{"uncommitted", 2, 0, false},
		{"deleted by later committed transaction", 1, 7, true},
		{"deleted by snapshot transaction", 1, 3, true},
		{"deleted by uncommitted transaction", 1, 4, true},
		{"deleted by self", 1, 5, false},
		{"deleted before begin", 1, 1, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.visible, IsVisible(tm, txn, c.xmin, c.xmax))
		})
	}
}

func TestVersionSkip(t *testing.T) {
	tm := committedSet{1: true, 3: true, 7: true}
	rr := &Transaction{XID: 5, Level: RepeatableRead, snapshot: map[uint64]struct{}{3: {}}}
	rc := &Transaction{XID: 5, Level: ReadCommitted}

	require.False(t, IsVersionSkip(tm, rr, 0), "live entry")
	require.False(t, IsVersionSkip(tm, rr, 1), "deletion visible to the snapshot")
	require.False(t, IsVersionSkip(tm, rr, 6), "deleter still running")
	require.True(t, IsVersionSkip(tm, rr, 7), "later committed deleter")
	require.True(t, IsVersionSkip(tm, rr, 3), "deleter in snapshot")
	require.False(t, IsVersionSkip(tm, rc, 7), "read committed never skips")
}

func TestSnapshotExcludesSuperTransaction(t *testing.T) {
	active := map[uint64]*Transaction{superXID: nil, 2: nil, 3: nil}
	txn := newTransaction(4, RepeatableRead, active)
	require.True(t, txn.InSnapshot(2))
	require.True(t, txn.InSnapshot(3))
	require.False(t, txn.InSnapshot(superXID))
	require.False(t, txn.InSnapshot(1))

	require.Nil(t, newTransaction(5, ReadCommitted, active).snapshot)
}
