package versionmanager

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/minidb/core/storage_engine/common"
	"github.com/sushant-115/minidb/core/storage_engine/datamanager"
	"github.com/sushant-115/minidb/core/transaction"
	pagemanager "github.com/sushant-115/minidb/core/write_engine/page_manager"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// --- Test Helpers ---

func setupVersionManager(t *testing.T) (*VersionManager, *transaction.StatusStore) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "vm")
	tm, err := transaction.CreateStatusStore(path, logger)
	require.NoError(t, err)
	dm, err := datamanager.Create(path, 64*pagemanager.PageSize, tm, logger)
	require.NoError(t, err)
	vm := New(tm, dm, logger)
	t.Cleanup(func() {
		vm.Close()
		dm.Close()
		tm.Close()
	})
	return vm, tm
}

func begin(t *testing.T, vm *VersionManager, level IsolationLevel) uint64 {
	t.Helper()
	xid, err := vm.Begin(level)
	require.NoError(t, err)
	return xid
}

func insertCommitted(t *testing.T, vm *VersionManager, data string) uint64 {
	t.Helper()
	xid := begin(t, vm, ReadCommitted)
	uid, err := vm.Insert(xid, []byte(data))
	require.NoError(t, err)
	require.NoError(t, vm.Commit(xid))
	return uid
}

func read(t *testing.T, vm *VersionManager, xid, uid uint64) []byte {
	t.Helper()
	data, err := vm.Read(xid, uid)
	require.NoError(t, err)
	return data
}

func waitingOn(vm *VersionManager, xid uint64) func() bool {
	return func() bool {
		vm.lt.mu.Lock()
		defer vm.lt.mu.Unlock()
		_, ok := vm.lt.waitU[xid]
		return ok
	}
}

// --- Test Cases ---

func TestSnapshotScenario(t *testing.T) {
	vm, tm := setupVersionManager(t)
	for i := 0; i < 4; i++ {
		xid := begin(t, vm, ReadCommitted)
		require.NoError(t, vm.Commit(xid))
	}

	x5 := begin(t, vm, ReadCommitted)
	require.Equal(t, uint64(5), x5)
	r1, err := vm.Insert(x5, []byte("R1"))
	require.NoError(t, err)
	require.NoError(t, vm.Commit(x5))

	x6 := begin(t, vm, RepeatableRead)
	x7 := begin(t, vm, ReadCommitted)
	deleted, err := vm.Delete(x7, r1)
	require.NoError(t, err)
	require.True(t, deleted)
	require.NoError(t, vm.Commit(x7))

	require.Equal(t, []byte("R1"), read(t, vm, x6, r1), "repeatable read keeps its snapshot")

	x8 := begin(t, vm, ReadCommitted)
	require.Equal(t, uint64(8), x8)
	require.Nil(t, read(t, vm, x8, r1), "read committed sees the committed delete")

	require.NoError(t, vm.Commit(x6))
	require.NoError(t, vm.Commit(x8))
	require.True(t, tm.IsCommitted(x7))
}

func TestReadCommittedNeverSeesUncommitted(t *testing.T) {
	vm, _ := setupVersionManager(t)
	writer := begin(t, vm, ReadCommitted)
	reader := begin(t, vm, ReadCommitted)

	uid, err := vm.Insert(writer, []byte("draft"))
	require.NoError(t, err)
	require.Equal(t, []byte("draft"), read(t, vm, writer, uid), "own writes are visible")
	require.Nil(t, read(t, vm, reader, uid))

	require.NoError(t, vm.Commit(writer))
	require.Equal(t, []byte("draft"), read(t, vm, reader, uid))
}

func TestAbortedInsertStaysInvisible(t *testing.T) {
	vm, tm := setupVersionManager(t)
	writer := begin(t, vm, ReadCommitted)
	uid, err := vm.Insert(writer, []byte("rolled back"))
	require.NoError(t, err)
	require.NoError(t, vm.Abort(writer))
	require.True(t, tm.IsAborted(writer))

	reader := begin(t, vm, ReadCommitted)
	require.Nil(t, read(t, vm, reader, uid))
}

func TestRepeatableReadIsStable(t *testing.T) {
	vm, _ := setupVersionManager(t)
	uid := insertCommitted(t, vm, "v1")

	reader := begin(t, vm, RepeatableRead)
	require.Equal(t, []byte("v1"), read(t, vm, reader, uid))

	concurrent := begin(t, vm, ReadCommitted)
	newUID, err := vm.Insert(concurrent, []byte("v2"))
	require.NoError(t, err)
	ok, err := vm.Delete(concurrent, uid)
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, []byte("v1"), read(t, vm, reader, uid))
	require.NoError(t, vm.Commit(concurrent))
	require.Equal(t, []byte("v1"), read(t, vm, reader, uid))
	require.Nil(t, read(t, vm, reader, newUID), "a transaction started later stays invisible")
}

func TestDeleteTwiceAndInvisible(t *testing.T) {
	vm, _ := setupVersionManager(t)
	uid := insertCommitted(t, vm, "row")

	xid := begin(t, vm, ReadCommitted)
	ok, err := vm.Delete(xid, uid)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = vm.Delete(xid, uid)
	require.NoError(t, err)
	require.False(t, ok, "already deleted by this transaction")
	require.NoError(t, vm.Commit(xid))

	other := begin(t, vm, ReadCommitted)
	ok, err = vm.Delete(other, uid)
	require.NoError(t, err)
	require.False(t, ok, "deleted rows are invisible")
}

func TestDeleteWaitsForHolder(t *testing.T) {
	vm, _ := setupVersionManager(t)
	uid := insertCommitted(t, vm, "row")

	first := begin(t, vm, ReadCommitted)
	second := begin(t, vm, ReadCommitted)
	ok, err := vm.Delete(first, uid)
	require.NoError(t, err)
	require.True(t, ok)

	done := make(chan bool, 1)
	go func() {
		ok, err := vm.Delete(second, uid)
		if err != nil {
			t.Errorf("delete: %v", err)
		}
		done <- ok
	}()
	require.Eventually(t, waitingOn(vm, second), time.Second, time.Millisecond)

	// The first deleter rolls back, so the row is still there to delete.
	require.NoError(t, vm.Abort(first))
	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was never woken")
	}
	require.NoError(t, vm.Commit(second))
}

func TestAbortWakesWaitingDelete(t *testing.T) {
	vm, tm := setupVersionManager(t)
	uid := insertCommitted(t, vm, "row")

	holder := begin(t, vm, ReadCommitted)
	waiter := begin(t, vm, ReadCommitted)
	ok, err := vm.Delete(holder, uid)
	require.NoError(t, err)
	require.True(t, ok)

	done := make(chan error, 1)
	go func() {
		_, err := vm.Delete(waiter, uid)
		done <- err
	}()
	require.Eventually(t, waitingOn(vm, waiter), time.Second, time.Millisecond)

	require.NoError(t, vm.Abort(waiter))
	select {
	case err := <-done:
		require.ErrorIs(t, err, common.ErrNoTransaction)
	case <-time.After(5 * time.Second):
		t.Fatal("delete of an aborted waiter never returned")
	}
	require.True(t, tm.IsAborted(waiter))

	got, ok := vm.lt.Holder(uid)
	require.True(t, ok)
	require.Equal(t, holder, got, "the holder keeps the row")
	require.NoError(t, vm.Commit(holder))
}

func TestAbortAllWakesWaiters(t *testing.T) {
	vm, _ := setupVersionManager(t)
	uid := insertCommitted(t, vm, "row")

	holder := begin(t, vm, ReadCommitted)
	_, err := vm.Delete(holder, uid)
	require.NoError(t, err)

	var g errgroup.Group
	waiters := []uint64{begin(t, vm, ReadCommitted), begin(t, vm, RepeatableRead)}
	for _, xid := range waiters {
		g.Go(func() error {
			_, err := vm.Delete(xid, uid)
			return err
		})
		require.Eventually(t, waitingOn(vm, xid), time.Second, time.Millisecond)
	}

	n, err := vm.AbortAll()
	require.NoError(t, err)
	require.Equal(t, 3, n)

	// Whether a waiter is woken by its own abort or by a grant depends on the
	// abort order; either way every blocked Delete returns.
	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("a waiting delete outlived AbortAll")
	}
	require.Zero(t, vm.Active())
	require.Equal(t, int64(3), vm.Stats().Aborted)
}

func TestDeadlockAbortsOneAndFreesTheOther(t *testing.T) {
	vm, tm := setupVersionManager(t)
	a := insertCommitted(t, vm, "a")
	b := insertCommitted(t, vm, "b")

	t1 := begin(t, vm, ReadCommitted)
	t2 := begin(t, vm, ReadCommitted)
	_, err := vm.Delete(t1, a)
	require.NoError(t, err)
	_, err = vm.Delete(t2, b)
	require.NoError(t, err)

	var g errgroup.Group
	g.Go(func() error {
		_, err := vm.Delete(t1, b)
		return err
	})
	require.Eventually(t, waitingOn(vm, t1), time.Second, time.Millisecond)

	_, err = vm.Delete(t2, a)
	require.ErrorIs(t, err, common.ErrDeadlock)
	require.True(t, common.IsRetryable(err))

	// The victim is aborted at once and everything it held is released, so
	// the survivor gets b and finishes.
	require.NoError(t, g.Wait())
	require.True(t, tm.IsAborted(t2))
	holder, ok := vm.lt.Holder(b)
	require.True(t, ok)
	require.Equal(t, t1, holder)

	// Every later call of the victim reports the abort.
	_, err = vm.Read(t2, a)
	require.ErrorIs(t, err, common.ErrConcurrentUpdate)
	_, err = vm.Insert(t2, []byte("x"))
	require.ErrorIs(t, err, common.ErrConcurrentUpdate)
	require.ErrorIs(t, vm.Commit(t2), common.ErrConcurrentUpdate)

	require.NoError(t, vm.Commit(t1))
	reader := begin(t, vm, ReadCommitted)
	require.Nil(t, read(t, vm, reader, a))
	require.Nil(t, read(t, vm, reader, b))
	require.Equal(t, int64(1), vm.Stats().Deadlocks)
}

func TestAbortAfterAutoAbortOnlyForgets(t *testing.T) {
	vm, _ := setupVersionManager(t)
	uid := insertCommitted(t, vm, "row")

	rr := begin(t, vm, RepeatableRead)
	deleter := begin(t, vm, ReadCommitted)
	ok, err := vm.Delete(deleter, uid)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, vm.Commit(deleter))

	_, err = vm.Delete(rr, uid)
	require.ErrorIs(t, err, common.ErrVersionSkip)
	require.ErrorIs(t, err, common.ErrConcurrentUpdate)

	require.NoError(t, vm.Abort(rr))
	require.Zero(t, vm.Active())
	_, err = vm.Read(rr, uid)
	require.ErrorIs(t, err, common.ErrNoTransaction)

	stats := vm.Stats()
	require.Equal(t, int64(1), stats.VersionSkips)
	require.Equal(t, int64(1), stats.AutoAborted)
	require.Equal(t, int64(1), stats.Aborted)
}

func TestUnknownTransaction(t *testing.T) {
	vm, _ := setupVersionManager(t)
	_, err := vm.Read(99, 1)
	require.ErrorIs(t, err, common.ErrNoTransaction)
	require.ErrorIs(t, vm.Commit(99), common.ErrNotFound)
	require.ErrorIs(t, vm.Abort(99), common.ErrNoTransaction)
}

func TestReadMissingEntry(t *testing.T) {
	vm, _ := setupVersionManager(t)
	xid := begin(t, vm, ReadCommitted)
	require.Nil(t, read(t, vm, xid, 99<<32|10))

	ok, err := vm.Delete(xid, 99<<32|10)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, vm.Commit(xid))
}

func TestInvalidRequestKeepsTransaction(t *testing.T) {
	vm, _ := setupVersionManager(t)
	xid := begin(t, vm, ReadCommitted)
	_, err := vm.Insert(xid, make([]byte, pagemanager.PageSize))
	require.ErrorIs(t, err, common.ErrDataTooLarge)

	uid, err := vm.Insert(xid, []byte("fits"))
	require.NoError(t, err)
	require.NoError(t, vm.Commit(xid))
	require.NotZero(t, uid)
}

func TestConcurrentCommitAndAbortFinishOnce(t *testing.T) {
	vm, _ := setupVersionManager(t)
	const rounds = 50
	for i := 0; i < rounds; i++ {
		xid := begin(t, vm, ReadCommitted)
		_, err := vm.Insert(xid, []byte("row"))
		require.NoError(t, err)

		var g errgroup.Group
		g.Go(func() error {
			_ = vm.Commit(xid)
			return nil
		})
		g.Go(func() error {
			_ = vm.Abort(xid)
			return nil
		})
		require.NoError(t, g.Wait())
	}

	stats := vm.Stats()
	require.Equal(t, int64(rounds), stats.Committed+stats.Aborted)
	require.Zero(t, vm.Active())
}
