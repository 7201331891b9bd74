// Package versionmanager layers multi-version records over the data manager:
// every record carries the transaction that created it and the one that
// deleted it, and each transaction sees the versions its isolation level
// allows.
package versionmanager

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sushant-115/minidb/core/storage_engine/common"
	"github.com/sushant-115/minidb/core/storage_engine/dataitem"
	"github.com/sushant-115/minidb/core/transaction"
	"go.uber.org/zap"
)

const superXID = transaction.SuperXID

// TransactionStore persists transaction states.
type TransactionStore interface {
	StatusChecker
	Begin() (uint64, error)
	Commit(xid uint64) error
	Abort(xid uint64) error
}

// Storage stores the data items entries live in.
type Storage interface {
	Read(uid uint64) (*dataitem.DataItem, error)
	Insert(xid uint64, data []byte) (uint64, error)
}

// Stats is a snapshot of transaction counters.
type Stats struct {
	Begun        int64
	Committed    int64
	Aborted      int64
	AutoAborted  int64
	Deadlocks    int64
	VersionSkips int64
}

// VersionManager runs transactions over versioned entries.
type VersionManager struct {
	tm      TransactionStore
	storage Storage
	lt      *LockTable

	mu     sync.Mutex
	active map[uint64]*Transaction

	entries *common.RefCache[uint64, *Entry]

	begun, committed, aborted, autoAborted, deadlocks, versionSkips atomic.Int64

	logger *zap.Logger
}

// New returns a version manager over tm and storage.
func New(tm TransactionStore, storage Storage, logger *zap.Logger) *VersionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	vm := &VersionManager{
		tm:      tm,
		storage: storage,
		lt:      NewLockTable(logger),
		active:  make(map[uint64]*Transaction),
		logger:  logger,
	}
	vm.active[superXID] = newTransaction(superXID, ReadCommitted, nil)
	vm.entries = common.NewRefCache(vm.loadEntry, func(e *Entry) { e.di.Release() })
	return vm
}

func (vm *VersionManager) loadEntry(uid uint64) (*Entry, error) {
	di, err := vm.storage.Read(uid)
	if err != nil {
		return nil, err
	}
	if di == nil {
		return nil, fmt.Errorf("entry %d: %w", uid, common.ErrNullEntry)
	}
	if len(di.Data()) < entryHeader {
		di.Release()
		return nil, fmt.Errorf("entry %d is %d bytes: %w", uid, len(di.Data()), common.ErrBadPageFile)
	}
	return &Entry{uid: uid, di: di}, nil
}

func (vm *VersionManager) transaction(xid uint64) (*Transaction, error) {
	vm.mu.Lock()
	t, ok := vm.active[xid]
	vm.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("xid %d: %w", xid, common.ErrNoTransaction)
	}
	if err := t.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

// Begin starts a transaction.
func (vm *VersionManager) Begin(level IsolationLevel) (uint64, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	xid, err := vm.tm.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	vm.active[xid] = newTransaction(xid, level, vm.active)
	vm.begun.Add(1)
	vm.logger.Debug("transaction started", zap.Uint64("xid", xid), zap.Stringer("level", level))
	return xid, nil
}

// Read returns the payload of the entry at uid if xid can see it, or nil.
func (vm *VersionManager) Read(xid, uid uint64) ([]byte, error) {
	t, err := vm.transaction(xid)
	if err != nil {
		return nil, err
	}
	e, err := vm.entries.Get(uid)
	if err != nil {
		if errors.Is(err, common.ErrNullEntry) {
			return nil, nil
		}
		return nil, vm.fail(t, err)
	}
	defer vm.entries.Release(uid)
	if !IsVisible(vm.tm, t, e.XMin(), e.XMax()) {
		return nil, nil
	}
	return e.Data(), nil
}

// Insert stores data as a new entry created by xid and returns its uid.
func (vm *VersionManager) Insert(xid uint64, data []byte) (uint64, error) {
	t, err := vm.transaction(xid)
	if err != nil {
		return 0, err
	}
	uid, err := vm.storage.Insert(xid, wrapEntryRaw(xid, data))
	if err != nil {
		return 0, vm.fail(t, err)
	}
	return uid, nil
}

// Delete marks the entry at uid deleted by xid. It reports false when xid
// cannot see the entry or has already deleted it. Deleting an entry another
// running transaction deleted blocks until that transaction finishes.
func (vm *VersionManager) Delete(xid, uid uint64) (bool, error) {
	t, err := vm.transaction(xid)
	if err != nil {
		return false, err
	}
	e, err := vm.entries.Get(uid)
	if err != nil {
		if errors.Is(err, common.ErrNullEntry) {
			return false, nil
		}
		return false, vm.fail(t, err)
	}
	defer vm.entries.Release(uid)

	if !IsVisible(vm.tm, t, e.XMin(), e.XMax()) {
		return false, nil
	}
	granted, err := vm.lt.Add(xid, uid)
	if err != nil {
		vm.deadlocks.Add(1)
		return false, vm.fail(t, err)
	}
	if granted != nil {
		<-granted
		// The wait also ends when xid is aborted meanwhile.
		if !vm.lt.Holds(xid, uid) {
			if err := t.Err(); err != nil {
				return false, err
			}
			return false, fmt.Errorf("xid %d aborted while waiting for %d: %w", xid, uid, common.ErrNoTransaction)
		}
	}

	xmax := e.XMax()
	if xmax == xid {
		return false, nil
	}
	if IsVersionSkip(vm.tm, t, xmax) {
		vm.versionSkips.Add(1)
		return false, vm.fail(t, fmt.Errorf("entry %d deleted by %d: %w", uid, xmax, common.ErrVersionSkip))
	}
	if err := e.setXMax(xid); err != nil {
		return false, vm.fail(t, err)
	}
	return true, nil
}

// fail aborts t on behalf of the engine. Requests the caller got wrong
// leave the transaction running.
func (vm *VersionManager) fail(t *Transaction, err error) error {
	if errors.Is(err, common.ErrInvalidRequest) || t.XID == superXID {
		return err
	}
	if !t.setErr(err) {
		return err
	}
	if abortErr := vm.internAbort(t.XID, true); abortErr != nil {
		vm.logger.Error("failed to abort transaction", zap.Uint64("xid", t.XID), zap.Error(abortErr))
	}
	vm.autoAborted.Add(1)
	vm.logger.Warn("transaction aborted by the engine", zap.Uint64("xid", t.XID), zap.Error(err))
	return err
}

// Commit commits xid. A transaction the engine aborted cannot commit; the
// call returns the error that aborted it and forgets the transaction.
func (vm *VersionManager) Commit(xid uint64) error {
	vm.mu.Lock()
	t, ok := vm.active[xid]
	if ok && xid != superXID {
		delete(vm.active, xid)
	}
	vm.mu.Unlock()
	if !ok || xid == superXID {
		return fmt.Errorf("xid %d: %w", xid, common.ErrNoTransaction)
	}
	if err := t.Err(); err != nil {
		return err
	}
	if !t.finish() {
		return fmt.Errorf("xid %d: %w", xid, common.ErrNoTransaction)
	}

	vm.lt.Remove(xid)
	if err := vm.tm.Commit(xid); err != nil {
		return fmt.Errorf("failed to commit transaction %d: %w", xid, err)
	}
	vm.committed.Add(1)
	vm.logger.Debug("transaction committed", zap.Uint64("xid", xid))
	return nil
}

// Abort aborts xid. Aborting a transaction the engine already aborted only
// forgets it.
func (vm *VersionManager) Abort(xid uint64) error {
	vm.mu.Lock()
	_, ok := vm.active[xid]
	vm.mu.Unlock()
	if !ok || xid == superXID {
		return fmt.Errorf("xid %d: %w", xid, common.ErrNoTransaction)
	}
	return vm.internAbort(xid, false)
}

func (vm *VersionManager) internAbort(xid uint64, auto bool) error {
	vm.mu.Lock()
	t := vm.active[xid]
	if !auto {
		delete(vm.active, xid)
	}
	vm.mu.Unlock()
	if t == nil || !t.finish() {
		return nil
	}

	vm.lt.Remove(xid)
	if err := vm.tm.Abort(xid); err != nil {
		return fmt.Errorf("failed to abort transaction %d: %w", xid, err)
	}
	vm.aborted.Add(1)
	vm.logger.Debug("transaction aborted", zap.Uint64("xid", xid), zap.Bool("auto", auto))
	return nil
}

// Active returns the number of running transactions, not counting the super
// transaction.
func (vm *VersionManager) Active() int {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return len(vm.active) - 1
}

// AbortAll aborts every running transaction and returns how many there were.
func (vm *VersionManager) AbortAll() (int, error) {
	vm.mu.Lock()
	xids := make([]uint64, 0, len(vm.active))
	for xid := range vm.active {
		if xid != superXID {
			xids = append(xids, xid)
		}
	}
	vm.mu.Unlock()

	var errs []error
	for _, xid := range xids {
		if err := vm.Abort(xid); err != nil && !errors.Is(err, common.ErrNoTransaction) {
			errs = append(errs, err)
		}
	}
	return len(xids), errors.Join(errs...)
}

// Stats returns the transaction counters.
func (vm *VersionManager) Stats() Stats {
	return Stats{
		Begun:        vm.begun.Load(),
		Committed:    vm.committed.Load(),
		Aborted:      vm.aborted.Load(),
		AutoAborted:  vm.autoAborted.Load(),
		Deadlocks:    vm.deadlocks.Load(),
		VersionSkips: vm.versionSkips.Load(),
	}
}

// Close releases every cached entry.
func (vm *VersionManager) Close() {
	vm.entries.Close()
}
