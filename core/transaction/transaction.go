package transaction

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/sushant-115/minidb/core/storage_engine/common"
	"go.uber.org/zap"
)

// TransactionState is the persisted one-byte status of a transaction.
type TransactionState byte

const (
	TxnStateActive    TransactionState = iota // Transaction is running or was running at crash time
	TxnStateCommitted                         // Transaction committed
	TxnStateAborted                           // Transaction aborted, explicitly or by recovery
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateActive:
		return "active"
	case TxnStateCommitted:
		return "committed"
	case TxnStateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", byte(s))
	}
}

const (
	// SuperXID is used for engine-internal writes. It is always committed.
	SuperXID uint64 = 0

	XIDSuffix = ".xid"

	// headerLength is the size of the persisted xid counter.
	headerLength = 8
	// statusSize is the size of one transaction status slot.
	statusSize = 1
)

// StatusStore persists per-transaction states in a header+array file:
// [counter:8][status(1)][status(2)]...[status(counter)].
// A status is written and synced before the call that changes it returns.
type StatusStore struct {
	mu       sync.RWMutex
	file     *os.File
	counter  uint64
	statuses []TransactionState // statuses[xid-1], mirror of the file
	logger   *zap.Logger
}

// CreateStatusStore creates a new status file at path+".xid".
func CreateStatusStore(path string, logger *zap.Logger) (*StatusStore, error) {
	name := path + XIDSuffix
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%s: %w", name, common.ErrFileExists)
		}
		return nil, fmt.Errorf("failed to create status file %s: %w", name, err)
	}
	header := make([]byte, headerLength)
	if _, err := f.WriteAt(header, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write status file header: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to sync status file: %w", err)
	}
	return newStatusStore(f, 0, nil, logger), nil
}

// OpenStatusStore opens an existing status file and validates its length
// against the persisted counter.
func OpenStatusStore(path string, logger *zap.Logger) (*StatusStore, error) {
	name := path + XIDSuffix
	f, err := os.OpenFile(name, os.O_RDWR, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", name, common.ErrFileNotExists)
		}
		return nil, fmt.Errorf("failed to open status file %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat status file: %w", err)
	}
	if info.Size() < headerLength {
		f.Close()
		return nil, fmt.Errorf("status file is %d bytes: %w", info.Size(), common.ErrBadXIDFile)
	}

	raw := make([]byte, info.Size())
	if _, err := f.ReadAt(raw, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read status file: %w", err)
	}
	counter := binary.LittleEndian.Uint64(raw[:headerLength])
	if statusPosition(counter+1) != info.Size() {
		f.Close()
		return nil, fmt.Errorf("counter %d disagrees with file length %d: %w", counter, info.Size(), common.ErrBadXIDFile)
	}

	statuses := make([]TransactionState, counter)
	for i := range statuses {
		statuses[i] = TransactionState(raw[headerLength+i])
	}
	return newStatusStore(f, counter, statuses, logger), nil
}

func newStatusStore(f *os.File, counter uint64, statuses []TransactionState, logger *zap.Logger) *StatusStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("transaction status store ready", zap.String("file", f.Name()), zap.Uint64("xid_counter", counter))
	return &StatusStore{
		file:     f,
		counter:  counter,
		statuses: statuses,
		logger:   logger,
	}
}

// statusPosition is the file offset of xid's status byte.
func statusPosition(xid uint64) int64 {
	return headerLength + int64(xid-1)*statusSize
}

// Begin allocates the next xid, marks it active and persists the counter.
func (s *StatusStore) Begin() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	xid := s.counter + 1
	if err := s.writeStatus(xid, TxnStateActive); err != nil {
		return 0, err
	}
	header := make([]byte, headerLength)
	binary.LittleEndian.PutUint64(header, xid)
	if _, err := s.file.WriteAt(header, 0); err != nil {
		return 0, fmt.Errorf("failed to persist xid counter: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync xid counter: %w", err)
	}
	s.counter = xid
	s.statuses = append(s.statuses, TxnStateActive)
	s.logger.Debug("transaction begun", zap.Uint64("xid", xid))
	return xid, nil
}

// Commit marks xid committed.
func (s *StatusStore) Commit(xid uint64) error {
	return s.update(xid, TxnStateCommitted)
}

// Abort marks xid aborted.
func (s *StatusStore) Abort(xid uint64) error {
	return s.update(xid, TxnStateAborted)
}

func (s *StatusStore) update(xid uint64, state TransactionState) error {
	if xid == SuperXID {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if xid > s.counter {
		return fmt.Errorf("xid %d beyond counter %d: %w", xid, s.counter, common.ErrNoTransaction)
	}
	if err := s.writeStatus(xid, state); err != nil {
		return err
	}
	s.statuses[xid-1] = state
	s.logger.Debug("transaction status changed", zap.Uint64("xid", xid), zap.Stringer("state", state))
	return nil
}

// writeStatus writes and syncs one status byte. Caller holds s.mu.
func (s *StatusStore) writeStatus(xid uint64, state TransactionState) error {
	if _, err := s.file.WriteAt([]byte{byte(state)}, statusPosition(xid)); err != nil {
		return fmt.Errorf("failed to write status of xid %d: %w", xid, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync status of xid %d: %w", xid, err)
	}
	return nil
}

func (s *StatusStore) check(xid uint64, state TransactionState) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if xid == SuperXID || xid > s.counter {
		return false
	}
	return s.statuses[xid-1] == state
}

// IsActive reports whether xid is active. The super transaction never is.
func (s *StatusStore) IsActive(xid uint64) bool {
	return s.check(xid, TxnStateActive)
}

// IsCommitted reports whether xid committed. The super transaction always has.
func (s *StatusStore) IsCommitted(xid uint64) bool {
	if xid == SuperXID {
		return true
	}
	return s.check(xid, TxnStateCommitted)
}

// IsAborted reports whether xid aborted.
func (s *StatusStore) IsAborted(xid uint64) bool {
	return s.check(xid, TxnStateAborted)
}

// Counter returns the last allocated xid.
func (s *StatusStore) Counter() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counter
}

// Path returns the backing file name.
func (s *StatusStore) Path() string { return s.file.Name() }

// Close closes the backing file.
func (s *StatusStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
