package versionmanager

import (
	"fmt"
	"sync"
)

// IsolationLevel selects the visibility rules a transaction reads under.
type IsolationLevel int

const (
	ReadCommitted  IsolationLevel = 0
	RepeatableRead IsolationLevel = 1
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadCommitted:
		return "READ COMMITTED"
	case RepeatableRead:
		return "REPEATABLE READ"
	default:
		return fmt.Sprintf("IsolationLevel(%d)", int(l))
	}
}

// Transaction is the in-memory state of a running transaction. Its snapshot
// is used by one caller at a time; the abort state may be set from any
// goroutine.
type Transaction struct {
	XID   uint64
	Level IsolationLevel

	// snapshot holds the transactions active when a repeatable-read
	// transaction began.
	snapshot map[uint64]struct{}

	mu sync.Mutex
	// err is returned by every later call once the transaction has been
	// aborted by the engine.
	err error
	// finished is set by the first commit or abort.
	finished bool
}

func newTransaction(xid uint64, level IsolationLevel, active map[uint64]*Transaction) *Transaction {
	t := &Transaction{XID: xid, Level: level}
	if level != ReadCommitted {
		t.snapshot = make(map[uint64]struct{}, len(active))
		for x := range active {
			if x != superXID {
				t.snapshot[x] = struct{}{}
			}
		}
	}
	return t
}

// InSnapshot reports whether xid was active when t began.
func (t *Transaction) InSnapshot(xid uint64) bool {
	if xid == superXID {
		return false
	}
	_, ok := t.snapshot[xid]
	return ok
}

// Err returns the error that aborted the transaction, if any.
func (t *Transaction) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// setErr records the error the engine aborts t with. Only the first error
// sticks; it reports whether err was recorded.
func (t *Transaction) setErr(err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return false
	}
	t.err = err
	return true
}

// finish marks t committed or aborted. It reports false if t was already
// finished.
func (t *Transaction) finish() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return false
	}
	t.finished = true
	return true
}
