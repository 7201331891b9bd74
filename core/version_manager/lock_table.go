package versionmanager

import (
	"slices"
	"sync"

	"github.com/sushant-115/minidb/core/storage_engine/common"
	"go.uber.org/zap"
)

// LockTable tracks which transaction holds which uid and who waits for it.
// Holding a uid is the right to delete it. Every request that would close a
// cycle in the wait-for graph is refused with ErrDeadlock.
type LockTable struct {
	mu sync.Mutex

	x2u    map[uint64][]uint64      // xid to the uids it holds
	u2x    map[uint64]uint64        // uid to its holder
	wait   map[uint64][]uint64      // uid to its waiters, oldest first
	waitCh map[uint64]chan struct{} // xid to the channel closed when it is granted
	waitU  map[uint64]uint64        // xid to the uid it waits for

	// Deadlock detection state, reset on every check.
	xidStamp map[uint64]int
	stamp    int

	logger *zap.Logger
}

// NewLockTable returns an empty lock table.
func NewLockTable(logger *zap.Logger) *LockTable {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockTable{
		x2u:    make(map[uint64][]uint64),
		u2x:    make(map[uint64]uint64),
		wait:   make(map[uint64][]uint64),
		waitCh: make(map[uint64]chan struct{}),
		waitU:  make(map[uint64]uint64),
		logger: logger,
	}
}

// Add requests uid for xid. It returns a nil channel when the uid is granted
// at once, and otherwise a channel that is closed once xid holds the uid. If
// waiting would deadlock, the request is withdrawn and ErrDeadlock returned.
func (lt *LockTable) Add(xid, uid uint64) (<-chan struct{}, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if slices.Contains(lt.x2u[xid], uid) {
		return nil, nil
	}
	if _, held := lt.u2x[uid]; !held {
		lt.grantLocked(xid, uid)
		return nil, nil
	}

	lt.waitU[xid] = uid
	lt.wait[uid] = append(lt.wait[uid], xid)
	if lt.hasDeadlockLocked() {
		delete(lt.waitU, xid)
		lt.removeWaiterLocked(uid, xid)
		lt.logger.Warn("deadlock detected", zap.Uint64("xid", xid), zap.Uint64("uid", uid))
		return nil, common.ErrDeadlock
	}
	ch := make(chan struct{})
	lt.waitCh[xid] = ch
	lt.logger.Debug("waiting for uid", zap.Uint64("xid", xid), zap.Uint64("uid", uid), zap.Uint64("holder", lt.u2x[uid]))
	return ch, nil
}

// Remove releases every uid xid holds, handing each to its oldest waiter,
// and withdraws any wait of xid. A withdrawn wait's channel is closed without
// a grant; Holds tells the two apart.
func (lt *LockTable) Remove(xid uint64) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	for _, uid := range lt.x2u[xid] {
		lt.selectNewXIDLocked(uid)
	}
	if uid, ok := lt.waitU[xid]; ok {
		lt.removeWaiterLocked(uid, xid)
	}
	if ch, ok := lt.waitCh[xid]; ok {
		close(ch)
	}
	delete(lt.waitU, xid)
	delete(lt.x2u, xid)
	delete(lt.waitCh, xid)
}

// Holds reports whether xid holds uid.
func (lt *LockTable) Holds(xid, uid uint64) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	holder, ok := lt.u2x[uid]
	return ok && holder == xid
}

// Holder returns the transaction holding uid.
func (lt *LockTable) Holder(uid uint64) (uint64, bool) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	xid, ok := lt.u2x[uid]
	return xid, ok
}

func (lt *LockTable) grantLocked(xid, uid uint64) {
	lt.u2x[uid] = xid
	lt.x2u[xid] = append(lt.x2u[xid], uid)
}

// selectNewXIDLocked frees uid and grants it to the oldest live waiter.
func (lt *LockTable) selectNewXIDLocked(uid uint64) {
	delete(lt.u2x, uid)
	waiters := lt.wait[uid]
	for len(waiters) > 0 {
		xid := waiters[0]
		waiters = waiters[1:]
		ch, ok := lt.waitCh[xid]
		if !ok {
			continue
		}
		lt.grantLocked(xid, uid)
		delete(lt.waitCh, xid)
		delete(lt.waitU, xid)
		close(ch)
		break
	}
	if len(waiters) == 0 {
		delete(lt.wait, uid)
	} else {
		lt.wait[uid] = waiters
	}
}

func (lt *LockTable) removeWaiterLocked(uid, xid uint64) {
	waiters := lt.wait[uid]
	if i := slices.Index(waiters, xid); i >= 0 {
		waiters = slices.Delete(waiters, i, i+1)
	}
	if len(waiters) == 0 {
		delete(lt.wait, uid)
	} else {
		lt.wait[uid] = waiters
	}
}

// hasDeadlockLocked looks for a cycle in the wait-for graph. Every DFS run
// gets a new stamp; reaching a node with the current stamp closes a cycle,
// reaching one with an older stamp joins a path already known to be acyclic.
func (lt *LockTable) hasDeadlockLocked() bool {
	lt.xidStamp = make(map[uint64]int)
	lt.stamp = 1
	start := func(xid uint64) bool {
		if lt.xidStamp[xid] > 0 {
			return false
		}
		lt.stamp++
		return lt.dfsLocked(xid)
	}
	for xid := range lt.x2u {
		if start(xid) {
			return true
		}
	}
	for xid := range lt.waitU {
		if start(xid) {
			return true
		}
	}
	return false
}

func (lt *LockTable) dfsLocked(xid uint64) bool {
	for {
		stamp, seen := lt.xidStamp[xid]
		if seen && stamp == lt.stamp {
			return true
		}
		if seen && stamp < lt.stamp {
			return false
		}
		lt.xidStamp[xid] = lt.stamp

		uid, waiting := lt.waitU[xid]
		if !waiting {
			return false
		}
		holder, held := lt.u2x[uid]
		if !held {
			return false
		}
		xid = holder
	}
}
