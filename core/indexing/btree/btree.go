// Package btree is a B+Tree over int64 keys whose nodes are data items. Nodes
// on one level are chained by sibling links, so a reader that lands left of
// its key moves right instead of restarting from the root.
package btree

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sushant-115/minidb/core/storage_engine/common"
	"github.com/sushant-115/minidb/core/storage_engine/dataitem"
	"github.com/sushant-115/minidb/core/transaction"
)

// --- Errors ---
var (
	ErrCorruptNode = fmt.Errorf("corrupt btree node: %w", common.ErrBadPageFile)
	ErrTreeClosed  = errors.New("btree is closed")
)

// Storage persists tree nodes. It is satisfied by the data manager.
type Storage interface {
	Read(uid uint64) (*dataitem.DataItem, error)
	Insert(xid uint64, data []byte) (uint64, error)
}

// BTree is a handle on a tree identified by its boot uid, the uid of the
// 8-byte record holding the current root's uid.
type BTree struct {
	storage Storage
	bootUID uint64
	boot    *dataitem.DataItem

	// insertMu serializes structural changes so a root split cannot race
	// another one. Searches never take it.
	insertMu sync.Mutex
	closed   atomic.Bool
}

// Create stores an empty tree and returns its boot uid.
func Create(storage Storage) (uint64, error) {
	rootUID, err := storage.Insert(transaction.SuperXID, newNilRootRaw())
	if err != nil {
		return 0, fmt.Errorf("failed to store root: %w", err)
	}
	boot := make([]byte, 8)
	binary.LittleEndian.PutUint64(boot, rootUID)
	bootUID, err := storage.Insert(transaction.SuperXID, boot)
	if err != nil {
		return 0, fmt.Errorf("failed to store boot record: %w", err)
	}
	return bootUID, nil
}

// Load opens the tree whose boot record is at bootUID.
func Load(bootUID uint64, storage Storage) (*BTree, error) {
	boot, err := storage.Read(bootUID)
	if err != nil {
		return nil, fmt.Errorf("failed to load boot record %d: %w", bootUID, err)
	}
	if boot == nil {
		return nil, fmt.Errorf("boot record %d: %w", bootUID, common.ErrNullEntry)
	}
	if len(boot.Data()) != 8 {
		boot.Release()
		return nil, fmt.Errorf("boot record %d is %d bytes: %w", bootUID, len(boot.Data()), ErrCorruptNode)
	}
	return &BTree{storage: storage, bootUID: bootUID, boot: boot}, nil
}

// BootUID returns the uid the tree was loaded from.
func (t *BTree) BootUID() uint64 { return t.bootUID }

func (t *BTree) rootUID() uint64 {
	t.boot.RLock()
	defer t.boot.RUnlock()
	return binary.LittleEndian.Uint64(t.boot.Data())
}

// updateRoot stores a new root over left and right and points the boot
// record at it.
func (t *BTree) updateRoot(left, right uint64, rightKey int64) error {
	rootUID, err := t.storage.Insert(transaction.SuperXID, newRootRaw(left, right, rightKey))
	if err != nil {
		return fmt.Errorf("failed to store new root: %w", err)
	}
	t.boot.Before()
	binary.LittleEndian.PutUint64(t.boot.Data(), rootUID)
	return t.boot.After(transaction.SuperXID)
}

// searchNext returns the child of the node at uid, or of one of its right
// siblings, that covers key.
func (t *BTree) searchNext(uid uint64, key int64) (uint64, error) {
	for {
		n, err := t.loadNode(uid)
		if err != nil {
			return 0, err
		}
		child, next := n.searchNext(key)
		n.release()
		if child != 0 {
			return child, nil
		}
		if next == 0 {
			return 0, fmt.Errorf("key %d beyond the last node of its level: %w", key, ErrCorruptNode)
		}
		uid = next
	}
}

// descend walks from the root to the leaf covering key. It returns the leaf
// and the internal nodes passed on the way, top first.
func (t *BTree) descend(key int64) (uint64, []uint64, error) {
	uid := t.rootUID()
	var path []uint64
	for {
		n, err := t.loadNode(uid)
		if err != nil {
			return 0, nil, err
		}
		leaf := n.isLeaf()
		n.release()
		if leaf {
			return uid, path, nil
		}
		path = append(path, uid)
		if uid, err = t.searchNext(uid, key); err != nil {
			return 0, nil, err
		}
	}
}

// Search returns the uids stored under key.
func (t *BTree) Search(key int64) ([]uint64, error) {
	return t.SearchRange(key, key)
}

// SearchRange returns the uids stored under keys in [left, right], in
// ascending key order.
func (t *BTree) SearchRange(left, right int64) ([]uint64, error) {
	if t.closed.Load() {
		return nil, ErrTreeClosed
	}
	leafUID, _, err := t.descend(left)
	if err != nil {
		return nil, err
	}
	var uids []uint64
	for leafUID != 0 {
		leaf, err := t.loadNode(leafUID)
		if err != nil {
			return nil, err
		}
		found, next := leaf.leafSearchRange(left, right)
		leaf.release()
		uids = append(uids, found...)
		leafUID = next
	}
	return uids, nil
}

// Insert maps key to uid. Keys may repeat.
func (t *BTree) Insert(key int64, uid uint64) error {
	t.insertMu.Lock()
	defer t.insertMu.Unlock()
	if t.closed.Load() {
		return ErrTreeClosed
	}

	rootUID := t.rootUID()
	leafUID, path, err := t.descend(key)
	if err != nil {
		return err
	}

	res, err := t.insertAndSplit(leafUID, uid, key)
	if err != nil {
		return err
	}
	for res.newChild != 0 {
		if len(path) == 0 {
			return t.updateRoot(rootUID, res.newChild, res.newKey)
		}
		parent := path[len(path)-1]
		path = path[:len(path)-1]
		if res, err = t.insertAndSplit(parent, res.newChild, res.newKey); err != nil {
			return err
		}
	}
	return nil
}

// insertAndSplit inserts into the node at uid or the first right sibling
// that accepts the key.
func (t *BTree) insertAndSplit(uid, child uint64, key int64) (insertResult, error) {
	for {
		n, err := t.loadNode(uid)
		if err != nil {
			return insertResult{}, err
		}
		res, err := n.insertAndSplit(child, key)
		n.release()
		if err != nil {
			return insertResult{}, err
		}
		if res.next == 0 {
			return res, nil
		}
		uid = res.next
	}
}

// Close releases the boot record.
func (t *BTree) Close() {
	t.insertMu.Lock()
	defer t.insertMu.Unlock()
	if t.closed.Swap(true) {
		return
	}
	t.boot.Release()
}
