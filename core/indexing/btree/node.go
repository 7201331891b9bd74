package btree

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/sushant-115/minidb/core/storage_engine/common"
	"github.com/sushant-115/minidb/core/storage_engine/dataitem"
	"github.com/sushant-115/minidb/core/transaction"
)

// --- BTree Node Layout ---
//
// [isLeaf:1][numKeys:2][sibling:8][child0:8][key0:8]...[childN:8][keyN:8]
//
// Leaf children are the uids the index maps keys to; internal children are
// node uids. The last key of the rightmost node on every level is MaxKey.

const (
	nodeIsLeafOffset  = 0
	nodeNumKeysOffset = nodeIsLeafOffset + 1
	nodeSiblingOffset = nodeNumKeysOffset + 2
	nodeHeaderSize    = nodeSiblingOffset + 8

	slotSize = 2 * 8

	// balanceNumber is half the capacity of a node; a node holding twice as
	// many keys is split in two.
	balanceNumber = 32

	nodeSize = nodeHeaderSize + slotSize*(2*balanceNumber+2)

	// MaxKey bounds every key range and is never a user key.
	MaxKey int64 = math.MaxInt64
)

func setLeaf(raw []byte, isLeaf bool) {
	if isLeaf {
		raw[nodeIsLeafOffset] = 1
	} else {
		raw[nodeIsLeafOffset] = 0
	}
}

func isLeafRaw(raw []byte) bool { return raw[nodeIsLeafOffset] == 1 }

func setNumKeys(raw []byte, n int) {
	binary.LittleEndian.PutUint16(raw[nodeNumKeysOffset:], uint16(n))
}

func numKeys(raw []byte) int {
	return int(binary.LittleEndian.Uint16(raw[nodeNumKeysOffset:]))
}

func setSibling(raw []byte, uid uint64) {
	binary.LittleEndian.PutUint64(raw[nodeSiblingOffset:], uid)
}

func sibling(raw []byte) uint64 {
	return binary.LittleEndian.Uint64(raw[nodeSiblingOffset:])
}

func setKthChild(raw []byte, uid uint64, kth int) {
	binary.LittleEndian.PutUint64(raw[nodeHeaderSize+kth*slotSize:], uid)
}

func kthChild(raw []byte, kth int) uint64 {
	return binary.LittleEndian.Uint64(raw[nodeHeaderSize+kth*slotSize:])
}

func setKthKey(raw []byte, key int64, kth int) {
	binary.LittleEndian.PutUint64(raw[nodeHeaderSize+kth*slotSize+8:], uint64(key))
}

func kthKey(raw []byte, kth int) int64 {
	return int64(binary.LittleEndian.Uint64(raw[nodeHeaderSize+kth*slotSize+8:]))
}

// copyFromKth copies the slots of from starting at kth to the start of to's slots.
func copyFromKth(from, to []byte, kth int) {
	copy(to[nodeHeaderSize:], from[nodeHeaderSize+kth*slotSize:])
}

// shiftKth moves the slots from kth on one slot to the right.
func shiftKth(raw []byte, kth int) {
	begin := nodeHeaderSize + kth*slotSize
	copy(raw[begin+slotSize:nodeSize], raw[begin:nodeSize-slotSize])
}

func newRootRaw(left, right uint64, key int64) []byte {
	raw := make([]byte, nodeSize)
	setLeaf(raw, false)
	setNumKeys(raw, 2)
	setSibling(raw, 0)
	setKthChild(raw, left, 0)
	setKthKey(raw, key, 0)
	setKthChild(raw, right, 1)
	setKthKey(raw, MaxKey, 1)
	return raw
}

func newNilRootRaw() []byte {
	raw := make([]byte, nodeSize)
	setLeaf(raw, true)
	setNumKeys(raw, 0)
	setSibling(raw, 0)
	return raw
}

// node is a loaded tree node. It holds a reference to its data item until
// release is called.
type node struct {
	tree *BTree
	di   *dataitem.DataItem
	raw  []byte
	uid  uint64
}

func (t *BTree) loadNode(uid uint64) (*node, error) {
	di, err := t.storage.Read(uid)
	if err != nil {
		return nil, fmt.Errorf("failed to load node %d: %w", uid, err)
	}
	if di == nil {
		return nil, fmt.Errorf("node %d: %w", uid, common.ErrNullEntry)
	}
	raw := di.Data()
	if len(raw) != nodeSize {
		di.Release()
		return nil, fmt.Errorf("node %d is %d bytes: %w", uid, len(raw), ErrCorruptNode)
	}
	return &node{tree: t, di: di, raw: raw, uid: uid}, nil
}

func (n *node) release() { n.di.Release() }

func (n *node) isLeaf() bool {
	n.di.RLock()
	defer n.di.RUnlock()
	return isLeafRaw(n.raw)
}

// searchNext returns the child to descend into for key, or 0 and the sibling
// to move right to when every key of the node is smaller.
func (n *node) searchNext(key int64) (child, next uint64) {
	n.di.RLock()
	defer n.di.RUnlock()
	keys := numKeys(n.raw)
	for i := 0; i < keys; i++ {
		if key <= kthKey(n.raw, i) {
			return kthChild(n.raw, i), 0
		}
	}
	return 0, sibling(n.raw)
}

// leafSearchRange collects the children with keys in [left, right]. The
// sibling is returned when the range may continue past this leaf.
func (n *node) leafSearchRange(left, right int64) (uids []uint64, next uint64) {
	n.di.RLock()
	defer n.di.RUnlock()
	keys := numKeys(n.raw)
	kth := 0
	for kth < keys && kthKey(n.raw, kth) < left {
		kth++
	}
	for kth < keys && kthKey(n.raw, kth) <= right {
		uids = append(uids, kthChild(n.raw, kth))
		kth++
	}
	if kth == keys {
		next = sibling(n.raw)
	}
	return uids, next
}

// insertResult tells the caller of insertAndSplit where to go next. A non-zero
// next means the key belongs to the right sibling. A non-zero newChild is the
// node split off, to be linked into the parent under newKey.
type insertResult struct {
	next     uint64
	newChild uint64
	newKey   int64
}

// insertAndSplit inserts (child, key), splitting the node if it fills up. The
// change is logged under the super transaction.
func (n *node) insertAndSplit(child uint64, key int64) (insertResult, error) {
	var res insertResult
	n.di.Before()
	if !n.insert(child, key) {
		res.next = sibling(n.raw)
		n.di.UnBefore()
		return res, nil
	}
	if numKeys(n.raw) == 2*balanceNumber {
		newChild, newKey, err := n.split()
		if err != nil {
			n.di.UnBefore()
			return res, err
		}
		res.newChild, res.newKey = newChild, newKey
	}
	if err := n.di.After(transaction.SuperXID); err != nil {
		return insertResult{}, err
	}
	return res, nil
}

// insert places (child, key) before the first key >= key. It reports false
// when key is larger than every key and the node has a right sibling.
func (n *node) insert(child uint64, key int64) bool {
	keys := numKeys(n.raw)
	kth := 0
	for kth < keys && kthKey(n.raw, kth) < key {
		kth++
	}
	if kth == keys && sibling(n.raw) != 0 {
		return false
	}

	if isLeafRaw(n.raw) {
		shiftKth(n.raw, kth)
		setKthKey(n.raw, key, kth)
		setKthChild(n.raw, child, kth)
	} else {
		// The child at kth keeps keys below the split key; the new child
		// takes over kth's old upper bound.
		oldKey := kthKey(n.raw, kth)
		setKthKey(n.raw, key, kth)
		shiftKth(n.raw, kth+1)
		setKthKey(n.raw, oldKey, kth+1)
		setKthChild(n.raw, child, kth+1)
	}
	setNumKeys(n.raw, keys+1)
	return true
}

// split moves the upper half of the node into a new node linked as its right
// sibling and returns the new node's uid and first key.
func (n *node) split() (uint64, int64, error) {
	raw := make([]byte, nodeSize)
	setLeaf(raw, isLeafRaw(n.raw))
	setNumKeys(raw, balanceNumber)
	setSibling(raw, sibling(n.raw))
	copyFromKth(n.raw, raw, balanceNumber)

	uid, err := n.tree.storage.Insert(transaction.SuperXID, raw)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to store split node: %w", err)
	}
	setNumKeys(n.raw, balanceNumber)
	setSibling(n.raw, uid)
	return uid, kthKey(raw, 0), nil
}

func (n *node) String() string {
	n.di.RLock()
	defer n.di.RUnlock()
	var sb strings.Builder
	keys := numKeys(n.raw)
	fmt.Fprintf(&sb, "node %d leaf=%t keys=%d sibling=%d\n", n.uid, isLeafRaw(n.raw), keys, sibling(n.raw))
	for i := 0; i < keys; i++ {
		fmt.Fprintf(&sb, "  child=%d key=%d\n", kthChild(n.raw, i), kthKey(n.raw, i))
	}
	return sb.String()
}
