// Package indexmanager maps int64 keys to versioned values: the values live
// in version-managed entries and a B+Tree indexes the entries by key.
package indexmanager

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/sushant-115/minidb/core/indexing/btree"
	"github.com/sushant-115/minidb/core/storage_engine/common"
	internaltelemetry "github.com/sushant-115/minidb/internal/telemetry"
	"github.com/sushant-115/minidb/pkg/telemetry"
	"go.uber.org/zap"
)

// Value layout: [key:8][value].
const keySize = 8

// VersionStore reads and writes versioned entries on behalf of a transaction.
// It is satisfied by the version manager.
type VersionStore interface {
	Read(xid, uid uint64) ([]byte, error)
	Insert(xid uint64, data []byte) (uint64, error)
	Delete(xid, uid uint64) (bool, error)
}

// KeyValue is one visible key and its value.
type KeyValue struct {
	Key   int64
	Value []byte
}

// KVIndexManager serves key-value operations inside transactions. The index
// only grows; which versions a transaction sees is decided by the store.
type KVIndexManager struct {
	store   VersionStore
	tree    *btree.BTree
	metrics *internaltelemetry.OperationMetrics
	logger  *zap.Logger
}

// NewKVIndexManager returns a manager over store and tree.
func NewKVIndexManager(store VersionStore, tree *btree.BTree, tel *telemetry.Telemetry, logger *zap.Logger) (*KVIndexManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics, err := internaltelemetry.NewOperationMetrics(tel.Meter, tel.Tracer, "kv")
	if err != nil {
		return nil, fmt.Errorf("failed to create kv metrics: %w", err)
	}
	return &KVIndexManager{
		store:   store,
		tree:    tree,
		metrics: metrics,
		logger:  logger,
	}, nil
}

func encodeValue(key int64, value []byte) []byte {
	raw := make([]byte, keySize+len(value))
	binary.LittleEndian.PutUint64(raw, uint64(key))
	copy(raw[keySize:], value)
	return raw
}

func decodeValue(raw []byte) (int64, []byte, error) {
	if len(raw) < keySize {
		return 0, nil, fmt.Errorf("value record is %d bytes: %w", len(raw), common.ErrBadPageFile)
	}
	return int64(binary.LittleEndian.Uint64(raw)), raw[keySize:], nil
}

func checkKey(key int64) error {
	if key == btree.MaxKey {
		return fmt.Errorf("key %d is reserved: %w", key, common.ErrInvalidCommand)
	}
	return nil
}

// Put stores value under key, replacing the version xid sees.
func (m *KVIndexManager) Put(ctx context.Context, xid uint64, key int64, value []byte) (err error) {
	ctx, span, startTime := m.metrics.StartMetricsAndTrace(ctx, "Put")
	defer func() {
		m.metrics.EndMetricsAndTrace(ctx, span, startTime, "Put", err)
	}()

	if err := checkKey(key); err != nil {
		return err
	}
	if _, err := m.delete(xid, key); err != nil {
		return err
	}
	uid, err := m.store.Insert(xid, encodeValue(key, value))
	if err != nil {
		return err
	}
	if err := m.tree.Insert(key, uid); err != nil {
		return fmt.Errorf("failed to index key %d: %w", key, err)
	}
	m.logger.Debug("key stored", zap.Uint64("xid", xid), zap.Int64("key", key), zap.Uint64("uid", uid))
	return nil
}

// Get returns the value of key visible to xid, or ErrKeyNotFound.
func (m *KVIndexManager) Get(ctx context.Context, xid uint64, key int64) (value []byte, err error) {
	ctx, span, startTime := m.metrics.StartMetricsAndTrace(ctx, "Get")
	defer func() {
		m.metrics.EndMetricsAndTrace(ctx, span, startTime, "Get", err)
	}()

	kvs, err := m.scan(xid, key, key)
	if err != nil {
		return nil, err
	}
	if len(kvs) == 0 {
		return nil, fmt.Errorf("key %d: %w", key, common.ErrKeyNotFound)
	}
	return kvs[0].Value, nil
}

// Delete deletes every version of key visible to xid and reports how many
// there were.
func (m *KVIndexManager) Delete(ctx context.Context, xid uint64, key int64) (n int, err error) {
	ctx, span, startTime := m.metrics.StartMetricsAndTrace(ctx, "Delete")
	defer func() {
		m.metrics.EndMetricsAndTrace(ctx, span, startTime, "Delete", err)
	}()

	if err := checkKey(key); err != nil {
		return 0, err
	}
	return m.delete(xid, key)
}

func (m *KVIndexManager) delete(xid uint64, key int64) (int, error) {
	uids, err := m.tree.Search(key)
	if err != nil {
		return 0, fmt.Errorf("failed to search key %d: %w", key, err)
	}
	deleted := 0
	for _, uid := range uids {
		ok, err := m.store.Delete(xid, uid)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

// Scan returns the entries visible to xid with keys in [lo, hi], in key order.
func (m *KVIndexManager) Scan(ctx context.Context, xid uint64, lo, hi int64) (kvs []KeyValue, err error) {
	ctx, span, startTime := m.metrics.StartMetricsAndTrace(ctx, "Scan")
	defer func() {
		m.metrics.EndMetricsAndTrace(ctx, span, startTime, "Scan", err)
	}()

	if lo > hi {
		return nil, nil
	}
	return m.scan(xid, lo, hi)
}

func (m *KVIndexManager) scan(xid uint64, lo, hi int64) ([]KeyValue, error) {
	uids, err := m.tree.SearchRange(lo, hi)
	if err != nil {
		return nil, fmt.Errorf("failed to search [%d, %d]: %w", lo, hi, err)
	}
	var kvs []KeyValue
	for _, uid := range uids {
		raw, err := m.store.Read(xid, uid)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			continue
		}
		key, value, err := decodeValue(raw)
		if err != nil {
			return nil, err
		}
		kvs = append(kvs, KeyValue{Key: key, Value: value})
	}
	return kvs, nil
}
