package datamanager

import (
	"errors"
	"fmt"
	"io"

	"github.com/sushant-115/minidb/core/storage_engine/common"
	"github.com/sushant-115/minidb/core/storage_engine/dataitem"
	bufferpool "github.com/sushant-115/minidb/core/write_engine/buffer_pool"
	pagemanager "github.com/sushant-115/minidb/core/write_engine/page_manager"
	"github.com/sushant-115/minidb/core/write_engine/wal"
	"go.uber.org/zap"
)

// TransactionStatus is the view of the transaction status store recovery needs.
type TransactionStatus interface {
	IsActive(xid uint64) bool
	Abort(xid uint64) error
}

// RecoveryStats summarizes one recovery run.
type RecoveryStats struct {
	MaxPageID pagemanager.PageID
	Redone    int
	Undone    int
	Aborted   int
}

// recoverer replays the log against the page store after an unclean shutdown.
type recoverer struct {
	tm     TransactionStatus
	log    *wal.LogManager
	pool   *bufferpool.BufferPool
	logger *zap.Logger
}

// Recover brings the page store back to the state where every finished
// transaction's changes are applied and every unfinished one is rolled back
// and marked aborted.
func Recover(tm TransactionStatus, log *wal.LogManager, pool *bufferpool.BufferPool, logger *zap.Logger) (RecoveryStats, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &recoverer{tm: tm, log: log, pool: pool, logger: logger}
	var stats RecoveryStats
	logger.Info("recovery started")

	maxPageID, err := r.truncateToLoggedPages()
	if err != nil {
		return stats, err
	}
	stats.MaxPageID = maxPageID
	logger.Info("page file truncated for recovery", zap.Uint32("max_page_id", uint32(maxPageID)))

	if stats.Redone, err = r.redo(); err != nil {
		return stats, err
	}
	logger.Info("redo finished", zap.Int("records", stats.Redone))

	if stats.Undone, stats.Aborted, err = r.undo(); err != nil {
		return stats, err
	}
	logger.Info("undo finished", zap.Int("records", stats.Undone), zap.Int("aborted_transactions", stats.Aborted))
	logger.Info("recovery finished")
	return stats, nil
}

// forEach calls fn for every well-formed record from the start of the log.
func (r *recoverer) forEach(fn func(log []byte) error) error {
	r.log.Rewind()
	for {
		record, err := r.log.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(record); err != nil {
			return err
		}
	}
}

// truncateToLoggedPages drops pages no log record refers to. They were
// allocated by an insert that never reached the log.
func (r *recoverer) truncateToLoggedPages() (pagemanager.PageID, error) {
	var maxPageID pagemanager.PageID
	err := r.forEach(func(log []byte) error {
		_, pageID, err := logXIDAndPage(log)
		if err != nil {
			return err
		}
		maxPageID = max(maxPageID, pageID)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if maxPageID == 0 {
		maxPageID = 1
	}
	return maxPageID, r.pool.Truncate(maxPageID)
}

func (r *recoverer) redo() (int, error) {
	n := 0
	err := r.forEach(func(log []byte) error {
		xid, _, err := logXIDAndPage(log)
		if err != nil {
			return err
		}
		if r.tm.IsActive(xid) {
			return nil
		}
		n++
		return r.apply(log, true)
	})
	return n, err
}

func (r *recoverer) undo() (int, int, error) {
	pending := make(map[uint64][][]byte)
	var order []uint64
	err := r.forEach(func(log []byte) error {
		xid, _, err := logXIDAndPage(log)
		if err != nil {
			return err
		}
		if !r.tm.IsActive(xid) {
			return nil
		}
		if _, ok := pending[xid]; !ok {
			order = append(order, xid)
		}
		// Next returns a fresh slice per record, so keeping it is safe.
		pending[xid] = append(pending[xid], log)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	n := 0
	for _, xid := range order {
		logs := pending[xid]
		for i := len(logs) - 1; i >= 0; i-- {
			if err := r.apply(logs[i], false); err != nil {
				return n, 0, err
			}
			n++
		}
		if err := r.tm.Abort(xid); err != nil {
			return n, 0, fmt.Errorf("failed to abort transaction %d during recovery: %w", xid, err)
		}
		r.logger.Warn("rolled back unfinished transaction", zap.Uint64("xid", xid), zap.Int("records", len(logs)))
	}
	return n, len(order), nil
}

// apply redoes or undoes one record.
func (r *recoverer) apply(log []byte, redo bool) error {
	t, err := recordType(log)
	if err != nil {
		return err
	}
	var (
		pageID pagemanager.PageID
		offset uint16
		raw    []byte
	)
	if t == LogTypeInsert {
		rec, err := decodeInsertLog(log)
		if err != nil {
			return err
		}
		pageID, offset, raw = rec.pageID, rec.offset, rec.raw
		if !redo {
			raw = append([]byte(nil), raw...)
			dataitem.SetRawInvalid(raw)
		}
	} else {
		rec, err := decodeUpdateLog(log)
		if err != nil {
			return err
		}
		pageID, offset, raw = rec.pageID, rec.offset, rec.oldRaw
		if redo {
			raw = rec.newRaw
		}
	}
	if pageID == pagemanager.InvalidPageID || int(offset)+len(raw) > pagemanager.PageSize {
		return fmt.Errorf("log record addresses %d/%d with %d bytes: %w", pageID, offset, len(raw), common.ErrBadLogFile)
	}

	page, err := r.pool.FetchPage(pageID)
	if err != nil {
		return fmt.Errorf("failed to fetch page %d for recovery: %w", pageID, err)
	}
	defer r.pool.ReleasePage(page)
	if t == LogTypeInsert {
		pagemanager.RecoverInsert(page, raw, offset)
	} else {
		pagemanager.RecoverUpdate(page, raw, offset)
	}
	return nil
}
