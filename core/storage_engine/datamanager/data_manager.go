// Package datamanager stores data items in the page file, logs every change
// to the write-ahead log and recovers the page file after a crash.
package datamanager

import (
	"errors"
	"fmt"

	"github.com/sushant-115/minidb/core/storage_engine/common"
	"github.com/sushant-115/minidb/core/storage_engine/dataitem"
	pageindex "github.com/sushant-115/minidb/core/storage_engine/page_index"
	bufferpool "github.com/sushant-115/minidb/core/write_engine/buffer_pool"
	pagemanager "github.com/sushant-115/minidb/core/write_engine/page_manager"
	"github.com/sushant-115/minidb/core/write_engine/wal"
	"go.uber.org/zap"
)

const (
	pageOneID = pagemanager.PageID(1)

	// insertAttempts bounds how often Insert looks for a page with room.
	insertAttempts = 5
)

// DataManager is the storage manager: it hands out data items by uid and
// inserts new ones, logging every change before it reaches a page.
type DataManager struct {
	disk      *bufferpool.DiskManager
	pool      *bufferpool.BufferPool
	log       *wal.LogManager
	tm        TransactionStatus
	pageIndex *pageindex.PageIndex
	items     *common.RefCache[uint64, *dataitem.DataItem]
	pageOne   *pagemanager.Page

	recovery *RecoveryStats // set when Open ran recovery
	logger   *zap.Logger
}

// Create creates the page file and log at path with a cache of cacheSize bytes.
func Create(path string, cacheSize int64, tm TransactionStatus, logger *zap.Logger) (*DataManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	disk, err := bufferpool.CreateDiskManager(path)
	if err != nil {
		return nil, err
	}
	pool, err := bufferpool.NewBufferPool(disk, cacheSize, logger.Named("buffer_pool"))
	if err != nil {
		disk.Close()
		return nil, err
	}
	log, err := wal.CreateLogManager(path, logger.Named("wal"))
	if err != nil {
		pool.Close()
		return nil, err
	}
	dm := newDataManager(disk, pool, log, tm, logger)

	pageID, err := pool.NewPage(pagemanager.InitPageOneRaw())
	if err == nil && pageID != pageOneID {
		err = fmt.Errorf("first page of a new file is %d: %w", pageID, common.ErrBadPageFile)
	}
	if err == nil {
		dm.pageOne, err = pool.FetchPage(pageOneID)
	}
	if err == nil {
		err = pool.FlushPage(dm.pageOne)
	}
	if err != nil {
		dm.abandon()
		return nil, err
	}
	logger.Info("data manager created", zap.String("path", path), zap.Int64("cache_size", cacheSize))
	return dm, nil
}

// Open opens the page file and log at path, running recovery if the previous
// run did not close cleanly.
func Open(path string, cacheSize int64, tm TransactionStatus, logger *zap.Logger) (*DataManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	disk, err := bufferpool.OpenDiskManager(path)
	if err != nil {
		return nil, err
	}
	pool, err := bufferpool.NewBufferPool(disk, cacheSize, logger.Named("buffer_pool"))
	if err != nil {
		disk.Close()
		return nil, err
	}
	log, err := wal.OpenLogManager(path, logger.Named("wal"))
	if err != nil {
		pool.Close()
		return nil, err
	}
	dm := newDataManager(disk, pool, log, tm, logger)

	if err := dm.open(); err != nil {
		dm.abandon()
		return nil, err
	}
	logger.Info("data manager opened",
		zap.String("path", path),
		zap.Bool("recovered", dm.recovery != nil),
		zap.Int("indexed_pages", dm.pageIndex.Len()))
	return dm, nil
}

func newDataManager(disk *bufferpool.DiskManager, pool *bufferpool.BufferPool, log *wal.LogManager, tm TransactionStatus, logger *zap.Logger) *DataManager {
	dm := &DataManager{
		disk:      disk,
		pool:      pool,
		log:       log,
		tm:        tm,
		pageIndex: pageindex.New(),
		logger:    logger,
	}
	dm.items = common.NewRefCache(dm.loadDataItem, dm.releaseDataItem)
	return dm
}

func (dm *DataManager) open() error {
	if dm.pool.NumPages() < pageOneID {
		return fmt.Errorf("page file has no first page: %w", common.ErrBadPageFile)
	}
	var err error
	if dm.pageOne, err = dm.pool.FetchPage(pageOneID); err != nil {
		return err
	}
	if !pagemanager.CheckVc(dm.pageOne) {
		dm.logger.Warn("previous run did not shut down cleanly")
		stats, err := Recover(dm.tm, dm.log, dm.pool, dm.logger)
		if err != nil {
			return fmt.Errorf("recovery failed: %w", err)
		}
		dm.recovery = &stats
	}
	if err := dm.fillPageIndex(); err != nil {
		return err
	}
	pagemanager.SetVcOpen(dm.pageOne)
	return dm.pool.FlushPage(dm.pageOne)
}

// fillPageIndex indexes the free space of every ordinary page.
func (dm *DataManager) fillPageIndex() error {
	numPages := dm.pool.NumPages()
	for pageID := pageOneID + 1; pageID <= numPages; pageID++ {
		page, err := dm.pool.FetchPage(pageID)
		if err != nil {
			return fmt.Errorf("failed to index page %d: %w", pageID, err)
		}
		dm.pageIndex.Add(pageID, pagemanager.FreeSpace(page))
		dm.pool.ReleasePage(page)
	}
	return nil
}

// Read returns the data item at uid, or nil if it has been erased. A non-nil
// item must be released by the caller.
func (dm *DataManager) Read(uid uint64) (*dataitem.DataItem, error) {
	di, err := dm.items.Get(uid)
	if err != nil {
		return nil, err
	}
	di.RLock()
	valid := di.IsValid()
	di.RUnlock()
	if !valid {
		di.Release()
		return nil, nil
	}
	return di, nil
}

// Insert stores data as a new data item written by xid and returns its uid.
func (dm *DataManager) Insert(xid uint64, data []byte) (uint64, error) {
	raw := dataitem.WrapRaw(data)
	if len(raw) > pagemanager.MaxFreeSpace {
		return 0, fmt.Errorf("data item of %d bytes exceeds %d: %w", len(raw), pagemanager.MaxFreeSpace, common.ErrDataTooLarge)
	}

	for i := 0; i < insertAttempts; i++ {
		info, ok := dm.pageIndex.Select(len(raw))
		if !ok {
			pageID, err := dm.pool.NewPage(pagemanager.InitPageXRaw())
			if err != nil {
				return 0, err
			}
			dm.pageIndex.Add(pageID, pagemanager.MaxFreeSpace)
			continue
		}
		page, err := dm.pool.FetchPage(info.PageID)
		if err != nil {
			dm.pageIndex.Add(info.PageID, info.FreeSpace)
			return 0, err
		}
		if free := pagemanager.FreeSpace(page); free < len(raw) {
			dm.pageIndex.Add(info.PageID, free)
			dm.pool.ReleasePage(page)
			continue
		}
		return dm.insertInto(xid, page, raw)
	}
	return 0, common.ErrDatabaseBusy
}

// insertInto logs and writes raw into page, which has room for it, and hands
// the page back to the free-space index.
func (dm *DataManager) insertInto(xid uint64, page *pagemanager.Page, raw []byte) (uint64, error) {
	defer func() {
		dm.pageIndex.Add(page.GetPageID(), pagemanager.FreeSpace(page))
		dm.pool.ReleasePage(page)
	}()

	if err := dm.log.Append(encodeInsertLog(xid, page, raw)); err != nil {
		return 0, fmt.Errorf("failed to log insert: %w", err)
	}
	offset := pagemanager.InsertRaw(page, raw)
	uid := dataitem.AddressToUID(page.GetPageID(), offset)
	dm.logger.Debug("data item inserted", zap.Uint64("xid", xid), zap.Uint64("uid", uid), zap.Int("size", len(raw)-dataitem.HeaderSize))
	return uid, nil
}

// LogDataItem appends the update record for di's pending change.
func (dm *DataManager) LogDataItem(xid uint64, di *dataitem.DataItem) error {
	if err := dm.log.Append(encodeUpdateLog(xid, di)); err != nil {
		return fmt.Errorf("failed to log update of %d: %w", di.UID(), err)
	}
	return nil
}

// ReleaseDataItem drops one reference to di.
func (dm *DataManager) ReleaseDataItem(di *dataitem.DataItem) {
	dm.items.Release(di.UID())
}

func (dm *DataManager) loadDataItem(uid uint64) (*dataitem.DataItem, error) {
	pageID, offset := dataitem.UIDToAddress(uid)
	if pageID <= pageOneID || pageID > dm.pool.NumPages() || offset < 2 {
		return nil, fmt.Errorf("uid %d addresses page %d offset %d: %w", uid, pageID, offset, common.ErrNullEntry)
	}
	page, err := dm.pool.FetchPage(pageID)
	if err != nil {
		return nil, err
	}
	di, err := dataitem.Parse(page, offset, dm)
	if err != nil {
		dm.pool.ReleasePage(page)
		return nil, err
	}
	return di, nil
}

func (dm *DataManager) releaseDataItem(di *dataitem.DataItem) {
	dm.pool.ReleasePage(di.Page())
}

// Recovery reports the outcome of the recovery run at Open, if there was one.
func (dm *DataManager) Recovery() (RecoveryStats, bool) {
	if dm.recovery == nil {
		return RecoveryStats{}, false
	}
	return *dm.recovery, true
}

// PoolStats returns the page cache counters.
func (dm *DataManager) PoolStats() bufferpool.Stats { return dm.pool.Stats() }

// LogStats returns the write-ahead log counters.
func (dm *DataManager) LogStats() wal.Stats { return dm.log.Stats() }

// Flush writes every dirty cached page to the page file. The shutdown is
// still recorded as unclean, so a copy of the files taken afterwards is
// recovered from the log when opened.
func (dm *DataManager) Flush() error { return dm.pool.FlushAllPages() }

// Files returns the page file and log file names.
func (dm *DataManager) Files() []string {
	return []string{dm.disk.Path(), dm.log.Path()}
}

// Close writes every dirty page, marks the shutdown as clean and closes the
// page file and log.
func (dm *DataManager) Close() error {
	dm.items.Close()
	var errs []error
	errs = append(errs, dm.pool.FlushAllPages())
	pagemanager.SetVcClose(dm.pageOne)
	errs = append(errs, dm.pool.FlushPage(dm.pageOne))
	dm.pool.ReleasePage(dm.pageOne)
	errs = append(errs, dm.pool.Close(), dm.log.Close())
	dm.logger.Info("data manager closed")
	return errors.Join(errs...)
}

// abandon closes the files without flushing or marking a clean shutdown.
func (dm *DataManager) abandon() {
	dm.log.Close()
	dm.disk.Close()
}
