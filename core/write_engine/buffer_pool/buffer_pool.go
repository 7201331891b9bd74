package bufferpool

import (
	"container/list" // For LRU
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sushant-115/minidb/core/storage_engine/common"
	pagemanager "github.com/sushant-115/minidb/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// MinPoolPages is the smallest number of frames a buffer pool may have.
const MinPoolPages = 10

// Stats is a snapshot of buffer pool counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Flushes   int64
}

// BufferPool caches pages of the page file in a fixed arena of frames.
// Fetched pages are pinned; a frame is only reused once its page is unpinned.
// The pool mutex guards the page table and LRU list and is never held across
// disk I/O: a page being loaded or written back is tracked in loading, and
// concurrent fetches of it wait for the I/O to finish.
type BufferPool struct {
	disk      *DiskManager
	frames    []*pagemanager.Page
	free      []int                              // indexes of frames that hold no page
	pageTable map[pagemanager.PageID]int         // PageID to frame index
	lruList   *list.List                         // installed frame indexes, most recent in front
	lruMap    map[int]*list.Element              // frame index to LRU element
	loading   map[pagemanager.PageID]chan struct{} // pages with I/O in flight
	mu        sync.Mutex

	numPages atomic.Uint32

	hits, misses, evictions, flushes atomic.Int64

	logger *zap.Logger
}

// NewBufferPool creates a pool over disk holding cacheBytes worth of pages.
func NewBufferPool(disk *DiskManager, cacheBytes int64, logger *zap.Logger) (*BufferPool, error) {
	poolSize := int(cacheBytes / pagemanager.PageSize)
	if poolSize < MinPoolPages {
		return nil, fmt.Errorf("cache of %d bytes holds %d pages, need %d: %w", cacheBytes, poolSize, MinPoolPages, common.ErrMemTooSmall)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	numPages, err := disk.NumPages()
	if err != nil {
		return nil, err
	}

	bp := &BufferPool{
		disk:      disk,
		frames:    make([]*pagemanager.Page, poolSize),
		free:      make([]int, 0, poolSize),
		pageTable: make(map[pagemanager.PageID]int),
		lruList:   list.New(),
		lruMap:    make(map[int]*list.Element),
		loading:   make(map[pagemanager.PageID]chan struct{}),
		logger:    logger,
	}
	for i := range bp.frames {
		bp.frames[i] = pagemanager.NewPage(pagemanager.PageSize)
		bp.free = append(bp.free, poolSize-1-i)
	}
	bp.numPages.Store(uint32(numPages))
	logger.Info("buffer pool initialized",
		zap.Int("frames", poolSize),
		zap.Int("page_size", pagemanager.PageSize),
		zap.Uint32("pages_on_disk", uint32(numPages)))
	return bp, nil
}

// NumPages returns the number of allocated pages.
func (bp *BufferPool) NumPages() pagemanager.PageID {
	return pagemanager.PageID(bp.numPages.Load())
}

// FetchPage returns the page pinned, reading it from disk on a miss.
func (bp *BufferPool) FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error) {
	if pageID == pagemanager.InvalidPageID {
		return nil, fmt.Errorf("fetch of invalid page id")
	}
	for {
		bp.mu.Lock()
		if ch, ok := bp.loading[pageID]; ok {
			bp.mu.Unlock()
			<-ch
			continue
		}

		// 1. Check if page is already in the buffer pool
		if frameIdx, ok := bp.pageTable[pageID]; ok {
			page := bp.frames[frameIdx]
			page.Pin()
			bp.lruList.MoveToFront(bp.lruMap[frameIdx])
			bp.mu.Unlock()
			bp.hits.Add(1)
			return page, nil
		}

		// 2. Page not in pool, claim a frame and load it outside the lock
		frameIdx, victimID, err := bp.claimFrameLocked()
		if err != nil {
			bp.mu.Unlock()
			return nil, err
		}
		done := make(chan struct{})
		bp.loading[pageID] = done
		if victimID != pagemanager.InvalidPageID {
			bp.loading[victimID] = done
		}
		bp.mu.Unlock()
		bp.misses.Add(1)

		page := bp.frames[frameIdx]
		if victimID != pagemanager.InvalidPageID {
			mustBeUnpinned(page, victimID)
		}
		err = bp.writeBack(page)
		if err == nil {
			page.Reset()
			err = bp.disk.ReadPage(pageID, page.GetData())
		}

		bp.mu.Lock()
		delete(bp.loading, pageID)
		if victimID != pagemanager.InvalidPageID {
			delete(bp.loading, victimID)
		}
		if err != nil {
			if victimID != pagemanager.InvalidPageID && page.GetPageID() == victimID {
				// write-back failed, keep the victim cached
				bp.installLocked(frameIdx, victimID)
			} else {
				page.Reset()
				bp.free = append(bp.free, frameIdx)
			}
			close(done)
			bp.mu.Unlock()
			bp.logger.Error("failed to load page", zap.Uint32("page_id", uint32(pageID)), zap.Error(err))
			return nil, err
		}
		page.SetPageID(pageID)
		page.SetPinCount(1)
		bp.installLocked(frameIdx, pageID)
		close(done)
		bp.mu.Unlock()
		bp.logger.Debug("page loaded", zap.Uint32("page_id", uint32(pageID)), zap.Int("frame", frameIdx))
		return page, nil
	}
}

// claimFrameLocked returns a frame that may be reused, detaching its current
// page (returned as victim) from the page table. Caller holds bp.mu.
func (bp *BufferPool) claimFrameLocked() (int, pagemanager.PageID, error) {
	if n := len(bp.free); n > 0 {
		frameIdx := bp.free[n-1]
		bp.free = bp.free[:n-1]
		return frameIdx, pagemanager.InvalidPageID, nil
	}

	// Look for an unpinned page starting from the least recently used
	for e := bp.lruList.Back(); e != nil; e = e.Prev() {
		frameIdx := e.Value.(int)
		victim := bp.frames[frameIdx]
		if victim.GetPinCount() != 0 {
			continue
		}
		victimID := victim.GetPageID()
		bp.lruList.Remove(e)
		delete(bp.lruMap, frameIdx)
		delete(bp.pageTable, victimID)
		bp.evictions.Add(1)
		bp.logger.Debug("evicting page", zap.Uint32("page_id", uint32(victimID)), zap.Int("frame", frameIdx))
		return frameIdx, victimID, nil
	}

	return -1, pagemanager.InvalidPageID, common.ErrBufferPoolFull
}

// mustBeUnpinned panics if the page being evicted from its frame is still
// pinned. It runs after the victim is detached and before its frame is
// written back or reused.
func mustBeUnpinned(page *pagemanager.Page, victimID pagemanager.PageID) {
	if pins := page.GetPinCount(); pins != 0 {
		panic(fmt.Sprintf("bufferpool: evicting page %d with pin count %d", victimID, pins))
	}
}

// installLocked tracks frameIdx as holding pageID. Caller holds bp.mu.
func (bp *BufferPool) installLocked(frameIdx int, pageID pagemanager.PageID) {
	bp.pageTable[pageID] = frameIdx
	bp.lruMap[frameIdx] = bp.lruList.PushFront(frameIdx)
}

// writeBack writes the frame's page to disk if dirty.
func (bp *BufferPool) writeBack(page *pagemanager.Page) error {
	if page.GetPageID() == pagemanager.InvalidPageID || !page.IsDirty() {
		return nil
	}
	page.RLock()
	err := bp.disk.WritePage(page.GetPageID(), page.GetData())
	page.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to flush dirty page %d: %w", page.GetPageID(), err)
	}
	page.SetDirty(false)
	bp.flushes.Add(1)
	return nil
}

// ReleasePage drops one pin taken by FetchPage.
func (bp *BufferPool) ReleasePage(page *pagemanager.Page) {
	page.Unpin()
}

// NewPage appends a page holding initData to the file and returns its number.
// The page is written straight to disk and is not cached.
func (bp *BufferPool) NewPage(initData []byte) (pagemanager.PageID, error) {
	pageID := pagemanager.PageID(bp.numPages.Add(1))
	if err := bp.disk.WritePage(pageID, initData); err != nil {
		return pagemanager.InvalidPageID, fmt.Errorf("failed to allocate page %d: %w", pageID, err)
	}
	bp.logger.Debug("allocated page", zap.Uint32("page_id", uint32(pageID)))
	return pageID, nil
}

// FlushPage forces a page to disk if it is dirty.
func (bp *BufferPool) FlushPage(page *pagemanager.Page) error {
	if err := bp.writeBack(page); err != nil {
		return err
	}
	return bp.disk.Sync()
}

// Truncate drops every page beyond maxPageID, from the file and from the cache.
// Cached pages beyond the bound must not be pinned.
func (bp *BufferPool) Truncate(maxPageID pagemanager.PageID) error {
	bp.mu.Lock()
	for pageID, frameIdx := range bp.pageTable {
		if pageID <= maxPageID {
			continue
		}
		page := bp.frames[frameIdx]
		if page.GetPinCount() != 0 {
			bp.mu.Unlock()
			return fmt.Errorf("cannot truncate pinned page %d", pageID)
		}
		bp.lruList.Remove(bp.lruMap[frameIdx])
		delete(bp.lruMap, frameIdx)
		delete(bp.pageTable, pageID)
		page.Reset()
		bp.free = append(bp.free, frameIdx)
	}
	bp.mu.Unlock()

	if err := bp.disk.Truncate(maxPageID); err != nil {
		return err
	}
	bp.numPages.Store(uint32(maxPageID))
	bp.logger.Info("page file truncated", zap.Uint32("max_page_id", uint32(maxPageID)))
	return nil
}

// FlushAllPages writes every dirty cached page and syncs the file.
func (bp *BufferPool) FlushAllPages() error {
	bp.mu.Lock()
	pages := make([]*pagemanager.Page, 0, len(bp.pageTable))
	for _, frameIdx := range bp.pageTable {
		pages = append(pages, bp.frames[frameIdx])
	}
	bp.mu.Unlock()

	var errs []error
	for _, page := range pages {
		if err := bp.writeBack(page); err != nil {
			errs = append(errs, err)
		}
	}
	if err := bp.disk.Sync(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Stats returns the pool's counters.
func (bp *BufferPool) Stats() Stats {
	return Stats{
		Hits:      bp.hits.Load(),
		Misses:    bp.misses.Load(),
		Evictions: bp.evictions.Load(),
		Flushes:   bp.flushes.Load(),
	}
}

// Close flushes every dirty page and closes the page file.
func (bp *BufferPool) Close() error {
	flushErr := bp.FlushAllPages()
	closeErr := bp.disk.Close()
	bp.logger.Info("buffer pool closed")
	return errors.Join(flushErr, closeErr)
}
