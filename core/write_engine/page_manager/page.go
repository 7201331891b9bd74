package pagemanager

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// --- Page Management ---

const (
	// PageSize is the fixed size of every page, on disk and in memory.
	PageSize = 8192

	InvalidPageID PageID = 0 // Page numbers start at 1
)

// PageID is the 1-based page number within the page file.
type PageID uint32

// Offset returns the page's byte offset in the page file.
func (id PageID) Offset() int64 {
	return int64(id-1) * PageSize
}

// Page represents an in-memory copy of a disk page held in a buffer pool frame.
type Page struct {
	id       PageID
	data     []byte
	pinCount atomic.Int32
	isDirty  atomic.Bool

	// latch protects the free-space header and other page-wide metadata.
	// Record bytes are protected by their data item locks.
	latch sync.RWMutex
}

// NewPage creates an empty, unassigned page frame.
func NewPage(size int) *Page {
	return &Page{
		id:   InvalidPageID,
		data: make([]byte, size),
	}
}

// Reset clears the frame so it can hold another page.
func (p *Page) Reset() {
	p.id = InvalidPageID
	p.pinCount.Store(0)
	p.isDirty.Store(false)
	clear(p.data)
}

func (p *Page) GetData() []byte        { return p.data }
func (p *Page) GetPageID() PageID      { return p.id }
func (p *Page) SetPageID(id PageID)    { p.id = id }
func (p *Page) IsDirty() bool          { return p.isDirty.Load() }
func (p *Page) SetDirty(dirty bool)    { p.isDirty.Store(dirty) }
func (p *Page) GetPinCount() int32     { return p.pinCount.Load() }
func (p *Page) SetPinCount(pins int32) { p.pinCount.Store(pins) }

// Pin takes a reference on the page.
func (p *Page) Pin() int32 { return p.pinCount.Add(1) }

// Unpin drops a reference. Dropping a reference that was never taken is a
// programming error.
func (p *Page) Unpin() int32 {
	n := p.pinCount.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("pagemanager: page %d unpinned below zero", p.id))
	}
	return n
}

// RLock acquires a read (shared) latch on the page.
func (p *Page) RLock() { p.latch.RLock() }

// RUnlock releases a read (shared) latch on the page.
func (p *Page) RUnlock() { p.latch.RUnlock() }

// Lock acquires a write (exclusive) latch on the page.
func (p *Page) Lock() { p.latch.Lock() }

// Unlock releases a write (exclusive) latch on the page.
func (p *Page) Unlock() { p.latch.Unlock() }
