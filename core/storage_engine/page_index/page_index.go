package pageindex

import (
	"sync"

	pagemanager "github.com/sushant-115/minidb/core/write_engine/page_manager"
)

// The free space of a page is bucketed into intervalsNo ranges of threshold
// bytes each. Bucket n holds pages with at least n*threshold free bytes.
const (
	intervalsNo = 40
	threshold   = pagemanager.PageSize / intervalsNo
)

// PageInfo names a page and its free space at the time it was indexed.
type PageInfo struct {
	PageID    pagemanager.PageID
	FreeSpace int
}

// PageIndex tracks pages with free space. A page selected for an insert is
// taken out of the index and must be added back once the insert is done, so
// two inserts never race for the same page.
type PageIndex struct {
	mu    sync.Mutex
	lists [intervalsNo + 1][]PageInfo
}

// New returns an empty page index.
func New() *PageIndex {
	return &PageIndex{}
}

// Add records that pageID has freeSpace bytes free.
func (pi *PageIndex) Add(pageID pagemanager.PageID, freeSpace int) {
	number := freeSpace / threshold
	if number > intervalsNo {
		number = intervalsNo
	}
	pi.mu.Lock()
	defer pi.mu.Unlock()
	pi.lists[number] = append(pi.lists[number], PageInfo{PageID: pageID, FreeSpace: freeSpace})
}

// Select removes and returns a page with at least spaceSize free bytes.
// The request is rounded up to the next bucket, and the first page at or
// above it with enough recorded space is served in FIFO order. The last
// bucket is open-ended, so its pages are checked one by one.
func (pi *PageIndex) Select(spaceSize int) (PageInfo, bool) {
	number := spaceSize / threshold
	if number < intervalsNo {
		number++
	}
	pi.mu.Lock()
	defer pi.mu.Unlock()
	for ; number <= intervalsNo; number++ {
		for i, info := range pi.lists[number] {
			if info.FreeSpace < spaceSize {
				continue
			}
			pi.lists[number] = append(pi.lists[number][:i:i], pi.lists[number][i+1:]...)
			return info, true
		}
	}
	return PageInfo{}, false
}

// Len returns the number of indexed pages.
func (pi *PageIndex) Len() int {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	n := 0
	for _, l := range pi.lists {
		n += len(l)
	}
	return n
}
