// Package dataitem exposes records stored inside pages as data items that can
// be read under a shared lock and modified under a logged before/after bracket.
package dataitem

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sushant-115/minidb/core/storage_engine/common"
	pagemanager "github.com/sushant-115/minidb/core/write_engine/page_manager"
)

// Data item layout: [valid:1][size:2][data:size]. valid is 0 for a live item
// and 1 once the item has been erased.
const (
	validOffset = 0
	sizeOffset  = 1
	dataOffset  = 3

	// HeaderSize is the number of bytes a data item adds to its payload.
	HeaderSize = dataOffset
)

// Owner is the storage manager a data item reports to.
type Owner interface {
	// LogDataItem appends an update record holding the item's before and
	// after images.
	LogDataItem(xid uint64, di *DataItem) error
	// ReleaseDataItem drops the caller's reference to the item.
	ReleaseDataItem(di *DataItem)
}

// DataItem is a view over a record's bytes inside a pinned page.
type DataItem struct {
	raw    []byte // the whole item, aliasing the page buffer
	oldRaw []byte // before-image captured by Before
	page   *pagemanager.Page
	uid    uint64
	owner  Owner
	lock   sync.RWMutex
}

// AddressToUID packs a page number and in-page offset into a uid.
func AddressToUID(pageID pagemanager.PageID, offset uint16) uint64 {
	return uint64(pageID)<<32 | uint64(offset)
}

// UIDToAddress splits a uid into its page number and in-page offset.
func UIDToAddress(uid uint64) (pagemanager.PageID, uint16) {
	return pagemanager.PageID(uid >> 32), uint16(uid & 0xffff)
}

// WrapRaw builds the bytes of a live data item holding data.
func WrapRaw(data []byte) []byte {
	raw := make([]byte, dataOffset+len(data))
	binary.LittleEndian.PutUint16(raw[sizeOffset:], uint16(len(data)))
	copy(raw[dataOffset:], data)
	return raw
}

// SetRawInvalid marks wrapped item bytes as erased.
func SetRawInvalid(raw []byte) {
	raw[validOffset] = 1
}

// Parse reads the data item stored at offset in page.
func Parse(page *pagemanager.Page, offset uint16, owner Owner) (*DataItem, error) {
	data := page.GetData()
	if int(offset)+dataOffset > len(data) {
		return nil, fmt.Errorf("data item header at %d/%d overruns the page: %w", page.GetPageID(), offset, common.ErrBadPageFile)
	}
	page.RLock()
	size := binary.LittleEndian.Uint16(data[int(offset)+sizeOffset:])
	page.RUnlock()
	end := int(offset) + dataOffset + int(size)
	if end > len(data) {
		return nil, fmt.Errorf("data item at %d/%d of %d bytes overruns the page: %w", page.GetPageID(), offset, size, common.ErrBadPageFile)
	}
	return &DataItem{
		raw:    data[offset:end:end],
		oldRaw: make([]byte, end-int(offset)),
		page:   page,
		uid:    AddressToUID(page.GetPageID(), offset),
		owner:  owner,
	}, nil
}

// IsValid reports whether the item has not been erased.
func (di *DataItem) IsValid() bool {
	return di.raw[validOffset] == 0
}

// Data returns the payload. The slice aliases the page; hold the read lock
// while reading it and the write lock, via Before, while changing it.
func (di *DataItem) Data() []byte {
	return di.raw[dataOffset:]
}

// Before takes the write lock and captures the before-image.
func (di *DataItem) Before() {
	di.lock.Lock()
	di.page.SetDirty(true)
	copy(di.oldRaw, di.raw)
}

// UnBefore restores the before-image and releases the write lock.
func (di *DataItem) UnBefore() {
	copy(di.raw, di.oldRaw)
	di.lock.Unlock()
}

// After logs the change made since Before under xid, then releases the write
// lock. If the log cannot be written the change is rolled back.
func (di *DataItem) After(xid uint64) error {
	if err := di.owner.LogDataItem(xid, di); err != nil {
		copy(di.raw, di.oldRaw)
		di.lock.Unlock()
		return err
	}
	di.lock.Unlock()
	return nil
}

// Release drops the caller's reference.
func (di *DataItem) Release() {
	di.owner.ReleaseDataItem(di)
}

func (di *DataItem) Lock()    { di.lock.Lock() }
func (di *DataItem) Unlock()  { di.lock.Unlock() }
func (di *DataItem) RLock()   { di.lock.RLock() }
func (di *DataItem) RUnlock() { di.lock.RUnlock() }

func (di *DataItem) Page() *pagemanager.Page { return di.page }
func (di *DataItem) UID() uint64             { return di.uid }
func (di *DataItem) Raw() []byte             { return di.raw }
func (di *DataItem) OldRaw() []byte          { return di.oldRaw }
