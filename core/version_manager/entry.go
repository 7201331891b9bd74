package versionmanager

import (
	"bytes"
	"encoding/binary"

	"github.com/sushant-115/minidb/core/storage_engine/dataitem"
)

// Entry layout: [xmin:8][xmax:8][data]. xmin created the entry; a non-zero
// xmax deleted it.
const (
	xminOffset  = 0
	xmaxOffset  = xminOffset + 8
	entryHeader = xmaxOffset + 8
)

// wrapEntryRaw builds a new entry created by xid.
func wrapEntryRaw(xid uint64, data []byte) []byte {
	raw := make([]byte, entryHeader+len(data))
	binary.LittleEndian.PutUint64(raw[xminOffset:], xid)
	copy(raw[entryHeader:], data)
	return raw
}

// Entry is a versioned record backed by a data item.
type Entry struct {
	uid uint64
	di  *dataitem.DataItem
}

func (e *Entry) UID() uint64 { return e.uid }

// Data returns a copy of the entry's payload.
func (e *Entry) Data() []byte {
	e.di.RLock()
	defer e.di.RUnlock()
	return bytes.Clone(e.di.Data()[entryHeader:])
}

func (e *Entry) XMin() uint64 {
	e.di.RLock()
	defer e.di.RUnlock()
	return binary.LittleEndian.Uint64(e.di.Data()[xminOffset:])
}

func (e *Entry) XMax() uint64 {
	e.di.RLock()
	defer e.di.RUnlock()
	return binary.LittleEndian.Uint64(e.di.Data()[xmaxOffset:])
}

// setXMax marks the entry deleted by xid and logs the change under xid.
func (e *Entry) setXMax(xid uint64) error {
	e.di.Before()
	binary.LittleEndian.PutUint64(e.di.Data()[xmaxOffset:], xid)
	return e.di.After(xid)
}
