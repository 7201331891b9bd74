package datamanager

import (
	"encoding/binary"
	"fmt"

	"github.com/sushant-115/minidb/core/storage_engine/common"
	"github.com/sushant-115/minidb/core/storage_engine/dataitem"
	pagemanager "github.com/sushant-115/minidb/core/write_engine/page_manager"
)

// LogRecordType tags the first byte of every log payload.
type LogRecordType byte

const (
	LogTypeInsert LogRecordType = 0
	LogTypeUpdate LogRecordType = 1
)

// Insert record: [type:1][xid:8][pgno:4][offset:2][raw]
// Update record: [type:1][xid:8][uid:8][old raw][new raw], both images of equal length.
const (
	typeOffset = 0
	xidOffset  = typeOffset + 1

	insertPageOffset   = xidOffset + 8
	insertOffsetOffset = insertPageOffset + 4
	insertRawOffset    = insertOffsetOffset + 2

	updateUIDOffset = xidOffset + 8
	updateRawOffset = updateUIDOffset + 8
)

// insertRecord is a decoded insert log record.
type insertRecord struct {
	xid    uint64
	pageID pagemanager.PageID
	offset uint16
	raw    []byte
}

// updateRecord is a decoded update log record.
type updateRecord struct {
	xid    uint64
	pageID pagemanager.PageID
	offset uint16
	oldRaw []byte
	newRaw []byte
}

// encodeInsertLog builds the record for inserting raw at the page's current
// free space offset. It must be built before the insert happens.
func encodeInsertLog(xid uint64, page *pagemanager.Page, raw []byte) []byte {
	log := make([]byte, insertRawOffset+len(raw))
	log[typeOffset] = byte(LogTypeInsert)
	binary.LittleEndian.PutUint64(log[xidOffset:], xid)
	binary.LittleEndian.PutUint32(log[insertPageOffset:], uint32(page.GetPageID()))
	binary.LittleEndian.PutUint16(log[insertOffsetOffset:], pagemanager.FSO(page))
	copy(log[insertRawOffset:], raw)
	return log
}

// encodeUpdateLog builds the record for the change made to di since Before.
func encodeUpdateLog(xid uint64, di *dataitem.DataItem) []byte {
	oldRaw, newRaw := di.OldRaw(), di.Raw()
	log := make([]byte, updateRawOffset+len(oldRaw)+len(newRaw))
	log[typeOffset] = byte(LogTypeUpdate)
	binary.LittleEndian.PutUint64(log[xidOffset:], xid)
	binary.LittleEndian.PutUint64(log[updateUIDOffset:], di.UID())
	copy(log[updateRawOffset:], oldRaw)
	copy(log[updateRawOffset+len(oldRaw):], newRaw)
	return log
}

func recordType(log []byte) (LogRecordType, error) {
	if len(log) == 0 {
		return 0, fmt.Errorf("empty log record: %w", common.ErrBadLogFile)
	}
	switch t := LogRecordType(log[typeOffset]); t {
	case LogTypeInsert, LogTypeUpdate:
		return t, nil
	default:
		return 0, fmt.Errorf("unknown log record type %d: %w", t, common.ErrBadLogFile)
	}
}

func decodeInsertLog(log []byte) (insertRecord, error) {
	if len(log) < insertRawOffset {
		return insertRecord{}, fmt.Errorf("insert log record of %d bytes: %w", len(log), common.ErrBadLogFile)
	}
	return insertRecord{
		xid:    binary.LittleEndian.Uint64(log[xidOffset:]),
		pageID: pagemanager.PageID(binary.LittleEndian.Uint32(log[insertPageOffset:])),
		offset: binary.LittleEndian.Uint16(log[insertOffsetOffset:]),
		raw:    log[insertRawOffset:],
	}, nil
}

func decodeUpdateLog(log []byte) (updateRecord, error) {
	if len(log) < updateRawOffset || (len(log)-updateRawOffset)%2 != 0 {
		return updateRecord{}, fmt.Errorf("update log record of %d bytes: %w", len(log), common.ErrBadLogFile)
	}
	pageID, offset := dataitem.UIDToAddress(binary.LittleEndian.Uint64(log[updateUIDOffset:]))
	length := (len(log) - updateRawOffset) / 2
	return updateRecord{
		xid:    binary.LittleEndian.Uint64(log[xidOffset:]),
		pageID: pageID,
		offset: offset,
		oldRaw: log[updateRawOffset : updateRawOffset+length],
		newRaw: log[updateRawOffset+length:],
	}, nil
}

// logXIDAndPage returns the transaction and page a record of either type refers to.
func logXIDAndPage(log []byte) (uint64, pagemanager.PageID, error) {
	t, err := recordType(log)
	if err != nil {
		return 0, 0, err
	}
	if t == LogTypeInsert {
		r, err := decodeInsertLog(log)
		return r.xid, r.pageID, err
	}
	r, err := decodeUpdateLog(log)
	return r.xid, r.pageID, err
}
