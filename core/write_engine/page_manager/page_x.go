package pagemanager

import "encoding/binary"

// Ordinary page layout: [free space offset:2][records...]. The free space
// offset only grows; records are never compacted.
const (
	fsoOffset  = 0
	dataOffset = 2

	// MaxFreeSpace is the free space of an empty ordinary page.
	MaxFreeSpace = PageSize - dataOffset
)

// InitPageXRaw returns the content of an empty ordinary page.
func InitPageXRaw() []byte {
	raw := make([]byte, PageSize)
	setFSO(raw, dataOffset)
	return raw
}

func setFSO(raw []byte, offset uint16) {
	binary.LittleEndian.PutUint16(raw[fsoOffset:fsoOffset+2], offset)
}

func getFSO(raw []byte) uint16 {
	return binary.LittleEndian.Uint16(raw[fsoOffset : fsoOffset+2])
}

// FSO returns the page's free space offset.
func FSO(p *Page) uint16 {
	p.RLock()
	defer p.RUnlock()
	return getFSO(p.data)
}

// FreeSpace returns the number of free bytes left in the page.
func FreeSpace(p *Page) int {
	return PageSize - int(FSO(p))
}

// InsertRaw appends raw at the free space offset and returns where it was
// written. The caller has checked that raw fits.
func InsertRaw(p *Page, raw []byte) uint16 {
	p.Lock()
	defer p.Unlock()
	p.SetDirty(true)
	offset := getFSO(p.data)
	copy(p.data[offset:], raw)
	setFSO(p.data, offset+uint16(len(raw)))
	return offset
}

// RecoverInsert replays an insert at offset, extending the free space offset
// if the record ends beyond it.
func RecoverInsert(p *Page, raw []byte, offset uint16) {
	p.Lock()
	defer p.Unlock()
	p.SetDirty(true)
	copy(p.data[offset:], raw)
	if end := offset + uint16(len(raw)); getFSO(p.data) < end {
		setFSO(p.data, end)
	}
}

// RecoverUpdate replays an update at offset without touching the free space offset.
func RecoverUpdate(p *Page, raw []byte, offset uint16) {
	p.Lock()
	defer p.Unlock()
	p.SetDirty(true)
	copy(p.data[offset:], raw)
}
