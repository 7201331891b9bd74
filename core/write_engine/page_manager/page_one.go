package pagemanager

import (
	"bytes"

	"github.com/google/uuid"
)

// Page one carries the liveness marker. A fresh token is written at
// [100,116) on every open; a clean close copies it to [116,132). Unequal
// ranges at open mean the previous run did not shut down cleanly.
const (
	vcOffset = 100
	vcLength = 16
)

// InitPageOneRaw returns the content of page one for a new database.
func InitPageOneRaw() []byte {
	raw := make([]byte, PageSize)
	setVcOpen(raw)
	return raw
}

// SetVcOpen writes a new liveness token.
func SetVcOpen(p *Page) {
	p.Lock()
	defer p.Unlock()
	p.SetDirty(true)
	setVcOpen(p.data)
}

func setVcOpen(raw []byte) {
	token := uuid.New()
	copy(raw[vcOffset:vcOffset+vcLength], token[:])
}

// SetVcClose echoes the liveness token for a clean shutdown.
func SetVcClose(p *Page) {
	p.Lock()
	defer p.Unlock()
	p.SetDirty(true)
	copy(p.data[vcOffset+vcLength:vcOffset+2*vcLength], p.data[vcOffset:vcOffset+vcLength])
}

// CheckVc reports whether the previous run closed cleanly.
func CheckVc(p *Page) bool {
	p.RLock()
	defer p.RUnlock()
	return bytes.Equal(p.data[vcOffset:vcOffset+vcLength], p.data[vcOffset+vcLength:vcOffset+2*vcLength])
}
