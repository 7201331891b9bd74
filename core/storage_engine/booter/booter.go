// Package booter keeps the engine's boot record: the uid of the index tree
// every other structure is reached from. The record is replaced atomically by
// writing a temporary file and renaming it over the old one.
package booter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/sushant-115/minidb/core/storage_engine/common"
	"go.uber.org/zap"
)

const (
	Suffix    = ".bt"
	TmpSuffix = ".bt_tmp"

	recordSize = 8
)

var ErrCorruptBoot = fmt.Errorf("corrupt boot file: %w", common.ErrFatalIntegrity)

// Booter reads and replaces the boot file at path+".bt".
type Booter struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger
}

// Create writes a new boot file holding uid.
func Create(path string, uid uint64, logger *zap.Logger) (*Booter, error) {
	b := newBooter(path, logger)
	if err := b.removeBadTmp(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(b.name(), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%s: %w", b.name(), common.ErrFileExists)
		}
		return nil, fmt.Errorf("failed to create boot file %s: %w", b.name(), err)
	}
	f.Close()
	if err := b.Update(uid); err != nil {
		return nil, err
	}
	return b, nil
}

// Open opens an existing boot file.
func Open(path string, logger *zap.Logger) (*Booter, error) {
	b := newBooter(path, logger)
	if err := b.removeBadTmp(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(b.name()); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", b.name(), common.ErrFileNotExists)
		}
		return nil, fmt.Errorf("failed to stat boot file %s: %w", b.name(), err)
	}
	return b, nil
}

func newBooter(path string, logger *zap.Logger) *Booter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Booter{path: path, logger: logger}
}

func (b *Booter) name() string    { return b.path + Suffix }
func (b *Booter) tmpName() string { return b.path + TmpSuffix }

// removeBadTmp drops a temporary file left by an update that never reached
// its rename. The old boot file is still intact in that case.
func (b *Booter) removeBadTmp() error {
	err := os.Remove(b.tmpName())
	if err == nil {
		b.logger.Warn("removed stale boot file", zap.String("file", b.tmpName()))
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to remove stale boot file %s: %w", b.tmpName(), err)
}

// Load returns the uid stored in the boot file.
func (b *Booter) Load() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, err := os.ReadFile(b.name())
	if err != nil {
		return 0, fmt.Errorf("failed to read boot file %s: %w", b.name(), err)
	}
	if len(raw) != recordSize {
		return 0, fmt.Errorf("boot file is %d bytes: %w", len(raw), ErrCorruptBoot)
	}
	return binary.LittleEndian.Uint64(raw), nil
}

// Update replaces the boot file's content with uid.
func (b *Booter) Update(uid uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw := make([]byte, recordSize)
	binary.LittleEndian.PutUint64(raw, uid)

	tmp, err := os.OpenFile(b.tmpName(), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", b.tmpName(), err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", b.tmpName(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", b.tmpName(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", b.tmpName(), err)
	}
	if err := os.Rename(b.tmpName(), b.name()); err != nil {
		return fmt.Errorf("failed to replace boot file: %w", err)
	}
	b.logger.Debug("boot record updated", zap.Uint64("uid", uid))
	return nil
}

// Path returns the boot file's name.
func (b *Booter) Path() string { return b.name() }
