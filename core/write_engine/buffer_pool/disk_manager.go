package bufferpool

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"

	"github.com/sushant-115/minidb/core/storage_engine/common"
	pagemanager "github.com/sushant-115/minidb/core/write_engine/page_manager"
	"golang.org/x/sys/unix"
)

// --- DiskManager ---

// DBSuffix is the page file suffix.
const DBSuffix = ".db"

// DiskManager performs page-granular I/O on the page file. The file holds an
// exclusive advisory lock for as long as it is open.
type DiskManager struct {
	filePath string
	file     *os.File
	mu       sync.Mutex
}

// CreateDiskManager creates a new, empty page file at path+".db".
func CreateDiskManager(path string) (*DiskManager, error) {
	name := path + DBSuffix
	file, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%s: %w", name, common.ErrFileExists)
		}
		return nil, fmt.Errorf("creating page file %s: %w", name, err)
	}
	return newDiskManager(name, file)
}

// OpenDiskManager opens an existing page file at path+".db".
func OpenDiskManager(path string) (*DiskManager, error) {
	name := path + DBSuffix
	file, err := os.OpenFile(name, os.O_RDWR, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", name, common.ErrFileNotExists)
		}
		return nil, fmt.Errorf("opening page file %s: %w", name, err)
	}
	return newDiskManager(name, file)
}

func newDiskManager(name string, file *os.File) (*DiskManager, error) {
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", name, common.ErrDatabaseLocked)
		}
		return nil, fmt.Errorf("locking page file %s: %w", name, err)
	}
	return &DiskManager{filePath: name, file: file}, nil
}

// NumPages returns the number of whole pages in the file.
func (dm *DiskManager) NumPages() (pagemanager.PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	fi, err := dm.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("getting page file info: %w", err)
	}
	return pagemanager.PageID(fi.Size() / pagemanager.PageSize), nil
}

// ReadPage reads a page into pageData. Pages past the end of the file read as zeros.
func (dm *DiskManager) ReadPage(pageID pagemanager.PageID, pageData []byte) error {
	if len(pageData) != pagemanager.PageSize {
		return fmt.Errorf("page data buffer size (%d) != page size (%d)", len(pageData), pagemanager.PageSize)
	}
	n, err := dm.file.ReadAt(pageData, pageID.Offset())
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading page %d: %w", pageID, err)
	}
	clear(pageData[n:])
	return nil
}

// WritePage writes pageData at the page's location.
func (dm *DiskManager) WritePage(pageID pagemanager.PageID, pageData []byte) error {
	if len(pageData) != pagemanager.PageSize {
		return fmt.Errorf("page data buffer size (%d) != page size (%d)", len(pageData), pagemanager.PageSize)
	}
	if _, err := dm.file.WriteAt(pageData, pageID.Offset()); err != nil {
		return fmt.Errorf("writing page %d: %w", pageID, err)
	}
	return nil
}

// Truncate shrinks the file to hold exactly maxPageID pages.
func (dm *DiskManager) Truncate(maxPageID pagemanager.PageID) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.file.Truncate(int64(maxPageID) * pagemanager.PageSize); err != nil {
		return fmt.Errorf("truncating page file to %d pages: %w", maxPageID, err)
	}
	return nil
}

// Sync flushes written pages to stable storage.
func (dm *DiskManager) Sync() error {
	return dm.file.Sync()
}

// Path returns the page file name.
func (dm *DiskManager) Path() string { return dm.filePath }

// Close syncs, unlocks and closes the page file.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	syncErr := dm.file.Sync()
	_ = unix.Flock(int(dm.file.Fd()), unix.LOCK_UN)
	closeErr := dm.file.Close()
	dm.file = nil
	return errors.Join(syncErr, closeErr)
}
