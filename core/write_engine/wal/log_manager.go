package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sushant-115/minidb/core/storage_engine/common"
	"go.uber.org/zap"
)

// --- Write-Ahead Logging (WAL) Constants and Types ---
//
// File layout: [xchecksum:4][record]...[record][bad tail]
// Record:      [size:4][checksum:4][payload:size]
//
// xchecksum is the running checksum of every complete record, updated and
// synced after each append. A record left half-written by a crash does not
// contribute to it and is cut off at open.

const (
	LogSuffix = ".log"

	checksumSeed = 13331

	headerSize     = 4
	recordSizeOff  = 0
	recordCheckOff = recordSizeOff + 4
	recordDataOff  = recordCheckOff + 4
)

// Stats is a snapshot of log counters.
type Stats struct {
	Appends      int64
	BytesWritten int64
}

// LogManager owns the log file. Appends are serialized by mu, which also
// guards the read cursor used by Rewind/Next during recovery.
type LogManager struct {
	file      *os.File
	mu        sync.Mutex
	position  int64 // read cursor
	fileSize  int64
	xChecksum uint32

	appends, bytesWritten atomic.Int64

	logger *zap.Logger
}

// calChecksum folds data into the running checksum xCheck.
func calChecksum(xCheck uint32, data []byte) uint32 {
	for _, b := range data {
		xCheck = xCheck*checksumSeed + uint32(int32(int8(b)))
	}
	return xCheck
}

// CreateLogManager creates an empty log at path+".log".
func CreateLogManager(path string, logger *zap.Logger) (*LogManager, error) {
	name := path + LogSuffix
	file, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%s: %w", name, common.ErrFileExists)
		}
		return nil, fmt.Errorf("failed to create log file %s: %w", name, err)
	}
	if _, err := file.WriteAt(make([]byte, headerSize), 0); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write log header: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to sync log header: %w", err)
	}
	lm := newLogManager(file, logger)
	lm.fileSize = headerSize
	lm.position = headerSize
	lm.logger.Info("log created", zap.String("file", name))
	return lm, nil
}

// OpenLogManager opens an existing log, validates the running checksum over
// every complete record and truncates a trailing malformed record.
func OpenLogManager(path string, logger *zap.Logger) (*LogManager, error) {
	name := path + LogSuffix
	file, err := os.OpenFile(name, os.O_RDWR, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", name, common.ErrFileNotExists)
		}
		return nil, fmt.Errorf("failed to open log file %s: %w", name, err)
	}
	lm := newLogManager(file, logger)
	if err := lm.init(); err != nil {
		file.Close()
		return nil, err
	}
	return lm, nil
}

func newLogManager(file *os.File, logger *zap.Logger) *LogManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogManager{file: file, logger: logger}
}

func (lm *LogManager) init() error {
	info, err := lm.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	if info.Size() < headerSize {
		return fmt.Errorf("log file is %d bytes: %w", info.Size(), common.ErrBadLogFile)
	}
	header := make([]byte, headerSize)
	if _, err := lm.file.ReadAt(header, 0); err != nil {
		return fmt.Errorf("failed to read log header: %w", err)
	}
	lm.fileSize = info.Size()
	lm.xChecksum = binary.LittleEndian.Uint32(header)

	return lm.checkAndRemoveTail()
}

// checkAndRemoveTail recomputes the running checksum and cuts the file at the
// end of the last well-formed record. A malformed tail is a crash mid-append:
// it is cut off and the header is rewritten over the remaining records,
// whether or not the header already counted it. Without a malformed tail the
// header must match.
func (lm *LogManager) checkAndRemoveTail() error {
	lm.position = headerSize
	var xCheck, prevCheck uint32
	var lastStart int64
	records := 0
	for {
		start := lm.position
		record, err := lm.internNext()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		prevCheck, lastStart = xCheck, start
		xCheck = calChecksum(xCheck, record)
		records++
	}
	badTail := lm.position < lm.fileSize
	if badTail {
		last, err := lm.malformedRecordIsLast()
		if err != nil {
			return err
		}
		if !last {
			return fmt.Errorf("malformed record at %d is followed by more data: %w", lm.position, common.ErrBadLogFile)
		}
	}
	if xCheck != lm.xChecksum && !badTail {
		// A crash between syncing the record and writing the header leaves a
		// complete record the header does not account for yet.
		if records == 0 || prevCheck != lm.xChecksum {
			return fmt.Errorf("running checksum %d, expected %d: %w", xCheck, lm.xChecksum, common.ErrBadLogFile)
		}
		lm.position = lastStart
		xCheck = prevCheck
		records--
	}

	if lm.position < lm.fileSize {
		lm.logger.Warn("truncating bad tail of log",
			zap.Int64("good_bytes", lm.position),
			zap.Int64("file_bytes", lm.fileSize))
		if err := lm.file.Truncate(lm.position); err != nil {
			return fmt.Errorf("failed to truncate bad tail: %w", err)
		}
		lm.fileSize = lm.position
	}
	if xCheck != lm.xChecksum {
		if err := lm.writeHeader(xCheck); err != nil {
			return err
		}
		lm.xChecksum = xCheck
	}
	if err := lm.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log after truncation: %w", err)
	}
	lm.position = headerSize
	lm.logger.Info("log opened", zap.String("file", lm.file.Name()), zap.Int("records", records))
	return nil
}

// malformedRecordIsLast reports whether the malformed record at the cursor
// reaches the end of the file, as a torn append does.
func (lm *LogManager) malformedRecordIsLast() (bool, error) {
	if lm.position+recordDataOff > lm.fileSize {
		return true, nil
	}
	head := make([]byte, recordDataOff)
	if _, err := lm.file.ReadAt(head, lm.position); err != nil {
		return false, fmt.Errorf("failed to read log record header at %d: %w", lm.position, err)
	}
	size := int64(binary.LittleEndian.Uint32(head[recordSizeOff:]))
	return lm.position+recordDataOff+size >= lm.fileSize, nil
}

func (lm *LogManager) writeHeader(xChecksum uint32) error {
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header, xChecksum)
	if _, err := lm.file.WriteAt(header, 0); err != nil {
		return fmt.Errorf("failed to update log checksum: %w", err)
	}
	return nil
}

// internNext reads the whole record at the cursor. It returns io.EOF at the
// end of the file or at the first truncated or checksum-mismatched record.
func (lm *LogManager) internNext() ([]byte, error) {
	if lm.position+recordDataOff > lm.fileSize {
		return nil, io.EOF
	}
	head := make([]byte, recordDataOff)
	if _, err := lm.file.ReadAt(head, lm.position); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read log record header at %d: %w", lm.position, err)
	}
	size := int64(binary.LittleEndian.Uint32(head[recordSizeOff:]))
	if lm.position+recordDataOff+size > lm.fileSize {
		return nil, io.EOF
	}

	record := make([]byte, recordDataOff+size)
	if _, err := lm.file.ReadAt(record, lm.position); err != nil {
		return nil, fmt.Errorf("failed to read log record at %d: %w", lm.position, err)
	}
	checksum := binary.LittleEndian.Uint32(record[recordCheckOff:])
	if calChecksum(0, record[recordDataOff:]) != checksum {
		return nil, io.EOF
	}
	lm.position += int64(len(record))
	return record, nil
}

// Append writes one record and then the new running checksum, syncing after
// each so the header never counts a record that is not on disk. A failed
// append is cut off again.
func (lm *LogManager) Append(data []byte) error {
	record := make([]byte, recordDataOff+len(data))
	binary.LittleEndian.PutUint32(record[recordSizeOff:], uint32(len(data)))
	binary.LittleEndian.PutUint32(record[recordCheckOff:], calChecksum(0, data))
	copy(record[recordDataOff:], data)

	lm.mu.Lock()
	defer lm.mu.Unlock()

	if _, err := lm.file.WriteAt(record, lm.fileSize); err != nil {
		return lm.rollback(fmt.Errorf("failed to append log record: %w", err))
	}
	if err := lm.file.Sync(); err != nil {
		return lm.rollback(fmt.Errorf("failed to sync log record: %w", err))
	}
	xChecksum := calChecksum(lm.xChecksum, record)
	if err := lm.writeHeader(xChecksum); err != nil {
		return lm.rollback(err)
	}
	if err := lm.file.Sync(); err != nil {
		return lm.rollback(fmt.Errorf("failed to sync log checksum: %w", err))
	}
	lm.fileSize += int64(len(record))
	lm.xChecksum = xChecksum

	lm.appends.Add(1)
	lm.bytesWritten.Add(int64(len(record)))
	return nil
}

// rollback cuts a failed append off the file and restores the header, so the
// next append chains from the last good record.
func (lm *LogManager) rollback(cause error) error {
	if err := lm.file.Truncate(lm.fileSize); err != nil {
		lm.logger.Error("failed to cut off failed append", zap.Error(err))
		return errors.Join(cause, err)
	}
	if err := lm.writeHeader(lm.xChecksum); err != nil {
		lm.logger.Error("failed to restore log checksum", zap.Error(err))
		return errors.Join(cause, err)
	}
	return cause
}

// Rewind moves the read cursor to the first record.
func (lm *LogManager) Rewind() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.position = headerSize
}

// Next returns the payload of the next well-formed record, or io.EOF.
func (lm *LogManager) Next() ([]byte, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	record, err := lm.internNext()
	if err != nil {
		return nil, err
	}
	return record[recordDataOff:], nil
}

// Truncate cuts the log file at offset x.
func (lm *LogManager) Truncate(x int64) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if err := lm.file.Truncate(x); err != nil {
		return fmt.Errorf("failed to truncate log: %w", err)
	}
	lm.fileSize = x
	return nil
}

// Stats returns the log's counters.
func (lm *LogManager) Stats() Stats {
	return Stats{Appends: lm.appends.Load(), BytesWritten: lm.bytesWritten.Load()}
}

// Path returns the log file name.
func (lm *LogManager) Path() string { return lm.file.Name() }

// Close closes the log file.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.file.Close()
}
