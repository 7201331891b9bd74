package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/minidb/core/storage_engine/common"
	"go.uber.org/zap"
)

// --- Test Helpers ---

// setupLogManager creates a LogManager in a temporary directory for isolated testing.
func setupLogManager(t *testing.T) (*LogManager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test")
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	lm, err := CreateLogManager(path, logger)
	require.NoError(t, err)
	return lm, path
}

func readAll(t *testing.T, lm *LogManager) [][]byte {
	t.Helper()
	lm.Rewind()
	var out [][]byte
	for {
		record, err := lm.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, record)
	}
}

func appendFile(t *testing.T, name string, data []byte) {
	t.Helper()
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

// --- Test Cases ---

func TestAppendAndIterate(t *testing.T) {
	lm, _ := setupLogManager(t)
	defer lm.Close()

	want := [][]byte{[]byte("record data 1"), []byte("record data 2"), {}, []byte("record data 4")}
	for _, r := range want {
		require.NoError(t, lm.Append(r))
	}
	got := readAll(t, lm)
	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, string(want[i]), string(got[i]))
	}

	// Rewind restarts iteration.
	require.Len(t, readAll(t, lm), len(want))
	require.Equal(t, int64(len(want)), lm.Stats().Appends)
}

func TestReopenKeepsRecords(t *testing.T) {
	lm, path := setupLogManager(t)
	for i := 0; i < 20; i++ {
		require.NoError(t, lm.Append([]byte(fmt.Sprintf("record-%02d", i))))
	}
	require.NoError(t, lm.Close())

	reopened, err := OpenLogManager(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	got := readAll(t, reopened)
	require.Len(t, got, 20)
	require.Equal(t, "record-19", string(got[19]))

	require.NoError(t, reopened.Append([]byte("after reopen")))
	got = readAll(t, reopened)
	require.Equal(t, "after reopen", string(got[20]))
}

func TestBadTailIsTruncated(t *testing.T) {
	cases := map[string]func(t *testing.T, name string){
		"torn header": func(t *testing.T, name string) {
			appendFile(t, name, []byte{0x10, 0x00})
		},
		"torn payload": func(t *testing.T, name string) {
			head := make([]byte, recordDataOff)
			binary.LittleEndian.PutUint32(head, 100)
			appendFile(t, name, append(head, []byte("only part of it")...))
		},
		"checksum mismatch": func(t *testing.T, name string) {
			data := []byte("garbage")
			head := make([]byte, recordDataOff)
			binary.LittleEndian.PutUint32(head[recordSizeOff:], uint32(len(data)))
			binary.LittleEndian.PutUint32(head[recordCheckOff:], calChecksum(0, data)+1)
			appendFile(t, name, append(head, data...))
		},
	}

	for name, corrupt := range cases {
		t.Run(name, func(t *testing.T) {
			lm, path := setupLogManager(t)
			require.NoError(t, lm.Append([]byte("good-1")))
			require.NoError(t, lm.Append([]byte("good-2")))
			require.NoError(t, lm.Close())

			info, err := os.Stat(path + LogSuffix)
			require.NoError(t, err)
			goodSize := info.Size()
			corrupt(t, path+LogSuffix)

			reopened, err := OpenLogManager(path, nil)
			require.NoError(t, err)
			got := readAll(t, reopened)
			require.Len(t, got, 2)

			info, err = os.Stat(path + LogSuffix)
			require.NoError(t, err)
			require.Equal(t, goodSize, info.Size(), "bad tail must be cut off")

			require.NoError(t, reopened.Append([]byte("good-3")))
			require.NoError(t, reopened.Close())

			again, err := OpenLogManager(path, nil)
			require.NoError(t, err)
			defer again.Close()
			require.Len(t, readAll(t, again), 3)
		})
	}
}

func TestTornLastRecordWithHeaderAhead(t *testing.T) {
	lm, path := setupLogManager(t)
	require.NoError(t, lm.Append([]byte("first record")))
	require.NoError(t, lm.Append([]byte("second record")))
	require.NoError(t, lm.Close())

	// The header already counts the second record, its last bytes never landed.
	name := path + LogSuffix
	info, err := os.Stat(name)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(name, info.Size()-3))

	reopened, err := OpenLogManager(path, nil)
	require.NoError(t, err)
	got := readAll(t, reopened)
	require.Len(t, got, 1)
	require.Equal(t, "first record", string(got[0]))

	require.NoError(t, reopened.Append([]byte("third record")))
	require.NoError(t, reopened.Close())

	again, err := OpenLogManager(path, nil)
	require.NoError(t, err)
	defer again.Close()
	got = readAll(t, again)
	require.Len(t, got, 2)
	require.Equal(t, "third record", string(got[1]))
}

func TestHeaderCountsAppendedRecord(t *testing.T) {
	lm, path := setupLogManager(t)
	require.NoError(t, lm.Append([]byte("first record")))
	info, err := os.Stat(path + LogSuffix)
	require.NoError(t, err)
	require.EqualValues(t, headerSize+recordDataOff+len("first record"), info.Size())

	raw, err := os.ReadFile(path + LogSuffix)
	require.NoError(t, err)
	require.Equal(t, calChecksum(0, raw[headerSize:]), binary.LittleEndian.Uint32(raw[:headerSize]))
	require.NoError(t, lm.Close())
}

func TestUnaccountedLastRecordIsDropped(t *testing.T) {
	lm, path := setupLogManager(t)
	require.NoError(t, lm.Append([]byte("committed")))
	require.NoError(t, lm.Close())

	// A complete record whose checksum never reached the header.
	data := []byte("in flight")
	head := make([]byte, recordDataOff)
	binary.LittleEndian.PutUint32(head[recordSizeOff:], uint32(len(data)))
	binary.LittleEndian.PutUint32(head[recordCheckOff:], calChecksum(0, data))
	appendFile(t, path+LogSuffix, append(head, data...))

	reopened, err := OpenLogManager(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	got := readAll(t, reopened)
	require.Len(t, got, 1)
	require.Equal(t, "committed", string(got[0]))
}

func TestCorruptMiddleRecordIsFatal(t *testing.T) {
	lm, path := setupLogManager(t)
	require.NoError(t, lm.Append([]byte("first record")))
	require.NoError(t, lm.Append([]byte("second record")))
	require.NoError(t, lm.Append([]byte("third record")))
	require.NoError(t, lm.Close())

	raw, err := os.ReadFile(path + LogSuffix)
	require.NoError(t, err)
	raw[headerSize+recordDataOff+2] ^= 0xFF // flip a byte of the first payload
	require.NoError(t, os.WriteFile(path+LogSuffix, raw, 0644))

	_, err = OpenLogManager(path, nil)
	require.ErrorIs(t, err, common.ErrBadLogFile)
	require.True(t, common.IsFatal(err))
}

func TestShortLogFileIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short")
	require.NoError(t, os.WriteFile(path+LogSuffix, []byte{1, 2}, 0644))
	_, err := OpenLogManager(path, nil)
	require.ErrorIs(t, err, common.ErrBadLogFile)
}

func TestChecksumTreatsBytesAsSigned(t *testing.T) {
	require.Equal(t, uint32(0), calChecksum(0, nil))
	require.Equal(t, uint32(1), calChecksum(0, []byte{1}))
	require.Equal(t, uint32(0xFFFFFFFF), calChecksum(0, []byte{0xFF}))
	require.Equal(t, uint32(13331*1+2), calChecksum(0, []byte{1, 2}))
}
