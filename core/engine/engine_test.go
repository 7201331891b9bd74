package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/minidb/core/storage_engine/common"
	versionmanager "github.com/sushant-115/minidb/core/version_manager"
	"github.com/sushant-115/minidb/pkg/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// --- Test Helpers ---

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{Path: filepath.Join(t.TempDir(), "db"), CacheSize: 1 << 20}
}

func setupEngine(t *testing.T) *Engine {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	e, err := Create(testConfig(t), telemetry.Noop(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func putCommitted(t *testing.T, e *Engine, kvs map[int64]string) {
	t.Helper()
	ctx := context.Background()
	xid, err := e.Begin(versionmanager.ReadCommitted)
	require.NoError(t, err)
	for k, v := range kvs {
		require.NoError(t, e.Put(ctx, xid, k, []byte(v)))
	}
	require.NoError(t, e.Commit(xid))
}

func get(t *testing.T, e *Engine, key int64) ([]byte, error) {
	t.Helper()
	xid, err := e.Begin(versionmanager.ReadCommitted)
	require.NoError(t, err)
	defer e.Commit(xid)
	return e.Get(context.Background(), xid, key)
}

// --- Test Cases ---

func TestCreateRequiresFreshFiles(t *testing.T) {
	cfg := testConfig(t)
	_, err := Open(cfg, nil, nil)
	require.ErrorIs(t, err, common.ErrFileNotExists)

	e, err := Create(cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	_, err = Create(cfg, nil, nil)
	require.ErrorIs(t, err, common.ErrFileExists)

	require.NoError(t, os.Remove(cfg.Path+".bt"))
	_, err = Open(cfg, nil, nil)
	require.ErrorIs(t, err, common.ErrFileNotExists)
}

func TestConfigValidation(t *testing.T) {
	cfg := testConfig(t)
	cfg.CacheSize = 1024
	_, err := Create(cfg, nil, nil)
	require.ErrorIs(t, err, common.ErrMemTooSmall)

	_, err = Create(Config{CacheSize: 1 << 20}, nil, nil)
	require.Error(t, err)
}

func TestSecondOpenIsLocked(t *testing.T) {
	e := setupEngine(t)
	_, err := Open(e.cfg, nil, nil)
	require.ErrorIs(t, err, common.ErrDatabaseLocked)
}

func TestDataSurvivesCleanRestart(t *testing.T) {
	cfg := testConfig(t)
	e, err := Start(Config{Path: cfg.Path, CacheSize: cfg.CacheSize, Create: true}, nil, nil)
	require.NoError(t, err)
	kvs := make(map[int64]string)
	for i := int64(0); i < 300; i++ {
		kvs[i*7-1000] = fmt.Sprintf("value-%d", i)
	}
	putCommitted(t, e, kvs)

	// A transaction still running at close is aborted.
	xid, err := e.Begin(versionmanager.ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, e.Put(context.Background(), xid, 5, []byte("pending")))
	require.NoError(t, e.Close())

	e, err = Start(cfg, nil, nil)
	require.NoError(t, err)
	defer e.Close()
	_, recovered := e.Recovery()
	require.False(t, recovered)

	for k, v := range kvs {
		got, err := get(t, e, k)
		require.NoError(t, err)
		require.Equal(t, []byte(v), got)
	}
	_, err = get(t, e, 5)
	require.ErrorIs(t, err, common.ErrKeyNotFound)
}

func TestBackupOpensAsRecoveredCopy(t *testing.T) {
	e := setupEngine(t)
	putCommitted(t, e, map[int64]string{1: "one", 2: "two", 3: "three"})

	pending, err := e.Begin(versionmanager.ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, e.Put(context.Background(), pending, 4, []byte("four")))

	dir := filepath.Join(t.TempDir(), "backup")
	manifest, err := e.Backup(context.Background(), dir, 1<<20)
	require.NoError(t, err)
	require.Len(t, manifest.Files, 4)
	for _, f := range manifest.Files {
		require.Len(t, f.SHA256, 64)
	}
	read, err := ReadManifest(dir)
	require.NoError(t, err)
	require.Equal(t, manifest.Files, read.Files)

	_, err = e.Backup(context.Background(), dir, 0)
	require.ErrorIs(t, err, common.ErrFileExists)
	require.NoError(t, e.Commit(pending))

	copyCfg := Config{Path: filepath.Join(dir, "db"), CacheSize: 1 << 20}
	restored, err := Open(copyCfg, nil, nil)
	require.NoError(t, err)
	defer restored.Close()
	stats, recovered := restored.Recovery()
	require.True(t, recovered)
	require.Equal(t, 1, stats.Aborted)

	for k, v := range map[int64]string{1: "one", 2: "two", 3: "three"} {
		got, err := get(t, restored, k)
		require.NoError(t, err)
		require.Equal(t, []byte(v), got)
	}
	_, err = get(t, restored, 4)
	require.ErrorIs(t, err, common.ErrKeyNotFound, "the write pending at backup time is rolled back")
}

func TestConcurrentTransfersKeepTotal(t *testing.T) {
	e := setupEngine(t)
	const accounts = 8
	kvs := make(map[int64]string)
	for i := int64(0); i < accounts; i++ {
		kvs[i] = "100"
	}
	putCommitted(t, e, kvs)

	var g errgroup.Group
	for w := 0; w < 4; w++ {
		g.Go(func() error {
			for i := 0; i < 20; i++ {
				from, to := int64((w+i)%accounts), int64((w+i+1)%accounts)
				if err := transfer(e, from, to); err != nil && !common.IsRetryable(err) {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	xid, err := e.Begin(versionmanager.RepeatableRead)
	require.NoError(t, err)
	all, err := e.Scan(context.Background(), xid, 0, accounts-1)
	require.NoError(t, err)
	require.NoError(t, e.Commit(xid))
	require.Len(t, all, accounts)
	total := 0
	for _, kv := range all {
		var n int
		_, err := fmt.Sscan(string(kv.Value), &n)
		require.NoError(t, err)
		total += n
	}
	require.Equal(t, accounts*100, total)
}

// transfer moves one unit from one key to another in a single transaction.
// Repeatable read turns a lost update into a version skip.
func transfer(e *Engine, from, to int64) error {
	ctx := context.Background()
	xid, err := e.Begin(versionmanager.RepeatableRead)
	if err != nil {
		return err
	}
	apply := func(key int64, delta int) error {
		raw, err := e.Get(ctx, xid, key)
		if err != nil {
			return err
		}
		var n int
		if _, err := fmt.Sscan(string(raw), &n); err != nil {
			return err
		}
		return e.Put(ctx, xid, key, []byte(fmt.Sprint(n+delta)))
	}
	if err := apply(from, -1); err != nil {
		e.Abort(xid)
		return err
	}
	if err := apply(to, 1); err != nil {
		e.Abort(xid)
		return err
	}
	return e.Commit(xid)
}
