// Package engine assembles the storage stack (status store, data manager,
// version manager, index and boot file) into one database opened from a
// path prefix.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/sushant-115/minidb/core/indexing/btree"
	"github.com/sushant-115/minidb/core/indexmanager"
	"github.com/sushant-115/minidb/core/storage_engine/booter"
	"github.com/sushant-115/minidb/core/storage_engine/common"
	"github.com/sushant-115/minidb/core/storage_engine/datamanager"
	"github.com/sushant-115/minidb/core/transaction"
	versionmanager "github.com/sushant-115/minidb/core/version_manager"
	bufferpool "github.com/sushant-115/minidb/core/write_engine/buffer_pool"
	pagemanager "github.com/sushant-115/minidb/core/write_engine/page_manager"
	"github.com/sushant-115/minidb/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/minidb/internal/telemetry"
	"github.com/sushant-115/minidb/pkg/telemetry"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Config locates the database and sizes its page cache.
type Config struct {
	// Path is the prefix of the database files: Path.xid, Path.db, Path.log
	// and Path.bt.
	Path string `yaml:"path"`
	// CacheSize is the page cache size in bytes.
	CacheSize int64 `yaml:"cache_size"`
	// Create makes a new database instead of opening an existing one.
	Create bool `yaml:"create"`
}

// DefaultConfig returns a 64MiB cache over ./minidb.
func DefaultConfig() Config {
	return Config{Path: "minidb", CacheSize: 64 << 20}
}

// Validate checks the config before any file is touched.
func (c Config) Validate() error {
	if c.Path == "" {
		return errors.New("engine.path is empty")
	}
	if c.CacheSize < bufferpool.MinPoolPages*pagemanager.PageSize {
		return fmt.Errorf("engine.cache_size %d is below %d pages: %w", c.CacheSize, bufferpool.MinPoolPages, common.ErrMemTooSmall)
	}
	return nil
}

// Files returns the names of the database files for the prefix path.
func Files(path string) []string {
	return []string{
		path + transaction.XIDSuffix,
		path + bufferpool.DBSuffix,
		path + wal.LogSuffix,
		path + booter.Suffix,
	}
}

// Engine is an open database.
type Engine struct {
	cfg  Config
	tm   *transaction.StatusStore
	dm   *datamanager.DataManager
	vm   *versionmanager.VersionManager
	tree *btree.BTree
	boot *booter.Booter
	kv   *indexmanager.KVIndexManager

	metricsReg metric.Registration
	logger     *zap.Logger
}

// Start creates or opens the database as cfg.Create says.
func Start(cfg Config, tel *telemetry.Telemetry, logger *zap.Logger) (*Engine, error) {
	if cfg.Create {
		return Create(cfg, tel, logger)
	}
	return Open(cfg, tel, logger)
}

// Create creates a new database. It fails with ErrFileExists if any of its
// files already exists.
func Create(cfg Config, tel *telemetry.Telemetry, logger *zap.Logger) (e *Engine, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("engine")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, name := range Files(cfg.Path) {
		if _, err := os.Stat(name); err == nil {
			return nil, fmt.Errorf("%s: %w", name, common.ErrFileExists)
		}
	}

	e = &Engine{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			e.closeParts()
		}
	}()

	if e.tm, err = transaction.CreateStatusStore(cfg.Path, logger.Named("txn")); err != nil {
		return nil, err
	}
	if e.dm, err = datamanager.Create(cfg.Path, cfg.CacheSize, e.tm, logger.Named("storage")); err != nil {
		return nil, err
	}
	bootUID, err := btree.Create(e.dm)
	if err != nil {
		return nil, fmt.Errorf("failed to create index: %w", err)
	}
	if e.boot, err = booter.Create(cfg.Path, bootUID, logger.Named("boot")); err != nil {
		return nil, err
	}
	if err := e.start(bootUID, tel); err != nil {
		return nil, err
	}
	logger.Info("database created", zap.String("path", cfg.Path), zap.Uint64("boot_uid", bootUID))
	return e, nil
}

// Open opens an existing database, recovering it if it was not closed
// cleanly. It fails with ErrFileNotExists if any of its files is missing.
func Open(cfg Config, tel *telemetry.Telemetry, logger *zap.Logger) (e *Engine, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("engine")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, name := range Files(cfg.Path) {
		if _, err := os.Stat(name); errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", name, common.ErrFileNotExists)
		}
	}

	e = &Engine{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			e.closeParts()
		}
	}()

	if e.tm, err = transaction.OpenStatusStore(cfg.Path, logger.Named("txn")); err != nil {
		return nil, err
	}
	if e.dm, err = datamanager.Open(cfg.Path, cfg.CacheSize, e.tm, logger.Named("storage")); err != nil {
		return nil, err
	}
	if e.boot, err = booter.Open(cfg.Path, logger.Named("boot")); err != nil {
		return nil, err
	}
	bootUID, err := e.boot.Load()
	if err != nil {
		return nil, err
	}
	if err := e.start(bootUID, tel); err != nil {
		return nil, err
	}
	if stats, ok := e.dm.Recovery(); ok {
		logger.Info("database recovered",
			zap.Uint32("max_page_id", uint32(stats.MaxPageID)),
			zap.Int("redone", stats.Redone),
			zap.Int("undone", stats.Undone),
			zap.Int("aborted", stats.Aborted))
	}
	logger.Info("database opened", zap.String("path", cfg.Path))
	return e, nil
}

func (e *Engine) start(bootUID uint64, tel *telemetry.Telemetry) error {
	if tel == nil {
		tel = telemetry.Noop()
	}
	tree, err := btree.Load(bootUID, e.dm)
	if err != nil {
		return fmt.Errorf("failed to load index: %w", err)
	}
	e.tree = tree
	e.vm = versionmanager.New(e.tm, e.dm, e.logger.Named("mvcc"))
	if e.kv, err = indexmanager.NewKVIndexManager(e.vm, e.tree, tel, e.logger.Named("kv")); err != nil {
		return err
	}
	if e.metricsReg, err = internaltelemetry.RegisterEngineMetrics(tel.Meter, e); err != nil {
		return fmt.Errorf("failed to register engine metrics: %w", err)
	}
	return nil
}

// closeParts closes whatever has been opened, innermost last.
func (e *Engine) closeParts() error {
	var errs []error
	if e.metricsReg != nil {
		errs = append(errs, e.metricsReg.Unregister())
	}
	if e.tree != nil {
		e.tree.Close()
	}
	if e.vm != nil {
		e.vm.Close()
	}
	if e.dm != nil {
		errs = append(errs, e.dm.Close())
	}
	if e.tm != nil {
		errs = append(errs, e.tm.Close())
	}
	return errors.Join(errs...)
}

// Close aborts the transactions still running, then flushes and closes the
// database.
func (e *Engine) Close() error {
	n, abortErr := e.vm.AbortAll()
	if n > 0 {
		e.logger.Warn("aborted running transactions at close", zap.Int("aborted", n), zap.Error(abortErr))
	}
	err := errors.Join(abortErr, e.closeParts())
	e.logger.Info("database closed", zap.String("path", e.cfg.Path), zap.Error(err))
	return err
}

// --- Transactions ---

func (e *Engine) Begin(level versionmanager.IsolationLevel) (uint64, error) {
	return e.vm.Begin(level)
}

func (e *Engine) Commit(xid uint64) error { return e.vm.Commit(xid) }

func (e *Engine) Abort(xid uint64) error { return e.vm.Abort(xid) }

// --- Key-value access ---

func (e *Engine) Put(ctx context.Context, xid uint64, key int64, value []byte) error {
	return e.kv.Put(ctx, xid, key, value)
}

func (e *Engine) Get(ctx context.Context, xid uint64, key int64) ([]byte, error) {
	return e.kv.Get(ctx, xid, key)
}

func (e *Engine) Delete(ctx context.Context, xid uint64, key int64) (int, error) {
	return e.kv.Delete(ctx, xid, key)
}

func (e *Engine) Scan(ctx context.Context, xid uint64, lo, hi int64) ([]indexmanager.KeyValue, error) {
	return e.kv.Scan(ctx, xid, lo, hi)
}

// --- Observation ---

func (e *Engine) PoolStats() bufferpool.Stats { return e.dm.PoolStats() }

func (e *Engine) LogStats() wal.Stats { return e.dm.LogStats() }

func (e *Engine) TxnStats() versionmanager.Stats { return e.vm.Stats() }

// Recovery reports the recovery run at open, if there was one.
func (e *Engine) Recovery() (datamanager.RecoveryStats, bool) { return e.dm.Recovery() }

// Path returns the database's file prefix.
func (e *Engine) Path() string { return e.cfg.Path }
