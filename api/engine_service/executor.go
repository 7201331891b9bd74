package engineservice

import (
	"context"
	"fmt"
	"strings"

	"github.com/sushant-115/minidb/core/indexmanager"
	"github.com/sushant-115/minidb/core/storage_engine/common"
	versionmanager "github.com/sushant-115/minidb/core/version_manager"
	"go.uber.org/zap"
)

// Engine is the transactional key-value API statements run against. It is
// satisfied by *engine.Engine.
type Engine interface {
	Begin(level versionmanager.IsolationLevel) (uint64, error)
	Commit(xid uint64) error
	Abort(xid uint64) error
	Put(ctx context.Context, xid uint64, key int64, value []byte) error
	Get(ctx context.Context, xid uint64, key int64) ([]byte, error)
	Delete(ctx context.Context, xid uint64, key int64) (int, error)
	Scan(ctx context.Context, xid uint64, lo, hi int64) ([]indexmanager.KeyValue, error)
}

// Executor runs the statements of one session. A statement outside an
// explicit transaction runs in its own read-committed transaction.
type Executor struct {
	engine Engine
	xid    uint64 // explicit transaction, 0 when none
	logger *zap.Logger
}

func NewExecutor(engine Engine, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{engine: engine, logger: logger}
}

// InTransaction returns the xid of the explicit transaction, if any.
func (e *Executor) InTransaction() (uint64, bool) {
	return e.xid, e.xid != 0
}

// Execute runs stmt and returns its result.
func (e *Executor) Execute(ctx context.Context, stmt Statement) ([]byte, error) {
	switch stmt.Verb {
	case VerbBegin:
		if e.xid != 0 {
			return nil, fmt.Errorf("transaction %d is open: %w", e.xid, common.ErrNestedTransaction)
		}
		xid, err := e.engine.Begin(stmt.Level)
		if err != nil {
			return nil, err
		}
		e.xid = xid
		return fmt.Appendf(nil, "begin %d", xid), nil
	case VerbCommit:
		if e.xid == 0 {
			return nil, fmt.Errorf("commit: %w", common.ErrNoTransaction)
		}
		xid := e.xid
		e.xid = 0
		if err := e.engine.Commit(xid); err != nil {
			return nil, err
		}
		return []byte("commit"), nil
	case VerbAbort:
		if e.xid == 0 {
			return nil, fmt.Errorf("abort: %w", common.ErrNoTransaction)
		}
		xid := e.xid
		e.xid = 0
		if err := e.engine.Abort(xid); err != nil {
			return nil, err
		}
		return []byte("abort"), nil
	}

	if e.xid != 0 {
		return e.run(ctx, e.xid, stmt)
	}
	xid, err := e.engine.Begin(versionmanager.ReadCommitted)
	if err != nil {
		return nil, err
	}
	res, err := e.run(ctx, xid, stmt)
	if err != nil {
		if abortErr := e.engine.Abort(xid); abortErr != nil {
			e.logger.Warn("failed to abort statement transaction", zap.Uint64("xid", xid), zap.Error(abortErr))
		}
		return nil, err
	}
	if err := e.engine.Commit(xid); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Executor) run(ctx context.Context, xid uint64, stmt Statement) ([]byte, error) {
	switch stmt.Verb {
	case VerbPut:
		if err := e.engine.Put(ctx, xid, stmt.Key, stmt.Value); err != nil {
			return nil, err
		}
		return []byte("put 1"), nil
	case VerbGet:
		return e.engine.Get(ctx, xid, stmt.Key)
	case VerbDelete:
		n, err := e.engine.Delete(ctx, xid, stmt.Key)
		if err != nil {
			return nil, err
		}
		return fmt.Appendf(nil, "deleted %d", n), nil
	case VerbScan:
		kvs, err := e.engine.Scan(ctx, xid, stmt.Key, stmt.High)
		if err != nil {
			return nil, err
		}
		var sb strings.Builder
		for i, kv := range kvs {
			if i > 0 {
				sb.WriteByte('\n')
			}
			fmt.Fprintf(&sb, "%d %s", kv.Key, kv.Value)
		}
		return []byte(sb.String()), nil
	default:
		return nil, fmt.Errorf("statement %q: %w", stmt.Verb, common.ErrInvalidCommand)
	}
}

// Close aborts the open transaction, if any.
func (e *Executor) Close() error {
	if e.xid == 0 {
		return nil
	}
	xid := e.xid
	e.xid = 0
	e.logger.Info("aborting transaction left open by session", zap.Uint64("xid", xid))
	return e.engine.Abort(xid)
}
