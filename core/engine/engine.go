// Package engine ties the keeldb storage core together: the engine
// singleton, the file and handle tables, and the transaction lifecycle
// protocols (begin, end, abort) coordinating handles against each file's
// status and write-ahead log.
//
// Lock order is fixed: handle busy guard, then file lock, then a
// transaction's private item lock. The file lock is never held across a
// commit, a reopen check, or any unbounded wait.
package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/keeldb/keeldb/config"
	filemanager "github.com/keeldb/keeldb/core/file_manager"
	"github.com/keeldb/keeldb/core/transaction"
	diskwritequeue "github.com/keeldb/keeldb/core/write_engine/disk_write_queue"
	"github.com/keeldb/keeldb/pkg/logger"
	"github.com/keeldb/keeldb/pkg/telemetry"
)

// CommitOpt selects the commit behavior of end-transaction.
type CommitOpt uint8

const (
	// CommitNormal uses the handle's configured durability mode.
	CommitNormal CommitOpt = iota
	// CommitFlushWal forces the commit log to disk even on handles
	// configured for asynchronous durability.
	CommitFlushWal
)

// Engine is the process-wide storage engine instance.
type Engine struct {
	cfg *config.Config
	log *zap.Logger
	met *metrics

	telShutdown telemetry.ShutdownFunc

	mu     sync.Mutex
	files  map[string]*filemanager.FileManager
	closed bool
}

var (
	instanceMu sync.Mutex
	instance   *Engine
)

// Open initializes the engine from cfg and installs it as the process
// singleton used by the package-level API.
func Open(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	tel, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	e := &Engine{
		cfg:         cfg,
		log:         log,
		telShutdown: telShutdown,
		files:       make(map[string]*filemanager.FileManager),
	}
	e.met, err = newMetrics(tel.Meter, e.uncommittedItems)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	instanceMu.Lock()
	instance = e
	instanceMu.Unlock()

	log.Info("engine opened", zap.String("data_dir", cfg.DataDir))
	return e, nil
}

// GetInstance returns the engine singleton, or nil if none is open.
func GetInstance() *Engine {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	return instance
}

// Close shuts down every open file and the telemetry providers, and clears
// the singleton if it still points at this engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	files := make([]*filemanager.FileManager, 0, len(e.files))
	for _, f := range e.files {
		files = append(files, f)
	}
	e.files = make(map[string]*filemanager.FileManager)
	e.mu.Unlock()

	var firstErr error
	for _, f := range files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.telShutdown(context.Background()); err != nil && firstErr == nil {
		firstErr = err
	}

	instanceMu.Lock()
	if instance == e {
		instance = nil
	}
	instanceMu.Unlock()

	e.log.Info("engine closed")
	return firstErr
}

// OpenFile opens (or attaches to) the database file at path and returns a
// file handle rooted on it.
func (e *Engine) OpenFile(path string) (*FileHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	f, ok := e.files[path]
	if !ok {
		q, err := diskwritequeue.Open(path, e.cfg.CommitBufferSize, e.log)
		if err != nil {
			return nil, fmt.Errorf("failed to open commit queue for %s: %w", path, err)
		}
		f = filemanager.Open(path, q, e.log)
		e.files[path] = f
	}
	f.Ref()
	return newFileHandle(f, e.cfg.DurabilityAsync), nil
}

// uncommittedItems sums staged WAL items across open files; metrics callback.
func (e *Engine) uncommittedItems() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var n int64
	for _, f := range e.files {
		n += int64(f.Wal().NumUncommittedItems())
	}
	return n
}

// BeginTransaction starts a transaction on the handle's root. At most one
// transaction is live per handle; only root handles may own one.
func (e *Engine) BeginTransaction(h *KvsHandle, isolation transaction.IsolationLevel) error {
	if h == nil || h.root() == nil {
		return ErrInvalidHandle
	}
	if h.kind == HandleSub {
		// Transactions are denied on sub-handles, whatever the file state.
		return ErrInvalidHandle
	}
	root := h.root()
	if root.txn != nil {
		return ErrTransactionConflict
	}
	if !root.beginBusy() {
		return ErrHandleBusy
	}

	var file *filemanager.FileManager
	for { // repeat until file status is not removed-pending
		if err := e.checkFileReopen(root); err != nil {
			root.endBusy()
			return err
		}
		file = root.file
		file.Lock()
		syncDBHeader(root)

		if file.IsRollbackOn() {
			// Deny beginning a transaction during rollback.
			file.Unlock()
			root.endBusy()
			return ErrRollbackInProgress
		}
		if file.Status() != filemanager.FileRemovedPending {
			break
		}
		// File status was changed by another thread; release the lock and
		// start over rather than waiting under it.
		file.Unlock()
	}

	headerBlock := root.lastHeaderBlock
	if file.Status() == filemanager.FileCompactOld {
		// The transaction will land on the new file; there is no previous
		// header in that file's frame of reference until compaction ends.
		headerBlock = filemanager.BlockNotFound
	}
	txn := transaction.New(isolation, headerBlock, root.headerRevnum)
	if err := file.Wal().AddTransaction(txn); err != nil {
		file.Unlock()
		root.endBusy()
		return err
	}
	root.txn = txn

	file.Unlock()
	root.endBusy()

	e.met.txnBegun.Add(context.Background(), 1)
	e.log.Debug("transaction begun",
		zap.Uint64("txn_id", txn.ID()),
		zap.String("handle", root.id),
		zap.String("file", file.Path()))
	return nil
}

// EndTransaction commits the handle's transaction. A commit failure leaves
// the transaction registered and intact so the caller may retry end or
// abort.
//
// Unlike begin and abort, end does not take the handle's busy guard: callers
// must not invoke end concurrently with another lifecycle operation on the
// same handle. See DESIGN.md.
func (e *Engine) EndTransaction(h *KvsHandle, opt CommitOpt) error {
	if h == nil || h.root() == nil {
		return ErrInvalidHandle
	}
	if h.kind == HandleSub {
		return ErrInvalidHandle
	}
	root := h.root()
	if root.txn == nil {
		return ErrTransactionConflict
	}
	txn := root.txn

	if txn.ItemCount() > 0 {
		// Chase any compaction switch first so the commit publishes into the
		// WAL the handle finishes on, not into a superseded snapshot.
		if err := e.checkFileReopen(root); err != nil {
			return err
		}
		syncDurability := !root.durabilityAsync
		if err := e.commitWithHandle(root, opt, syncDurability); err != nil {
			return err
		}
	}

	var file *filemanager.FileManager
	for { // repeat until file status is not removed-pending
		if err := e.checkFileReopen(root); err != nil {
			return err
		}
		file = root.file
		file.Lock()
		syncDBHeader(root)
		if file.Status() != filemanager.FileRemovedPending {
			break
		}
		file.Unlock()
	}

	if err := file.Wal().RemoveTransaction(txn); err != nil {
		// Registration is keyed by txn id and lives exactly as long as the
		// transaction; a miss here means a protocol bug, not a user error.
		e.log.Error("end-transaction found no wal registration",
			zap.Uint64("txn_id", txn.ID()), zap.Error(err))
	}
	root.txn = nil
	file.Unlock()

	e.met.txnCommitted.Add(context.Background(), 1)
	e.log.Debug("transaction ended",
		zap.Uint64("txn_id", txn.ID()),
		zap.String("handle", root.id))
	return nil
}

// AbortTransaction discards the handle's transaction and every WAL entry it
// staged, making those mutations invisible to any subsequent reader.
func (e *Engine) AbortTransaction(h *KvsHandle) error {
	if h == nil || h.root() == nil {
		return ErrInvalidHandle
	}
	if h.kind == HandleSub {
		return ErrInvalidHandle
	}
	root := h.root()
	if root.txn == nil {
		return ErrTransactionConflict
	}
	if !root.beginBusy() {
		return ErrHandleBusy
	}
	txn := root.txn

	var file *filemanager.FileManager
	for { // repeat until file status is not removed-pending
		if err := e.checkFileReopen(root); err != nil {
			root.endBusy()
			return err
		}
		file = root.file
		file.Lock()
		syncDBHeader(root)
		if file.Status() != filemanager.FileRemovedPending {
			break
		}
		file.Unlock()
	}

	file.Wal().DiscardTxnEntries(txn)
	if err := file.Wal().RemoveTransaction(txn); err != nil {
		e.log.Error("abort-transaction found no wal registration",
			zap.Uint64("txn_id", txn.ID()), zap.Error(err))
	}
	root.txn = nil

	file.Unlock()
	root.endBusy()

	e.met.txnAborted.Add(context.Background(), 1)
	e.log.Debug("transaction aborted",
		zap.Uint64("txn_id", txn.ID()),
		zap.String("handle", root.id))
	return nil
}

// commitWithHandle pushes the transaction's staged items through the commit
// queue, waits for durability when required, then publishes the committed
// view and advances the header. The file lock is taken only for the
// publication step, never across queue I/O.
func (e *Engine) commitWithHandle(h *KvsHandle, opt CommitOpt, syncDurability bool) error {
	txn := h.txn
	file := h.file
	queue := file.Queue()
	if queue == nil {
		return ErrFileNotOpen
	}

	for _, item := range file.Wal().TxnItems(txn) {
		rec := &diskwritequeue.Record{
			Type:  diskwritequeue.RecordSet,
			TxnID: item.TxnID,
			Key:   item.Key,
			Value: item.Value,
		}
		if item.Deleted {
			rec.Type = diskwritequeue.RecordDelete
			rec.Value = nil
		}
		if err := queue.Append(rec); err != nil {
			return fmt.Errorf("failed to append commit record: %w", err)
		}
	}
	if err := queue.Append(&diskwritequeue.Record{
		Type:  diskwritequeue.RecordCommit,
		TxnID: txn.ID(),
	}); err != nil {
		return fmt.Errorf("failed to append commit marker: %w", err)
	}
	if syncDurability || opt == CommitFlushWal {
		if err := queue.Sync(); err != nil {
			return fmt.Errorf("failed to sync commit log: %w", err)
		}
	}

	for {
		file = h.file
		file.Lock()
		if file.Status() == filemanager.FileRemovedPending {
			// The file was switched out under us; publish on its replacement.
			file.Unlock()
			if err := e.checkFileReopen(h); err != nil {
				return err
			}
			continue
		}
		if err := file.Wal().Commit(txn); err != nil {
			file.Unlock()
			return err
		}
		block, revnum := file.CommitHeader()
		h.lastHeaderBlock = block
		h.headerRevnum = revnum
		file.Unlock()
		return nil
	}
}

// checkFileReopen migrates a handle whose file has been superseded by
// compaction onto the replacement file, carrying a live transaction's WAL
// registration and staged entries across with it. Called without the file
// lock.
func (e *Engine) checkFileReopen(h *KvsHandle) error {
	if h.file == nil {
		return ErrFileNotOpen
	}
	for {
		nf := h.file.Redirect()
		if nf == nil {
			return nil
		}
		if txn := h.txn; txn != nil {
			if err := nf.Wal().AdoptTransactionFrom(h.file.Wal(), txn); err != nil {
				e.log.Error("failed to carry transaction onto compacted file",
					zap.Uint64("txn_id", txn.ID()), zap.Error(err))
			}
		}
		h.file.Unref()
		nf.Ref()
		e.log.Info("handle reopened onto compacted file",
			zap.String("handle", h.id),
			zap.String("from", h.file.Path()),
			zap.String("to", nf.Path()))
		h.file = nf
	}
}

// syncDBHeader refreshes the handle's header view from the file's latest
// committed header. Caller holds the file lock.
func syncDBHeader(h *KvsHandle) {
	h.lastHeaderBlock, h.headerRevnum = h.file.Header()
}

// BeginTransaction starts a transaction through the engine singleton.
func BeginTransaction(h *KvsHandle, isolation transaction.IsolationLevel) error {
	e := GetInstance()
	if e == nil {
		return ErrEngineNotInstantiated
	}
	return e.BeginTransaction(h, isolation)
}

// EndTransaction commits a transaction through the engine singleton.
func EndTransaction(h *KvsHandle, opt CommitOpt) error {
	e := GetInstance()
	if e == nil {
		return ErrEngineNotInstantiated
	}
	return e.EndTransaction(h, opt)
}

// AbortTransaction aborts a transaction through the engine singleton.
func AbortTransaction(h *KvsHandle) error {
	e := GetInstance()
	if e == nil {
		return ErrEngineNotInstantiated
	}
	return e.AbortTransaction(h)
}
