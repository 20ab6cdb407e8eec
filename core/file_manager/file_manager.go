// Package filemanager owns the shared, per-file state of a keeldb database
// file: its status, its header snapshot identifiers, its write-ahead log and
// commit queue, and the coarse mutex (the "file lock") that every status or
// WAL-registry transition is made under.
package filemanager

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	diskwritequeue "github.com/keeldb/keeldb/core/write_engine/disk_write_queue"
	"github.com/keeldb/keeldb/core/wal"
)

// BlockNotFound is the sentinel header block id meaning "no prior header
// exists in this file's frame of reference".
const BlockNotFound = ^uint64(0)

// FileStatus is the file-wide state set by background operations. It changes
// asynchronously to any handle, so the transaction protocols re-read it
// under the file lock on every attempt.
type FileStatus uint8

const (
	// FileNormal is the steady state.
	FileNormal FileStatus = iota
	// FileCompactOld marks a file whose contents are being compacted onto a
	// new file; writes continue here until the switch completes.
	FileCompactOld
	// FileRemovedPending marks a file that has been superseded and is
	// awaiting removal once its last references drain. Transaction
	// lifecycle operations must not touch a file in this state.
	FileRemovedPending
)

func (s FileStatus) String() string {
	switch s {
	case FileNormal:
		return "normal"
	case FileCompactOld:
		return "compact-old"
	case FileRemovedPending:
		return "removed-pending"
	default:
		return "unknown"
	}
}

// CommitQueue is the durability sink for committed mutations. The production
// implementation is the disk write queue; tests substitute recorders.
type CommitQueue interface {
	Append(rec *diskwritequeue.Record) error
	Sync() error
	Close() error
}

// FileManager is the shared state behind one database file. It is reference
// counted across the handles that point at it.
//
// The embedded mutex is the file lock. It guards status, rollback state, the
// header identifiers, the redirect pointer, and all WAL registry mutation.
// It is never held across a commit, a reopen check, or any unbounded wait.
type FileManager struct {
	path string
	log  *zap.Logger

	mu           sync.Mutex
	status       FileStatus
	rollbackCnt  int
	headerBlock  uint64
	headerRevnum uint64
	newFile      *FileManager

	walLog   *wal.Wal
	queue    CommitQueue
	refCount atomic.Int32
}

// Open wires a FileManager around path with the given commit queue.
func Open(path string, queue CommitQueue, log *zap.Logger) *FileManager {
	if log == nil {
		log = zap.NewNop()
	}
	f := &FileManager{
		path:        path,
		log:         log,
		status:      FileNormal,
		headerBlock: BlockNotFound,
		walLog:      wal.NewWal(log),
		queue:       queue,
	}
	return f
}

// Path returns the database file path.
func (f *FileManager) Path() string { return f.path }

// Lock acquires the file lock.
func (f *FileManager) Lock() { f.mu.Lock() }

// Unlock releases the file lock.
func (f *FileManager) Unlock() { f.mu.Unlock() }

// Status returns the file status. Caller holds the file lock.
func (f *FileManager) Status() FileStatus { return f.status }

// SetStatus transitions the file status. Caller holds the file lock.
func (f *FileManager) SetStatus(s FileStatus) {
	f.log.Debug("file status change",
		zap.String("path", f.path),
		zap.String("from", f.status.String()),
		zap.String("to", s.String()))
	f.status = s
}

// IsRollbackOn reports whether a rollback is in progress on this file.
// Caller holds the file lock.
func (f *FileManager) IsRollbackOn() bool { return f.rollbackCnt > 0 }

// BeginRollback marks a rollback in progress. Caller holds the file lock.
func (f *FileManager) BeginRollback() { f.rollbackCnt++ }

// EndRollback clears one in-progress rollback. Caller holds the file lock.
func (f *FileManager) EndRollback() {
	if f.rollbackCnt > 0 {
		f.rollbackCnt--
	}
}

// Header returns the latest committed header's block id and revision number.
// Caller holds the file lock.
func (f *FileManager) Header() (block, revnum uint64) {
	return f.headerBlock, f.headerRevnum
}

// CommitHeader records a new committed header and returns its identifiers.
// The block id tracks the revision in this engine's single-file layout.
// Caller holds the file lock.
func (f *FileManager) CommitHeader() (block, revnum uint64) {
	f.headerRevnum++
	f.headerBlock = f.headerRevnum
	return f.headerBlock, f.headerRevnum
}

// AdoptHeader seeds the header identifiers, e.g. on a compaction target
// inheriting the source file's committed state. Caller holds the file lock.
func (f *FileManager) AdoptHeader(block, revnum uint64) {
	f.headerBlock = block
	f.headerRevnum = revnum
}

// Wal returns the file's write-ahead log.
func (f *FileManager) Wal() *wal.Wal { return f.walLog }

// Queue returns the file's commit queue.
func (f *FileManager) Queue() CommitQueue {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queue
}

// SetQueue replaces the commit queue, e.g. when a file is retargeted after
// compaction or when a test installs a recorder. The previous queue is
// returned so the caller can close it.
func (f *FileManager) SetQueue(q CommitQueue) CommitQueue {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.queue
	f.queue = q
	return prev
}

// Redirect returns the file this one has been superseded by, or nil. Safe to
// call without the file lock; used by the reopen check before it takes it.
func (f *FileManager) Redirect() *FileManager {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.newFile
}

// SetRedirect installs the forwarding pointer to the file's replacement.
// Caller holds the file lock.
func (f *FileManager) SetRedirect(nf *FileManager) { f.newFile = nf }

// Ref increments the handle reference count.
func (f *FileManager) Ref() { f.refCount.Inc() }

// Unref decrements the handle reference count and returns the new count.
func (f *FileManager) Unref() int32 { return f.refCount.Dec() }

// RefCount returns the current handle reference count.
func (f *FileManager) RefCount() int32 { return f.refCount.Load() }

// Close shuts down the commit queue. The WAL is purely in-memory and needs
// no teardown.
func (f *FileManager) Close() error {
	f.mu.Lock()
	q := f.queue
	f.queue = nil
	f.mu.Unlock()
	if q == nil {
		return nil
	}
	return q.Close()
}
