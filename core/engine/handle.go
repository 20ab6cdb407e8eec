package engine

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	filemanager "github.com/keeldb/keeldb/core/file_manager"
	"github.com/keeldb/keeldb/core/transaction"
)

// HandleKind distinguishes the file's root handle from namespaced sub-handle
// views. Only root handles may own a transaction.
type HandleKind uint8

const (
	HandleRoot HandleKind = iota
	HandleSub
)

// KvsHandle is a caller-visible session bound to one file, either the root
// view or a named partition. It owns at most one live transaction and a
// non-blocking busy guard serializing lifecycle operations.
type KvsHandle struct {
	id   string
	kind HandleKind
	// name is the partition name; empty for the root handle.
	name string

	owner *FileHandle
	file  *filemanager.FileManager
	txn   *transaction.Transaction

	// busy is the lifecycle guard: a failed try-acquire fails fast with
	// ErrHandleBusy rather than queueing.
	busy atomic.Bool

	// Header view captured by the last header sync, used as the snapshot
	// anchor for transactions begun on this handle.
	lastHeaderBlock uint64
	headerRevnum    uint64

	// durabilityAsync mirrors the engine configuration at open time.
	durabilityAsync bool
}

// ID returns the handle's identifier, used for log correlation.
func (h *KvsHandle) ID() string { return h.id }

// Kind reports whether this is the root handle or a sub-handle.
func (h *KvsHandle) Kind() HandleKind { return h.kind }

// File returns the file currently backing this handle.
func (h *KvsHandle) File() *filemanager.FileManager { return h.file }

// Transaction returns the handle's live transaction, or nil.
func (h *KvsHandle) Transaction() *transaction.Transaction { return h.txn }

// beginBusy try-acquires the busy guard. It never blocks.
func (h *KvsHandle) beginBusy() bool { return h.busy.CompareAndSwap(false, true) }

// endBusy releases the busy guard.
func (h *KvsHandle) endBusy() { h.busy.Store(false) }

// FileHandle is the caller's entry point to one open file: the root handle
// plus any named sub-handles opened through it.
type FileHandle struct {
	mu   sync.Mutex
	root *KvsHandle
	subs map[string]*KvsHandle
}

func newFileHandle(file *filemanager.FileManager, durabilityAsync bool) *FileHandle {
	block, revnum := file.Header()
	root := &KvsHandle{
		id:              uuid.New().String(),
		kind:            HandleRoot,
		file:            file,
		lastHeaderBlock: block,
		headerRevnum:    revnum,
		durabilityAsync: durabilityAsync,
	}
	fh := &FileHandle{
		root: root,
		subs: make(map[string]*KvsHandle),
	}
	root.owner = fh
	return fh
}

// RootHandle returns the file's root handle, or nil on a torn-down handle.
func (fh *FileHandle) RootHandle() *KvsHandle {
	if fh == nil {
		return nil
	}
	return fh.root
}

// OpenKvs opens (or returns the existing) sub-handle for the named
// partition. Sub-handles share the root's file and transaction but may not
// own transactions themselves.
func (fh *FileHandle) OpenKvs(name string) *KvsHandle {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	if h, ok := fh.subs[name]; ok {
		return h
	}
	h := &KvsHandle{
		id:              uuid.New().String(),
		kind:            HandleSub,
		name:            name,
		owner:           fh,
		file:            fh.root.file,
		durabilityAsync: fh.root.durabilityAsync,
	}
	fh.subs[name] = h
	return h
}

// root resolves the file's root handle from any handle on the file.
// Sub-handle writes are accumulated under the root's transaction.
func (h *KvsHandle) root() *KvsHandle {
	if h == nil || h.owner == nil {
		return nil
	}
	return h.owner.root
}
