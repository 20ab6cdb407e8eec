// Package transaction implements the per-handle unit of isolated work: the
// transaction object itself and the ordered list of pending write items it
// accumulates between begin and end/abort.
package transaction

import (
	"sync"

	"go.uber.org/atomic"
)

// IndexNotSet is the sentinel stored in an item's list-index field while the
// item is not held by any transaction item list.
const IndexNotSet = ^uint64(0)

// Item is the view this package needs of a pending write item. The concrete
// type is owned by the WAL; the transaction only tracks the item's slot in
// its list.
type Item interface {
	ListIndex() uint64
	SetListIndex(idx uint64)
}

// IsolationLevel controls what concurrent state a transaction's reads may
// observe. It is stored on the transaction and interpreted by the WAL.
type IsolationLevel uint8

const (
	IsolationReadCommitted IsolationLevel = iota + 1
	IsolationReadUncommitted
)

// txnID is the process-wide transaction id source: unique and monotonically
// increasing, never reset for the life of the process.
var txnID atomic.Uint64

// Transaction is one isolated unit of work on a single file. It is created
// by the begin protocol and retired by exactly one of end or abort. The item
// list is mutated concurrently by the write path until the transaction is
// retired, so all list access goes through the transaction's private lock.
type Transaction struct {
	id        uint64
	isolation IsolationLevel

	// Snapshot anchor captured at begin time: the header block the
	// transaction would roll back to, and that header's revision number.
	prevHeaderBlock uint64
	prevRevnum      uint64

	// mu guards items only. It is the innermost lock in the engine and is
	// never held across any file-lock acquisition.
	mu    sync.Mutex
	items *ItemList
}

// New constructs a transaction with a freshly assigned id. The id is assigned
// exactly once and never changes.
func New(isolation IsolationLevel, prevHeaderBlock, prevRevnum uint64) *Transaction {
	return &Transaction{
		id:              txnID.Inc(),
		isolation:       isolation,
		prevHeaderBlock: prevHeaderBlock,
		prevRevnum:      prevRevnum,
	}
}

// ID returns the transaction's unique identifier.
func (t *Transaction) ID() uint64 { return t.id }

// Isolation returns the isolation level requested at begin time.
func (t *Transaction) Isolation() IsolationLevel { return t.isolation }

// PrevHeaderBlock returns the header block id captured at begin time.
// BlockNotFound-style sentinels are the caller's concern.
func (t *Transaction) PrevHeaderBlock() uint64 { return t.prevHeaderBlock }

// PrevRevnum returns the header revision number captured at begin time.
func (t *Transaction) PrevRevnum() uint64 { return t.prevRevnum }

// AddItem appends item to the transaction's list, allocating the list on the
// first call, and returns the item's stable slot index. If old supersedes a
// prior item still held by the list, the prior item's slot is cleared and its
// index reset. The caller stores the returned index on the item.
func (t *Transaction) AddItem(item, old Item) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.items == nil {
		// Allocate on demand when the first item is inserted.
		t.items = newItemList()
	}
	if old != nil {
		if idx := old.ListIndex(); idx != IndexNotSet {
			t.items.clear(idx)
			old.SetListIndex(IndexNotSet)
		}
	}
	return t.items.add(item)
}

// ResetItem clears the slot holding item, leaving a hole so other indices
// stay valid, and marks the item's index as unset. The list must already
// exist; calling this twice for the same item without an intervening AddItem
// is a caller bug.
func (t *Transaction) ResetItem(item Item) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items.clear(item.ListIndex())
	item.SetListIndex(IndexNotSet)
}

// ItemCount returns the number of slots in the list, holes included.
func (t *Transaction) ItemCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.items == nil {
		return 0
	}
	return t.items.count()
}

// Items returns a snapshot of the list's slots. Cleared slots appear as nil.
// The snapshot is taken under the transaction lock; the live list may change
// immediately after return.
func (t *Transaction) Items() []Item {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.items == nil {
		return nil
	}
	return t.items.snapshot()
}

// ResetItems discards the whole list, returning the transaction to its
// pre-first-write state. Used when the transaction is aborted.
func (t *Transaction) ResetItems() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = nil
}
