package wal

import (
	"go.uber.org/atomic"

	"github.com/keeldb/keeldb/core/transaction"
)

// Item is one buffered mutation staged in the WAL. It carries the index of
// its slot in the owning transaction's item list, and may reference a prior
// item for the same key that it superseded.
//
// The list index is read and written from both the write path and the
// lifecycle path, so it is kept atomic.
type Item struct {
	TxnID   uint64
	Key     []byte
	Value   []byte
	Deleted bool

	listIndex atomic.Uint64
	old       *Item
}

func newItem(txnID uint64, key, value []byte, deleted bool) *Item {
	it := &Item{
		TxnID:   txnID,
		Key:     append([]byte(nil), key...),
		Value:   append([]byte(nil), value...),
		Deleted: deleted,
	}
	it.listIndex.Store(transaction.IndexNotSet)
	return it
}

// ListIndex returns the item's slot in its transaction's item list, or
// transaction.IndexNotSet when the item is not held by a list.
func (it *Item) ListIndex() uint64 { return it.listIndex.Load() }

// SetListIndex stores the item's list slot index.
func (it *Item) SetListIndex(idx uint64) { it.listIndex.Store(idx) }

// Old returns the prior item this one superseded, if any.
func (it *Item) Old() *Item { return it.old }
