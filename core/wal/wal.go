// Package wal implements the in-memory write-ahead log for a single file:
// the live registry of transactions, the staging area for their uncommitted
// write items, and the committed view served to readers.
package wal

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/keeldb/keeldb/core/transaction"
)

var (
	ErrTxnAlreadyRegistered = errors.New("transaction already registered in wal")
	ErrTxnNotRegistered     = errors.New("transaction not registered in wal")
	ErrNilTransaction       = errors.New("nil transaction")
)

// Wal is the per-file write-ahead log.
//
// Registry mutation (AddTransaction, RemoveTransaction, DiscardTxnEntries)
// is only ever called by the lifecycle protocols while they hold the file
// lock; the Wal's own lock additionally covers the item maps, which the
// write path mutates without the file lock.
type Wal struct {
	log *zap.Logger

	mu sync.RWMutex
	// txns is the registry of live transactions, keyed by transaction id.
	// Entries are non-owning: the handle owns the transaction, the registry
	// only references it between begin and end/abort.
	txns map[uint64]*transaction.Transaction
	// uncommitted stages write items per transaction, keyed by document key.
	uncommitted map[uint64]map[string]*Item
	// committed is the merged view of committed documents not yet compacted
	// into the main file. Deletions are recorded as nil values.
	committed map[string][]byte
}

// NewWal creates an empty write-ahead log.
func NewWal(log *zap.Logger) *Wal {
	if log == nil {
		log = zap.NewNop()
	}
	return &Wal{
		log:         log,
		txns:        make(map[uint64]*transaction.Transaction),
		uncommitted: make(map[uint64]map[string]*Item),
		committed:   make(map[string][]byte),
	}
}

// AddTransaction registers txn in the WAL. A transaction is registered at
// most once for its whole lifetime. Caller holds the file lock.
func (w *Wal) AddTransaction(txn *transaction.Transaction) error {
	if txn == nil {
		return ErrNilTransaction
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.txns[txn.ID()]; ok {
		return ErrTxnAlreadyRegistered
	}
	w.txns[txn.ID()] = txn
	w.log.Debug("wal: transaction registered", zap.Uint64("txn_id", txn.ID()))
	return nil
}

// RemoveTransaction deregisters txn. Caller holds the file lock.
func (w *Wal) RemoveTransaction(txn *transaction.Transaction) error {
	if txn == nil {
		return ErrNilTransaction
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.txns[txn.ID()]; !ok {
		return ErrTxnNotRegistered
	}
	delete(w.txns, txn.ID())
	w.log.Debug("wal: transaction deregistered", zap.Uint64("txn_id", txn.ID()))
	return nil
}

// HasTransaction reports whether the transaction id is currently registered.
func (w *Wal) HasTransaction(id uint64) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.txns[id]
	return ok
}

// NumTransactions returns the number of registered transactions.
func (w *Wal) NumTransactions() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.txns)
}

// Insert stages a write of key=value under txn. A second write to the same
// key in the same transaction supersedes the first: the new item takes the
// key slot and the prior item's slot in the transaction's list is cleared.
func (w *Wal) Insert(txn *transaction.Transaction, key, value []byte) error {
	return w.stage(txn, key, value, false)
}

// Delete stages a tombstone for key under txn.
func (w *Wal) Delete(txn *transaction.Transaction, key []byte) error {
	return w.stage(txn, key, nil, true)
}

func (w *Wal) stage(txn *transaction.Transaction, key, value []byte, deleted bool) error {
	if txn == nil {
		return ErrNilTransaction
	}
	item := newItem(txn.ID(), key, value, deleted)

	w.mu.Lock()
	if _, ok := w.txns[txn.ID()]; !ok {
		w.mu.Unlock()
		return ErrTxnNotRegistered
	}
	stageMap := w.uncommitted[txn.ID()]
	if stageMap == nil {
		stageMap = make(map[string]*Item)
		w.uncommitted[txn.ID()] = stageMap
	}
	old := stageMap[string(key)]
	// old must be set before the item is reachable through the staging map.
	item.old = old
	stageMap[string(key)] = item
	w.mu.Unlock()

	// The transaction clears the superseded item's slot; the WAL stores the
	// returned index on the new item.
	idx := txn.AddItem(item, asTxnItem(old))
	item.SetListIndex(idx)
	return nil
}

// asTxnItem converts a possibly-nil *Item into the transaction.Item
// interface without producing a non-nil interface around a nil pointer.
func asTxnItem(it *Item) transaction.Item {
	if it == nil {
		return nil
	}
	return it
}

// Get reads key as seen by txn. A transaction sees its own staged writes
// before the committed view; a nil txn (or a transaction with no staged
// write for the key) sees the committed view only. A read-uncommitted
// transaction additionally sees other transactions' staged writes.
// The boolean reports whether the key exists in that view.
func (w *Wal) Get(txn *transaction.Transaction, key []byte) ([]byte, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if txn != nil {
		if item, ok := w.uncommitted[txn.ID()][string(key)]; ok {
			if item.Deleted {
				return nil, false
			}
			return item.Value, true
		}
		if txn.Isolation() == transaction.IsolationReadUncommitted {
			for id, stageMap := range w.uncommitted {
				if id == txn.ID() {
					continue
				}
				if item, ok := stageMap[string(key)]; ok {
					if item.Deleted {
						return nil, false
					}
					return item.Value, true
				}
			}
		}
	}

	value, ok := w.committed[string(key)]
	if !ok || value == nil {
		return nil, false
	}
	return value, true
}

// TxnItems returns txn's staged items in list order, skipping cleared slots.
func (w *Wal) TxnItems(txn *transaction.Transaction) []*Item {
	if txn == nil {
		return nil
	}
	var out []*Item
	for _, ref := range txn.Items() {
		if ref == nil {
			continue
		}
		if item, ok := ref.(*Item); ok {
			out = append(out, item)
		}
	}
	return out
}

// Commit publishes txn's staged items into the committed view and drops the
// staging entries. Caller holds the file lock.
func (w *Wal) Commit(txn *transaction.Transaction) error {
	if txn == nil {
		return ErrNilTransaction
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	stageMap := w.uncommitted[txn.ID()]
	for key, item := range stageMap {
		if item.Deleted {
			delete(w.committed, key)
		} else {
			w.committed[key] = item.Value
		}
	}
	delete(w.uncommitted, txn.ID())
	w.log.Debug("wal: transaction committed",
		zap.Uint64("txn_id", txn.ID()),
		zap.Int("items", len(stageMap)))
	return nil
}

// CommitSingle publishes one non-transactional (auto-commit) write.
func (w *Wal) CommitSingle(key, value []byte, deleted bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if deleted {
		delete(w.committed, string(key))
		return
	}
	w.committed[string(key)] = append([]byte(nil), value...)
}

// DiscardTxnEntries drops every uncommitted entry staged by txn and resets
// the transaction's item list, making the mutations invisible to any
// subsequent reader. Caller holds the file lock.
func (w *Wal) DiscardTxnEntries(txn *transaction.Transaction) {
	if txn == nil {
		return
	}
	w.mu.Lock()
	n := len(w.uncommitted[txn.ID()])
	delete(w.uncommitted, txn.ID())
	w.mu.Unlock()

	txn.ResetItems()
	w.log.Debug("wal: transaction entries discarded",
		zap.Uint64("txn_id", txn.ID()),
		zap.Int("items", n))
}

// AdoptTransactionFrom moves txn's registration and staged entries from src
// into w. Used when a handle migrates onto a compacted file while its
// transaction is still live, so the transaction is registered in exactly one
// WAL at every point of its lifetime.
func (w *Wal) AdoptTransactionFrom(src *Wal, txn *transaction.Transaction) error {
	if txn == nil {
		return ErrNilTransaction
	}
	src.mu.Lock()
	if _, ok := src.txns[txn.ID()]; !ok {
		src.mu.Unlock()
		return ErrTxnNotRegistered
	}
	delete(src.txns, txn.ID())
	staged := src.uncommitted[txn.ID()]
	delete(src.uncommitted, txn.ID())
	src.mu.Unlock()

	w.mu.Lock()
	w.txns[txn.ID()] = txn
	if len(staged) > 0 {
		w.uncommitted[txn.ID()] = staged
	}
	w.mu.Unlock()

	w.log.Debug("wal: transaction adopted",
		zap.Uint64("txn_id", txn.ID()),
		zap.Int("items", len(staged)))
	return nil
}

// AdoptCommittedFrom copies src's committed view into w. Used when
// compaction hands a file's contents to its replacement; the replacement's
// WAL starts from the old file's committed state.
func (w *Wal) AdoptCommittedFrom(src *Wal) {
	src.mu.RLock()
	snapshot := make(map[string][]byte, len(src.committed))
	for k, v := range src.committed {
		snapshot[k] = v
	}
	src.mu.RUnlock()

	w.mu.Lock()
	for k, v := range snapshot {
		w.committed[k] = v
	}
	w.mu.Unlock()
}

// NumUncommittedItems returns the count of staged items across all live
// transactions.
func (w *Wal) NumUncommittedItems() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	n := 0
	for _, stageMap := range w.uncommitted {
		n += len(stageMap)
	}
	return n
}
