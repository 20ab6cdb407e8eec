package engine

import (
	"fmt"

	filemanager "github.com/keeldb/keeldb/core/file_manager"
	diskwritequeue "github.com/keeldb/keeldb/core/write_engine/disk_write_queue"
)

// subKeySeparator joins a sub-handle's partition name with the user key.
// Partition names never contain NUL.
const subKeySeparator = byte(0)

// namespacedKey maps a handle-relative key onto the file's flat keyspace.
func (h *KvsHandle) namespacedKey(key []byte) []byte {
	if h.kind == HandleRoot {
		return key
	}
	out := make([]byte, 0, len(h.name)+1+len(key))
	out = append(out, h.name...)
	out = append(out, subKeySeparator)
	out = append(out, key...)
	return out
}

// Put writes key=value through the handle. Inside a transaction the write is
// staged in the WAL and becomes visible to other readers only at commit;
// outside one it is applied immediately (auto-commit).
func (e *Engine) Put(h *KvsHandle, key, value []byte) error {
	root := h.root()
	if root == nil || root.file == nil {
		return ErrInvalidHandle
	}
	if err := e.checkFileReopen(root); err != nil {
		return err
	}
	k := h.namespacedKey(key)
	if txn := root.txn; txn != nil {
		return root.file.Wal().Insert(txn, k, value)
	}
	return e.autoCommit(root, &diskwritequeue.Record{
		Type:  diskwritequeue.RecordSet,
		Key:   k,
		Value: value,
	})
}

// Delete removes key through the handle, with the same transactional
// semantics as Put.
func (e *Engine) Delete(h *KvsHandle, key []byte) error {
	root := h.root()
	if root == nil || root.file == nil {
		return ErrInvalidHandle
	}
	if err := e.checkFileReopen(root); err != nil {
		return err
	}
	k := h.namespacedKey(key)
	if txn := root.txn; txn != nil {
		return root.file.Wal().Delete(txn, k)
	}
	return e.autoCommit(root, &diskwritequeue.Record{
		Type: diskwritequeue.RecordDelete,
		Key:  k,
	})
}

// Get reads key as seen through the handle: the root's live transaction
// first, then the committed view.
func (e *Engine) Get(h *KvsHandle, key []byte) ([]byte, error) {
	root := h.root()
	if root == nil || root.file == nil {
		return nil, ErrInvalidHandle
	}
	// A superseded file's WAL is a frozen snapshot; read the live one.
	if err := e.checkFileReopen(root); err != nil {
		return nil, err
	}
	value, ok := root.file.Wal().Get(root.txn, h.namespacedKey(key))
	if !ok {
		return nil, ErrKeyNotFound
	}
	return value, nil
}

// autoCommit applies a single non-transactional mutation: queue it, honor
// the handle's durability mode, publish, advance the header. Publication
// happens under the file lock; a removed-pending file observed there means
// compaction switched the file mid-commit, and the publication moves to the
// replacement.
func (e *Engine) autoCommit(root *KvsHandle, rec *diskwritequeue.Record) error {
	file := root.file
	queue := file.Queue()
	if queue == nil {
		return ErrFileNotOpen
	}
	if err := queue.Append(rec); err != nil {
		return fmt.Errorf("failed to append auto-commit record: %w", err)
	}
	if err := queue.Append(&diskwritequeue.Record{Type: diskwritequeue.RecordCommit}); err != nil {
		return fmt.Errorf("failed to append auto-commit marker: %w", err)
	}
	if !root.durabilityAsync {
		if err := queue.Sync(); err != nil {
			return fmt.Errorf("failed to sync commit log: %w", err)
		}
	}

	for {
		file = root.file
		file.Lock()
		if file.Status() == filemanager.FileRemovedPending {
			file.Unlock()
			if err := e.checkFileReopen(root); err != nil {
				return err
			}
			continue
		}
		file.Wal().CommitSingle(rec.Key, rec.Value, rec.Type == diskwritequeue.RecordDelete)
		block, revnum := file.CommitHeader()
		root.lastHeaderBlock = block
		root.headerRevnum = revnum
		file.Unlock()
		return nil
	}
}
