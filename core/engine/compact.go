package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	filemanager "github.com/keeldb/keeldb/core/file_manager"
	"github.com/keeldb/keeldb/core/storage_engine/compactor"
	diskwritequeue "github.com/keeldb/keeldb/core/write_engine/disk_write_queue"
)

// Compact copies the handle's file onto dstPath and switches the file over:
// the source is marked compact-old for the duration of the copy, then
// removed-pending with a redirect installed, after which handles migrate on
// their next reopen check. Transactions begun while the copy runs snapshot
// against the new file's frame of reference.
func (e *Engine) Compact(ctx context.Context, h *KvsHandle, dstPath string) error {
	root := h.root()
	if root == nil || root.file == nil {
		return ErrInvalidHandle
	}
	file := root.file

	file.Lock()
	if file.Status() != filemanager.FileNormal {
		file.Unlock()
		return ErrCompactionInProgress
	}
	file.SetStatus(filemanager.FileCompactOld)
	file.Unlock()

	// The copy runs without the file lock; writers keep appending to the old
	// file's queue and their commits are carried over through the WAL's
	// committed view at switch time.
	if err := compactor.Copy(ctx, file.Path(), dstPath, e.cfg.CompactionRateBytes, true); err != nil {
		file.Lock()
		file.SetStatus(filemanager.FileNormal)
		file.Unlock()
		return fmt.Errorf("compaction copy failed: %w", err)
	}

	queue, err := diskwritequeue.Open(dstPath, e.cfg.CommitBufferSize, e.log)
	if err != nil {
		file.Lock()
		file.SetStatus(filemanager.FileNormal)
		file.Unlock()
		return fmt.Errorf("failed to open compacted file's commit queue: %w", err)
	}
	newFile := filemanager.Open(dstPath, queue, e.log)

	e.mu.Lock()
	e.files[dstPath] = newFile
	e.mu.Unlock()

	// Adoption and switch happen in one critical section: a commit publishing
	// into the old WAL either lands before the snapshot is taken or observes
	// removed-pending and publishes on the new file instead. Lock order is
	// always a file before its replacement.
	file.Lock()
	newFile.Lock()
	block, revnum := file.Header()
	newFile.AdoptHeader(block, revnum)
	newFile.Wal().AdoptCommittedFrom(file.Wal())
	file.SetRedirect(newFile)
	file.SetStatus(filemanager.FileRemovedPending)
	newFile.Unlock()
	file.Unlock()

	e.log.Info("compaction complete",
		zap.String("from", file.Path()),
		zap.String("to", dstPath))
	return nil
}
