package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keeldb/keeldb/config"
	filemanager "github.com/keeldb/keeldb/core/file_manager"
	"github.com/keeldb/keeldb/core/transaction"
	diskwritequeue "github.com/keeldb/keeldb/core/write_engine/disk_write_queue"
)

// The engine is a process singleton, so these tests run sequentially.

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Logger.Level = "error"
	e, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return e
}

func openTestFile(t *testing.T, e *Engine) (*FileHandle, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db.keel")
	fh, err := e.OpenFile(path)
	require.NoError(t, err)
	return fh, path
}

// recordingQueue counts durability calls without touching disk.
type recordingQueue struct {
	appends int
	syncs   int
}

func (q *recordingQueue) Append(*diskwritequeue.Record) error { q.appends++; return nil }
func (q *recordingQueue) Sync() error                         { q.syncs++; return nil }
func (q *recordingQueue) Close() error                        { return nil }

func TestEngine_CommitPublishesAndLogsRecords(t *testing.T) {
	e := newTestEngine(t)
	fh, path := openTestFile(t, e)
	root := fh.RootHandle()

	require.NoError(t, e.BeginTransaction(root, transaction.IsolationReadCommitted))
	require.NoError(t, e.Put(root, []byte("k"), []byte("v")))

	value, err := e.Get(root, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), value)

	require.NoError(t, e.EndTransaction(root, CommitNormal))
	require.Nil(t, root.Transaction())

	// The committed value is visible outside any transaction.
	value, err = e.Get(root, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), value)

	records, err := diskwritequeue.ReadRecords(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, diskwritequeue.RecordSet, records[0].Type)
	require.Equal(t, []byte("k"), records[0].Key)
	require.Equal(t, diskwritequeue.RecordCommit, records[1].Type)
}

func TestEngine_DoubleBeginConflicts(t *testing.T) {
	e := newTestEngine(t)
	fh, _ := openTestFile(t, e)
	root := fh.RootHandle()

	require.NoError(t, e.BeginTransaction(root, transaction.IsolationReadCommitted))
	first := root.Transaction()
	require.NotNil(t, first)

	require.ErrorIs(t, e.BeginTransaction(root, transaction.IsolationReadCommitted), ErrTransactionConflict)
	require.Same(t, first, root.Transaction(), "the live transaction survives a denied begin")

	require.NoError(t, e.AbortTransaction(root))
}

func TestEngine_EndOrAbortWithoutTransaction(t *testing.T) {
	e := newTestEngine(t)
	fh, _ := openTestFile(t, e)
	root := fh.RootHandle()

	require.ErrorIs(t, e.EndTransaction(root, CommitNormal), ErrTransactionConflict)
	require.ErrorIs(t, e.AbortTransaction(root), ErrTransactionConflict)
	require.Equal(t, 0, root.File().Wal().NumTransactions())
}

func TestEngine_SubHandlesMayNotOwnTransactions(t *testing.T) {
	e := newTestEngine(t)
	fh, _ := openTestFile(t, e)
	sub := fh.OpenKvs("users")

	require.ErrorIs(t, e.BeginTransaction(sub, transaction.IsolationReadCommitted), ErrInvalidHandle)
	require.ErrorIs(t, e.EndTransaction(sub, CommitNormal), ErrInvalidHandle)
	require.ErrorIs(t, e.AbortTransaction(sub), ErrInvalidHandle)

	// The denial is unconditional, even while the root owns a transaction.
	root := fh.RootHandle()
	require.NoError(t, e.BeginTransaction(root, transaction.IsolationReadCommitted))
	require.ErrorIs(t, e.BeginTransaction(sub, transaction.IsolationReadCommitted), ErrInvalidHandle)
	require.NoError(t, e.AbortTransaction(root))
}

func TestEngine_SubHandleWritesAreNamespaced(t *testing.T) {
	e := newTestEngine(t)
	fh, _ := openTestFile(t, e)
	root := fh.RootHandle()
	sub := fh.OpenKvs("users")

	require.NoError(t, e.BeginTransaction(root, transaction.IsolationReadCommitted))
	require.NoError(t, e.Put(root, []byte("k"), []byte("root-value")))
	require.NoError(t, e.Put(sub, []byte("k"), []byte("sub-value")))
	require.NoError(t, e.EndTransaction(root, CommitNormal))

	value, err := e.Get(root, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("root-value"), value)

	value, err = e.Get(sub, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("sub-value"), value)

	require.NoError(t, e.Delete(sub, []byte("k")))
	_, err = e.Get(sub, []byte("k"))
	require.ErrorIs(t, err, ErrKeyNotFound)
	_, err = e.Get(root, []byte("k"))
	require.NoError(t, err, "deleting under a partition leaves the root's key alone")
}

func TestEngine_TxnIDsIncreaseAcrossLifecycles(t *testing.T) {
	e := newTestEngine(t)
	fh, _ := openTestFile(t, e)
	root := fh.RootHandle()

	require.NoError(t, e.BeginTransaction(root, transaction.IsolationReadCommitted))
	first := root.Transaction().ID()
	require.NoError(t, e.AbortTransaction(root))

	require.NoError(t, e.BeginTransaction(root, transaction.IsolationReadCommitted))
	second := root.Transaction().ID()
	require.Greater(t, second, first, "transaction ids are never reused")
	require.NoError(t, e.EndTransaction(root, CommitNormal))
}

func TestEngine_AbortDiscardsStagedWrites(t *testing.T) {
	e := newTestEngine(t)
	fh, _ := openTestFile(t, e)
	root := fh.RootHandle()

	require.NoError(t, e.BeginTransaction(root, transaction.IsolationReadCommitted))
	require.NoError(t, e.Put(root, []byte("k"), []byte("v")))
	require.NoError(t, e.AbortTransaction(root))

	_, err := e.Get(root, []byte("k"))
	require.ErrorIs(t, err, ErrKeyNotFound)
	require.Equal(t, 0, root.File().Wal().NumUncommittedItems())

	require.NoError(t, e.BeginTransaction(root, transaction.IsolationReadCommitted))
	require.Equal(t, 0, root.Transaction().ItemCount(), "a fresh transaction starts empty")
	require.NoError(t, e.AbortTransaction(root))
}

func TestEngine_EmptyCommitSkipsDurability(t *testing.T) {
	e := newTestEngine(t)
	fh, _ := openTestFile(t, e)
	root := fh.RootHandle()

	fake := &recordingQueue{}
	prev := root.File().SetQueue(fake)
	defer root.File().SetQueue(prev)

	require.NoError(t, e.BeginTransaction(root, transaction.IsolationReadCommitted))
	txn := root.Transaction()
	require.NoError(t, e.EndTransaction(root, CommitNormal))

	require.Zero(t, fake.appends, "a commit with no items writes nothing")
	require.Zero(t, fake.syncs)
	require.Nil(t, root.Transaction())
	require.False(t, root.File().Wal().HasTransaction(txn.ID()), "the transaction is still deregistered")
}

func TestEngine_RollbackDeniesBegin(t *testing.T) {
	e := newTestEngine(t)
	fh, _ := openTestFile(t, e)
	root := fh.RootHandle()
	file := root.File()

	file.Lock()
	file.BeginRollback()
	file.Unlock()

	require.ErrorIs(t, e.BeginTransaction(root, transaction.IsolationReadCommitted), ErrRollbackInProgress)

	file.Lock()
	file.EndRollback()
	file.Unlock()

	// The busy guard was released by the denied begin.
	require.NoError(t, e.BeginTransaction(root, transaction.IsolationReadCommitted))
	require.NoError(t, e.AbortTransaction(root))
}

func TestEngine_BeginWaitsOutRemovedPending(t *testing.T) {
	e := newTestEngine(t)
	fh, _ := openTestFile(t, e)
	root := fh.RootHandle()
	file := root.File()

	file.Lock()
	file.SetStatus(filemanager.FileRemovedPending)
	file.Unlock()

	go func() {
		time.Sleep(20 * time.Millisecond)
		file.Lock()
		file.SetStatus(filemanager.FileNormal)
		file.Unlock()
	}()

	require.NoError(t, e.BeginTransaction(root, transaction.IsolationReadCommitted))
	require.NoError(t, e.AbortTransaction(root))
}

func TestEngine_BeginDuringCompactionAnchorsOnNewFile(t *testing.T) {
	e := newTestEngine(t)
	fh, _ := openTestFile(t, e)
	root := fh.RootHandle()
	file := root.File()

	require.NoError(t, e.Put(root, []byte("k"), []byte("v")))

	file.Lock()
	file.SetStatus(filemanager.FileCompactOld)
	file.Unlock()

	require.NoError(t, e.BeginTransaction(root, transaction.IsolationReadCommitted))
	require.Equal(t, uint64(filemanager.BlockNotFound), root.Transaction().PrevHeaderBlock(),
		"no prior header exists in the new file's frame of reference")
	require.NoError(t, e.AbortTransaction(root))

	file.Lock()
	file.SetStatus(filemanager.FileNormal)
	file.Unlock()
}

func TestEngine_ConcurrentBeginHasOneWinner(t *testing.T) {
	e := newTestEngine(t)
	fh, _ := openTestFile(t, e)
	root := fh.RootHandle()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.BeginTransaction(root, transaction.IsolationReadCommitted)
		}(i)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		default:
			require.Contains(t, []error{ErrTransactionConflict, ErrHandleBusy}, err)
			lost++
		}
	}
	require.Equal(t, 1, won, "exactly one begin may succeed")
	require.Equal(t, 1, lost)
	require.NoError(t, e.AbortTransaction(root))
}

func TestEngine_CompactionMigratesHandles(t *testing.T) {
	e := newTestEngine(t)
	fh, path := openTestFile(t, e)
	root := fh.RootHandle()
	oldFile := root.File()

	require.NoError(t, e.Put(root, []byte("k"), []byte("v")))

	dstPath := filepath.Join(filepath.Dir(path), "db.compact.keel")
	require.NoError(t, e.Compact(context.Background(), root, dstPath))

	oldFile.Lock()
	require.Equal(t, filemanager.FileRemovedPending, oldFile.Status())
	oldFile.Unlock()

	// The next lifecycle operation walks the redirect onto the new file.
	require.NoError(t, e.BeginTransaction(root, transaction.IsolationReadCommitted))
	require.Equal(t, dstPath, root.File().Path())
	require.NoError(t, e.AbortTransaction(root))

	value, err := e.Get(root, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), value, "committed data survives the switch")
}

func TestEngine_TransactionSpansCompaction(t *testing.T) {
	e := newTestEngine(t)
	fh, path := openTestFile(t, e)
	root := fh.RootHandle()
	oldFile := root.File()

	require.NoError(t, e.BeginTransaction(root, transaction.IsolationReadCommitted))
	require.NoError(t, e.Put(root, []byte("k"), []byte("v")))

	dstPath := filepath.Join(filepath.Dir(path), "db.compact.keel")
	require.NoError(t, e.Compact(context.Background(), root, dstPath))

	// The commit lands on the compacted file, where the transaction's
	// registration and staged items moved with the handle.
	require.NoError(t, e.EndTransaction(root, CommitNormal))
	require.Equal(t, dstPath, root.File().Path())

	value, err := e.Get(root, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), value, "a commit spanning compaction stays readable")

	require.Equal(t, 0, oldFile.Wal().NumTransactions())
	require.Equal(t, 0, root.File().Wal().NumTransactions())

	records, err := diskwritequeue.ReadRecords(dstPath)
	require.NoError(t, err)
	require.Len(t, records, 2, "the commit was logged on the new file")
	require.Equal(t, diskwritequeue.RecordSet, records[0].Type)
	require.Equal(t, diskwritequeue.RecordCommit, records[1].Type)
}

func TestEngine_AbortSpansCompaction(t *testing.T) {
	e := newTestEngine(t)
	fh, path := openTestFile(t, e)
	root := fh.RootHandle()
	oldFile := root.File()

	require.NoError(t, e.BeginTransaction(root, transaction.IsolationReadCommitted))
	require.NoError(t, e.Put(root, []byte("k"), []byte("v")))

	dstPath := filepath.Join(filepath.Dir(path), "db.compact.keel")
	require.NoError(t, e.Compact(context.Background(), root, dstPath))

	require.NoError(t, e.AbortTransaction(root))
	require.Equal(t, dstPath, root.File().Path())

	_, err := e.Get(root, []byte("k"))
	require.ErrorIs(t, err, ErrKeyNotFound)
	require.Equal(t, 0, oldFile.Wal().NumTransactions())
	require.Equal(t, 0, root.File().Wal().NumTransactions())
	require.Equal(t, 0, root.File().Wal().NumUncommittedItems())
}

func TestEngine_AutoCommitAfterCompactionLandsOnNewFile(t *testing.T) {
	e := newTestEngine(t)
	fh, path := openTestFile(t, e)
	root := fh.RootHandle()
	oldFile := root.File()

	require.NoError(t, e.Put(root, []byte("k1"), []byte("v1")))

	dstPath := filepath.Join(filepath.Dir(path), "db.compact.keel")
	require.NoError(t, e.Compact(context.Background(), root, dstPath))

	// The handle has not migrated yet; the write must still reach the new file.
	require.NoError(t, e.Put(root, []byte("k2"), []byte("v2")))
	require.Equal(t, dstPath, root.File().Path())

	for _, key := range []string{"k1", "k2"} {
		_, err := e.Get(root, []byte(key))
		require.NoError(t, err, "key %s", key)
	}
	_, ok := oldFile.Wal().Get(nil, []byte("k2"))
	require.False(t, ok, "the superseded file's snapshot stays frozen")
}

func TestEngine_CommitsDuringCompactionSurvive(t *testing.T) {
	e := newTestEngine(t)
	fh, path := openTestFile(t, e)
	root := fh.RootHandle()

	writerFh, err := e.OpenFile(path)
	require.NoError(t, err)
	writer := writerFh.RootHandle()

	stop := make(chan struct{})
	var wrote [][]byte
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			key := []byte(fmt.Sprintf("k%04d", i))
			if err := e.Put(writer, key, []byte("v")); err != nil {
				return
			}
			wrote = append(wrote, key)
		}
	}()

	dstPath := filepath.Join(filepath.Dir(path), "db.compact.keel")
	require.NoError(t, e.Compact(context.Background(), root, dstPath))
	close(stop)
	wg.Wait()

	// Every write that reported success is readable after the switch.
	for _, key := range wrote {
		_, err := e.Get(root, key)
		require.NoError(t, err, "key %s", key)
	}
}

func TestEngine_CompactionRejectsOverlap(t *testing.T) {
	e := newTestEngine(t)
	fh, path := openTestFile(t, e)
	root := fh.RootHandle()
	file := root.File()

	file.Lock()
	file.SetStatus(filemanager.FileCompactOld)
	file.Unlock()

	require.ErrorIs(t, e.Compact(context.Background(), root, path+".2"), ErrCompactionInProgress)

	file.Lock()
	file.SetStatus(filemanager.FileNormal)
	file.Unlock()
}

func TestPackageAPI_RequiresAnEngine(t *testing.T) {
	if e := GetInstance(); e != nil {
		require.NoError(t, e.Close())
	}

	require.ErrorIs(t, BeginTransaction(nil, transaction.IsolationReadCommitted), ErrEngineNotInstantiated)
	require.ErrorIs(t, EndTransaction(nil, CommitNormal), ErrEngineNotInstantiated)
	require.ErrorIs(t, AbortTransaction(nil), ErrEngineNotInstantiated)
}

func TestPackageAPI_DispatchesToSingleton(t *testing.T) {
	e := newTestEngine(t)
	fh, _ := openTestFile(t, e)
	root := fh.RootHandle()

	require.NoError(t, BeginTransaction(root, transaction.IsolationReadCommitted))
	require.NotNil(t, root.Transaction())
	require.NoError(t, EndTransaction(root, CommitNormal))
	require.Nil(t, root.Transaction())

	require.NoError(t, BeginTransaction(root, transaction.IsolationReadCommitted))
	require.NoError(t, AbortTransaction(root))
}
