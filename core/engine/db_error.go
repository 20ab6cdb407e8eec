package engine

import "errors"

// Error catalogue for the engine's public surface.
var (
	// ErrEngineNotInstantiated is returned by the package-level API when no
	// engine has been opened yet.
	ErrEngineNotInstantiated = errors.New("engine is not instantiated")
	// ErrInvalidHandle marks a nil handle, a handle with no root, or a
	// transaction lifecycle operation attempted on a sub-handle.
	ErrInvalidHandle = errors.New("invalid handle")
	// ErrTransactionConflict marks begin on a handle that already owns a
	// transaction, or end/abort on a handle that owns none.
	ErrTransactionConflict = errors.New("transaction conflict on handle")
	// ErrHandleBusy means the handle's busy guard could not be acquired
	// because another lifecycle operation is in flight. Callers may retry;
	// the engine performs no internal retry.
	ErrHandleBusy = errors.New("handle is busy with another lifecycle operation")
	// ErrRollbackInProgress denies begin-transaction while the file is
	// mid-rollback.
	ErrRollbackInProgress = errors.New("file rollback is in progress")
	// ErrFileNotOpen marks a handle whose file reference has been torn down.
	ErrFileNotOpen = errors.New("database file is not open")
	// ErrEngineClosed marks operations on an engine after Close.
	ErrEngineClosed = errors.New("engine is closed")
	// ErrKeyNotFound is returned by reads of absent or deleted keys.
	ErrKeyNotFound = errors.New("key not found")
	// ErrCompactionInProgress denies a second concurrent compaction of the
	// same file.
	ErrCompactionInProgress = errors.New("compaction already in progress on file")
)
