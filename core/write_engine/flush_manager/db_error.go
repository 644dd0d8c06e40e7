package flushmanager

import "errors"

// --- Error Definitions ---

// The first four sentinels form the engine's failure taxonomy. Every error the
// engine returns wraps one of the sentinels below so callers can use errors.Is.
var (
	ErrIO                = errors.New("i/o error")
	ErrCorruption        = errors.New("corruption detected")
	ErrConflict          = errors.New("conflict detected")
	ErrResourceExhausted = errors.New("resource exhausted")

	ErrKeyNotFound      = errors.New("key not found")
	ErrKeyExists        = errors.New("key already exists")
	ErrRecordTooLarge   = errors.New("record too large for page")
	ErrTableNotFound    = errors.New("table not found")
	ErrTableExists      = errors.New("table already exists")
	ErrIndexNotFound    = errors.New("index not found")
	ErrIndexExists      = errors.New("index already exists")
	ErrSchema           = errors.New("schema violation")
	ErrSerialization    = errors.New("error during serialization")
	ErrDeserialization  = errors.New("error during deserialization")
	ErrDBFileExists     = errors.New("database file already exists")
	ErrDBFileNotFound   = errors.New("database file not found")
	ErrDatabaseLocked   = errors.New("database file is locked by another process")
	ErrEngineClosed     = errors.New("engine is closed")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrLogRecordInvalid = errors.New("invalid log record")

	// --- Transaction Errors ---
	ErrTxnInvalidState   = errors.New("transaction is in an invalid state for this operation")
	ErrTxnActive         = errors.New("transactions are still active")
	ErrSavepointNotFound = errors.New("savepoint not found")

	// --- Iterator Errors ---
	ErrIteratorInvalid = errors.New("iterator is invalid or exhausted")
)
