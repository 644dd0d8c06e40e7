package transaction

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	internaltelemetry "github.com/sushant-115/gojolite/internal/telemetry"
	bufferpool "github.com/sushant-115/gojolite/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"github.com/sushant-115/gojolite/core/write_engine/wal"
)

// Applier writes a transaction's buffered writes into the shared trees
// through ps. It runs under the commit lock. The returned hook, if any, runs
// once the commit record has been appended, still under the lock.
type Applier interface {
	Apply(tx *Transaction, ps *bufferpool.PageSet) (onCommitted func(commitLSN pagemanager.LSN), err error)
}

// Options configures a TransactionManager.
type Options struct {
	// CheckpointIntervalBytes triggers OnLogGrowth once the log holds more
	// than this many bytes. Zero disables the trigger.
	CheckpointIntervalBytes int64
	OnLogGrowth             func()
	Metrics                 *internaltelemetry.EngineMetrics
}

type committedTxn struct {
	commitLSN pagemanager.LSN
	writes    map[string]struct{}
	reads     map[string]struct{}
}

// TransactionManager hands out snapshots and sequences commits. Commits are
// serialized by commitMu; the log flush that makes a commit durable runs
// outside it so concurrent commits share one fsync.
type TransactionManager struct {
	log     *wal.LogManager
	bpm     *bufferpool.BufferPoolManager
	applier Applier
	opts    Options
	logger  *zap.Logger
	metrics *internaltelemetry.EngineMetrics

	nextTxnID atomic.Uint64
	commitMu  sync.Mutex

	mu        sync.Mutex // protects the fields below
	active    map[uint64]*Transaction
	watermark pagemanager.LSN
	recent    []*committedTxn
	failed    error // sticky: a log flush failed
	corrupt   error // sticky until ClearCorrupt
}

// NewTransactionManager creates a manager whose first snapshot is watermark.
func NewTransactionManager(log *wal.LogManager, bpm *bufferpool.BufferPoolManager, applier Applier, watermark pagemanager.LSN, opts Options, logger *zap.Logger) *TransactionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransactionManager{
		log:       log,
		bpm:       bpm,
		applier:   applier,
		opts:      opts,
		logger:    logger.Named("txn"),
		metrics:   opts.Metrics,
		active:    make(map[uint64]*Transaction),
		watermark: watermark,
	}
}

// Begin starts a transaction that reads the database as of the current commit
// watermark.
func (tm *TransactionManager) Begin() *Transaction {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tx := newTransaction(tm.nextTxnID.Add(1), tm.watermark)
	tm.active[tx.ID] = tx
	tm.metrics.TxnBegan()
	return tx
}

// Watermark is the LSN of the newest commit visible to new transactions.
func (tm *TransactionManager) Watermark() pagemanager.LSN {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.watermark
}

// ActiveCount is the number of transactions that have neither committed nor
// aborted.
func (tm *TransactionManager) ActiveCount() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.active)
}

// Lock takes the commit lock, excluding commits. Checkpoints and recovery
// hold it while they work on the log and the page file.
func (tm *TransactionManager) Lock()   { tm.commitMu.Lock() }
func (tm *TransactionManager) Unlock() { tm.commitMu.Unlock() }

// MarkCorrupt makes every later write commit fail with err until
// ClearCorrupt is called.
func (tm *TransactionManager) MarkCorrupt(err error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.corrupt == nil {
		tm.corrupt = err
		tm.logger.Error("corruption detected, refusing further writes", zap.Error(err))
	}
}

func (tm *TransactionManager) ClearCorrupt() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.corrupt = nil
}

// Err returns the reason writes are refused, if any.
func (tm *TransactionManager) Err() error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.failed != nil {
		return tm.failed
	}
	if tm.corrupt != nil {
		return fmt.Errorf("%w: database is marked corrupt until recovered: %v", flushmanager.ErrCorruption, tm.corrupt)
	}
	return nil
}

func (tm *TransactionManager) poison(err error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.failed == nil {
		tm.failed = err
		tm.logger.Error("log flush failed, refusing further writes", zap.Error(err))
	}
}

// Abort ends tx without committing. reason labels the abort in metrics.
func (tm *TransactionManager) Abort(tx *Transaction, reason string) {
	tm.mu.Lock()
	if _, ok := tm.active[tx.ID]; !ok {
		tm.mu.Unlock()
		return
	}
	delete(tm.active, tx.ID)
	tm.mu.Unlock()
	tx.State = TxnStateAborted
	tx.discard()
	tm.metrics.TxnAborted(reason)
	tm.advance(pagemanager.InvalidLSN)
}

// Rollback discards tx's writes. Nothing was logged for an active
// transaction, so no log I/O happens.
func (tm *TransactionManager) Rollback(tx *Transaction) error {
	if tx.State != TxnStateActive {
		return fmt.Errorf("%w: cannot roll back transaction %d in state %s", flushmanager.ErrTxnInvalidState, tx.ID, tx.State)
	}
	tm.Abort(tx, "rollback")
	return nil
}

// conflictsInternal returns the first key on which a transaction committed after tx's snapshot
// wrote a key tx wrote or read, or read a key tx wrote. Empty means none.
// This method MUST be called with tm.mu locked.
func (tm *TransactionManager) conflictsInternal(tx *Transaction, writes map[string]struct{}) string {
	for _, c := range tm.recent {
		if c.commitLSN <= tx.snapshot {
			continue
		}
		for k := range writes {
			if _, ok := c.writes[k]; ok {
				return k
			}
			if _, ok := c.reads[k]; ok {
				return k
			}
		}
		for k := range tx.reads {
			if _, ok := c.writes[k]; ok {
				return k
			}
		}
	}
	return ""
}

// Commit makes tx's writes durable and visible. A read-only transaction
// finishes without touching the log. On any error tx ends up aborted.
func (tm *TransactionManager) Commit(tx *Transaction) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	if tx.IsReadOnly() {
		tm.mu.Lock()
		delete(tm.active, tx.ID)
		tm.mu.Unlock()
		tx.State = TxnStateCommitted
		tx.commitLSN = tx.snapshot
		tm.metrics.TxnCommitted(true)
		tm.advance(pagemanager.InvalidLSN)
		return nil
	}
	tx.State = TxnStatePreparing
	writes := tx.writeKeys()

	tm.commitMu.Lock()
	if err := tm.Err(); err != nil {
		tm.commitMu.Unlock()
		tm.abortPreparing(tx, "refused")
		return err
	}

	tm.mu.Lock()
	key := tm.conflictsInternal(tx, writes)
	tm.mu.Unlock()
	if key != "" {
		tm.commitMu.Unlock()
		tm.abortPreparing(tx, "conflict")
		return fmt.Errorf("%w: transaction %d lost a write-write race on %q", flushmanager.ErrConflict, tx.ID, key)
	}

	ps := tm.bpm.NewPageSet()
	if _, err := tm.log.Append(&wal.LogRecord{Type: wal.LogRecordTypeBegin, TxnID: tx.ID}); err != nil {
		tm.failCommit(tx, ps, false, err)
		tm.commitMu.Unlock()
		return err
	}
	ps.SetPageLog(func(pageID pagemanager.PageID, before, after []byte) (pagemanager.LSN, error) {
		return tm.log.Append(&wal.LogRecord{
			Type:    wal.LogRecordTypePageWrite,
			TxnID:   tx.ID,
			PageID:  pageID,
			OldData: before,
			NewData: after,
		})
	})
	onCommitted, err := tm.applier.Apply(tx, ps)
	if err != nil {
		tm.failCommit(tx, ps, true, err)
		tm.commitMu.Unlock()
		return err
	}
	if n := ps.Stolen(); n > 0 {
		tm.logger.Debug("commit outgrew the buffer pool", zap.Uint64("txnID", tx.ID), zap.Int("pages", ps.Len()), zap.Int("stolen", n))
	}

	commitLSN, err := tm.appendCommit(tx, ps)
	if err != nil {
		tm.failCommit(tx, ps, true, err)
		tm.commitMu.Unlock()
		return err
	}

	ps.Finish(commitLSN)
	tx.commitLSN = commitLSN
	tm.mu.Lock()
	tm.recent = append(tm.recent, &committedTxn{commitLSN: commitLSN, writes: writes, reads: tx.reads})
	tm.mu.Unlock()
	if onCommitted != nil {
		onCommitted(commitLSN)
	}
	tm.commitMu.Unlock()

	if err := tm.log.Flush(commitLSN); err != nil {
		tm.poison(err)
		tm.abortPreparing(tx, "io")
		return fmt.Errorf("commit of transaction %d not durable: %w", tx.ID, err)
	}

	tm.mu.Lock()
	delete(tm.active, tx.ID)
	tm.mu.Unlock()
	tx.State = TxnStateCommitted
	tx.discard()
	tm.metrics.TxnCommitted(false)
	tm.advance(commitLSN)

	if limit := tm.opts.CheckpointIntervalBytes; limit > 0 && tm.opts.OnLogGrowth != nil && tm.log.BytesSinceCheckpoint() > limit {
		tm.opts.OnLogGrowth()
	}
	return nil
}

// appendCommit logs one page-write per page still in memory and the commit
// record, stamping each frame with the LSN of its page-write. Pages the pool
// stole during Apply were logged when they were written out.
func (tm *TransactionManager) appendCommit(tx *Transaction, ps *bufferpool.PageSet) (pagemanager.LSN, error) {
	for _, d := range ps.Dirty() {
		lsn, err := tm.log.Append(&wal.LogRecord{
			Type:    wal.LogRecordTypePageWrite,
			TxnID:   tx.ID,
			PageID:  d.ID,
			OldData: d.Before,
			NewData: d.After,
		})
		if err != nil {
			return pagemanager.InvalidLSN, err
		}
		ps.Stamp(d.ID, lsn)
	}
	commitLSN, err := tm.log.Append(&wal.LogRecord{Type: wal.LogRecordTypeCommit, TxnID: tx.ID})
	if err != nil {
		return pagemanager.InvalidLSN, err
	}
	return commitLSN, nil
}

// failCommit undoes a commit that failed before its commit record was
// appended. Caller holds commitMu. If a stolen page cannot be restored the
// database is marked corrupt; recovery undoes it from the log.
func (tm *TransactionManager) failCommit(tx *Transaction, ps *bufferpool.PageSet, appended bool, cause error) {
	if err := ps.Rollback(); err != nil {
		tm.logger.Error("failed to restore pages of aborted commit", zap.Uint64("txnID", tx.ID), zap.Error(err))
		tm.MarkCorrupt(err)
	}
	if appended {
		if _, err := tm.log.Append(&wal.LogRecord{Type: wal.LogRecordTypeAbort, TxnID: tx.ID}); err != nil {
			tm.logger.Warn("failed to log abort record", zap.Uint64("txnID", tx.ID), zap.Error(err))
		}
	}
	if errors.Is(cause, flushmanager.ErrCorruption) {
		tm.MarkCorrupt(cause)
	}
	tm.abortPreparing(tx, AbortReason(cause))
}

// AbortReason labels err for the aborted-transaction metric.
func AbortReason(err error) string {
	switch {
	case errors.Is(err, flushmanager.ErrConflict):
		return "conflict"
	case errors.Is(err, flushmanager.ErrIO):
		return "io"
	case errors.Is(err, flushmanager.ErrCorruption):
		return "corruption"
	case errors.Is(err, flushmanager.ErrResourceExhausted):
		return "resource"
	default:
		return "error"
	}
}

func (tm *TransactionManager) abortPreparing(tx *Transaction, reason string) {
	tm.Abort(tx, reason)
}

// Horizon is the oldest snapshot any current or future transaction can hold.
func (tm *TransactionManager) Horizon() pagemanager.LSN {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.horizonInternal()
}

func (tm *TransactionManager) horizonInternal() pagemanager.LSN {
	h := tm.watermark
	for _, tx := range tm.active {
		h = min(h, tx.snapshot)
	}
	return h
}

// advance moves the watermark to commitLSN if it is newer, then releases
// page versions, deferred frees and commit history nobody can need any more.
func (tm *TransactionManager) advance(commitLSN pagemanager.LSN) {
	tm.mu.Lock()
	if commitLSN > tm.watermark {
		tm.watermark = commitLSN
	}
	horizon := tm.horizonInternal()
	keep := tm.recent[:0]
	for _, c := range tm.recent {
		if c.commitLSN > horizon {
			keep = append(keep, c)
		}
	}
	clear(tm.recent[len(keep):])
	tm.recent = keep
	tm.mu.Unlock()

	tm.bpm.Prune(horizon)
	if err := tm.bpm.ReclaimDeferred(horizon); err != nil {
		tm.logger.Warn("failed to reclaim freed pages", zap.Error(err))
	}
}

// SetWatermark replaces the watermark after recovery. No transaction may be
// active.
func (tm *TransactionManager) SetWatermark(lsn pagemanager.LSN) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.watermark = lsn
	tm.recent = nil
}
