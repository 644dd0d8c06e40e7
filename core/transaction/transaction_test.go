package transaction

import (
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	bufferpool "github.com/sushant-115/gojolite/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"github.com/sushant-115/gojolite/core/write_engine/wal"
)

// counterApplier bumps a counter byte on one page for every commit.
type counterApplier struct {
	page pagemanager.PageID
	fail error
}

func (a *counterApplier) Apply(tx *Transaction, ps *bufferpool.PageSet) (func(pagemanager.LSN), error) {
	page, err := ps.Fetch(a.page)
	if err != nil {
		return nil, err
	}
	defer ps.Release(page)
	page.Lock()
	ps.MarkDirty(page)
	page.GetData()[pagemanager.PageHeaderSize]++
	page.Unlock()
	if a.fail != nil {
		return nil, a.fail
	}
	return nil, nil
}

type testEnv struct {
	tm      *TransactionManager
	bpm     *bufferpool.BufferPoolManager
	log     *wal.LogManager
	applier *counterApplier
}

func setupTransactionManager(t *testing.T, opts Options) *testEnv {
	t.Helper()
	dir := t.TempDir()
	dm, err := pagemanager.OpenDiskManager(filepath.Join(dir, "txn.db"), pagemanager.DiskOptions{PageSize: 1024, Create: true}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })
	_, err = dm.AllocatePage() // catalog slot
	require.NoError(t, err)
	pageID, err := dm.AllocatePage()
	require.NoError(t, err)
	payload := make([]byte, dm.PayloadSize())
	pagemanager.FormatPage(payload, pagemanager.PageTypeData, pagemanager.FlagLeaf, 0)
	require.NoError(t, dm.WritePage(pageID, payload))

	lm, err := wal.NewLogManager(filepath.Join(dir, "txn.db-wal"), wal.Options{PageSize: 1024, DatabaseID: dm.DatabaseID()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { lm.Close() })

	bpm := bufferpool.NewBufferPoolManager(16, dm, lm, zap.NewNop(), nil)
	applier := &counterApplier{page: pageID}
	return &testEnv{
		tm:      NewTransactionManager(lm, bpm, applier, 0, opts, zap.NewNop()),
		bpm:     bpm,
		log:     lm,
		applier: applier,
	}
}

func (e *testEnv) counter(t *testing.T, snap pagemanager.LSN) byte {
	t.Helper()
	var b byte
	require.NoError(t, e.bpm.View(e.applier.page, snap, func(data []byte) error {
		b = data[pagemanager.PageHeaderSize]
		return nil
	}))
	return b
}

func TestCommit_AdvancesWatermark(t *testing.T) {
	env := setupTransactionManager(t, Options{})
	tm := env.tm

	tx := tm.Begin()
	require.Equal(t, pagemanager.LSN(0), tx.Snapshot())
	require.NoError(t, tx.Put("t/users", []byte("k1"), []byte("v1")))
	require.NoError(t, tm.Commit(tx))
	require.Equal(t, TxnStateCommitted, tx.State)

	// begin, one page write, commit
	require.Equal(t, pagemanager.LSN(3), tx.CommitLSN())
	require.Equal(t, pagemanager.LSN(3), tm.Watermark())
	require.GreaterOrEqual(t, env.log.FlushedLSN(), tx.CommitLSN(), "commit returns only after the log is durable")

	next := tm.Begin()
	require.Equal(t, tx.CommitLSN(), next.Snapshot())
	require.Equal(t, byte(1), env.counter(t, next.Snapshot()))
	require.Equal(t, byte(0), env.counter(t, 0))
	require.NoError(t, tm.Rollback(next))
	require.Equal(t, 0, tm.ActiveCount())
}

func TestCommit_ReadOnlySkipsLog(t *testing.T) {
	env := setupTransactionManager(t, Options{})
	tx := env.tm.Begin()
	_, found := tx.Lookup("t/users", []byte("nothing"))
	require.False(t, found)
	require.NoError(t, env.tm.Commit(tx))
	require.Equal(t, 0, env.log.Records())
	require.Equal(t, TxnStateCommitted, tx.State)
}

func TestCommit_WriteWriteConflict(t *testing.T) {
	env := setupTransactionManager(t, Options{})
	tm := env.tm

	a := tm.Begin()
	b := tm.Begin()
	require.NoError(t, a.Put("t/users", []byte("k"), []byte("a")))
	require.NoError(t, b.Put("t/users", []byte("k"), []byte("b")))

	require.NoError(t, tm.Commit(a))
	err := tm.Commit(b)
	require.ErrorIs(t, err, flushmanager.ErrConflict)
	require.Equal(t, TxnStateAborted, b.State)
	require.Equal(t, byte(1), env.counter(t, tm.Watermark()), "the loser's writes never reach a page")

	// A transaction that starts after a's commit does not conflict with it.
	c := tm.Begin()
	require.NoError(t, c.Put("t/users", []byte("k"), []byte("c")))
	require.NoError(t, tm.Commit(c))
}

func TestCommit_DisjointWritersBothCommit(t *testing.T) {
	env := setupTransactionManager(t, Options{})
	tm := env.tm
	a := tm.Begin()
	b := tm.Begin()
	require.NoError(t, a.Put("t/users", []byte("a"), nil))
	require.NoError(t, b.Put("t/users", []byte("b"), nil))
	require.NoError(t, tm.Commit(a))
	require.NoError(t, tm.Commit(b))
	require.Equal(t, byte(2), env.counter(t, tm.Watermark()))
}

func TestCommit_SchemaReadConflicts(t *testing.T) {
	env := setupTransactionManager(t, Options{})
	tm := env.tm

	writer := tm.Begin()
	writer.AddRead("c", []byte("table:users"))
	require.NoError(t, writer.Put("t/users", []byte("k"), []byte("v")))

	other := tm.Begin()
	other.AddRead("c", []byte("table:users"))
	require.NoError(t, other.Put("t/users", []byte("j"), []byte("v")))

	ddl := tm.Begin()
	require.NoError(t, ddl.Put("c", []byte("table:users"), []byte("{}")))

	require.NoError(t, tm.Commit(writer))
	require.NoError(t, tm.Commit(other), "shared schema reads do not conflict")
	require.ErrorIs(t, tm.Commit(ddl), flushmanager.ErrConflict, "a schema change conflicts with writers that depended on it")
}

func TestCommit_ApplierFailureRestoresPages(t *testing.T) {
	env := setupTransactionManager(t, Options{})
	tm := env.tm

	ok := tm.Begin()
	require.NoError(t, ok.Put("t/x", []byte("1"), nil))
	require.NoError(t, tm.Commit(ok))
	records := env.log.Records()

	env.applier.fail = flushmanager.ErrResourceExhausted
	tx := tm.Begin()
	require.NoError(t, tx.Put("t/x", []byte("2"), nil))
	err := tm.Commit(tx)
	require.True(t, errors.Is(err, flushmanager.ErrResourceExhausted))
	require.Equal(t, TxnStateAborted, tx.State)
	require.Equal(t, records, env.log.Records(), "nothing is logged when apply fails")

	env.applier.fail = nil
	require.Equal(t, byte(1), env.counter(t, tm.Watermark()))
	require.Equal(t, 0, env.bpm.Stats().Pinned)
}

func TestCommit_RefusedWhileCorrupt(t *testing.T) {
	env := setupTransactionManager(t, Options{})
	tm := env.tm
	tm.MarkCorrupt(flushmanager.ErrCorruption)

	tx := tm.Begin()
	require.NoError(t, tx.Put("t/x", []byte("1"), nil))
	require.ErrorIs(t, tm.Commit(tx), flushmanager.ErrCorruption)
	require.Equal(t, TxnStateAborted, tx.State)

	tm.ClearCorrupt()
	tx = tm.Begin()
	require.NoError(t, tx.Put("t/x", []byte("1"), nil))
	require.NoError(t, tm.Commit(tx))
}

func TestCommit_TriggersCheckpointOnLogGrowth(t *testing.T) {
	var triggered atomic.Int32
	env := setupTransactionManager(t, Options{
		CheckpointIntervalBytes: 512,
		OnLogGrowth:             func() { triggered.Add(1) },
	})
	tx := env.tm.Begin()
	require.NoError(t, tx.Put("t/x", []byte("1"), nil))
	require.NoError(t, env.tm.Commit(tx))
	require.Equal(t, int32(1), triggered.Load(), "a page image alone exceeds 512 bytes")
}

func TestTransaction_InvalidStateAfterEnd(t *testing.T) {
	env := setupTransactionManager(t, Options{})
	tx := env.tm.Begin()
	require.NoError(t, env.tm.Rollback(tx))
	require.Equal(t, TxnStateAborted, tx.State)
	require.ErrorIs(t, env.tm.Commit(tx), flushmanager.ErrTxnInvalidState)
	require.ErrorIs(t, tx.Put("t/x", []byte("k"), nil), flushmanager.ErrTxnInvalidState)
	require.ErrorIs(t, env.tm.Rollback(tx), flushmanager.ErrTxnInvalidState)
}

func TestTransaction_Savepoints(t *testing.T) {
	env := setupTransactionManager(t, Options{})
	tx := env.tm.Begin()
	defer env.tm.Rollback(tx)

	require.NoError(t, tx.Put("t/x", []byte("a"), []byte("1")))
	require.NoError(t, tx.Savepoint("sp1"))
	require.NoError(t, tx.Put("t/x", []byte("b"), []byte("2")))
	require.NoError(t, tx.Delete("t/x", []byte("a")))
	require.NoError(t, tx.Savepoint("sp2"))
	require.NoError(t, tx.Put("t/y", []byte("c"), []byte("3")))

	require.NoError(t, tx.RollbackTo("sp1"))
	it, found := tx.Lookup("t/x", []byte("a"))
	require.True(t, found)
	require.False(t, it.Deleted)
	require.Equal(t, []byte("1"), it.Value)
	_, found = tx.Lookup("t/x", []byte("b"))
	require.False(t, found)
	require.Equal(t, []string{"t/x"}, tx.Trees())
	require.ErrorIs(t, tx.RollbackTo("sp2"), flushmanager.ErrSavepointNotFound, "later savepoints are discarded")

	// Writes after a rollback do not leak into the savepoint.
	require.NoError(t, tx.Put("t/x", []byte("d"), nil))
	require.NoError(t, tx.RollbackTo("sp1"))
	_, found = tx.Lookup("t/x", []byte("d"))
	require.False(t, found)

	require.NoError(t, tx.Release("sp1"))
	require.ErrorIs(t, tx.RollbackTo("sp1"), flushmanager.ErrSavepointNotFound)
	require.Equal(t, 1, tx.WriteCount())
}

func TestTransaction_WriteSetOrder(t *testing.T) {
	env := setupTransactionManager(t, Options{})
	tx := env.tm.Begin()
	defer env.tm.Rollback(tx)
	for _, k := range []string{"m", "c", "x", "a"} {
		require.NoError(t, tx.Put("t/x", []byte(k), nil))
	}
	var got []string
	tx.AscendWrites("t/x", []byte("b"), func(it WriteItem) bool {
		got = append(got, string(it.Key))
		return true
	})
	require.Equal(t, []string{"c", "m", "x"}, got)

	next, ok := tx.NextWrite("t/x", []byte("c"), true)
	require.True(t, ok)
	require.Equal(t, "m", string(next.Key))
}
