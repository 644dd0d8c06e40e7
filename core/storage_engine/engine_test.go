package storageengine

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/gojolite/core/storage_engine/backup"
	"github.com/sushant-115/gojolite/core/transaction"
	bufferpool "github.com/sushant-115/gojolite/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"github.com/sushant-115/gojolite/core/write_engine/wal"
)

// crash drops the engine the way a killed process would: nothing buffered
// is flushed and no checkpoint runs.
func (e *Engine) crash() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.ckpt.Stop()
	e.log.Release()
	e.dm.Release()
}

var testConfig = Config{PageSize: 4096, CacheFrames: 64}

var usersSchema = TableSchema{
	Name: "users",
	Columns: []Column{
		{Name: "id", Type: TypeInteger},
		{Name: "name", Type: TypeText, NotNull: true},
		{Name: "age", Type: TypeInteger},
	},
	PrimaryKey: "id",
}

func dbPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

func openEngine(t *testing.T, path string, cfg Config, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	e, err := Open(path, cfg, opts...)
	require.NoError(t, err)
	return e
}

func createUsers(t *testing.T, e *Engine) {
	t.Helper()
	tx, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, e.CreateTable(tx, usersSchema))
	require.NoError(t, e.Commit(tx))
}

func insertUsers(t *testing.T, e *Engine, from, to int) {
	t.Helper()
	tx, err := e.Begin()
	require.NoError(t, err)
	for id := from; id < to; id++ {
		require.NoError(t, e.Insert(tx, "users", Row{"id": id, "name": fmt.Sprintf("user-%d", id), "age": 20 + id%50}))
	}
	require.NoError(t, e.Commit(tx))
}

func countUsers(t *testing.T, e *Engine) int {
	t.Helper()
	tx, err := e.Begin()
	require.NoError(t, err)
	defer e.Rollback(tx)
	rows, err := e.ScanRange(tx, "users", nil, nil)
	require.NoError(t, err)
	n := 0
	for rows.Next() {
		n++
	}
	require.NoError(t, rows.Err())
	return n
}

func TestEngine_CRUDAndReopen(t *testing.T) {
	path := dbPath(t)
	e := openEngine(t, path, testConfig)
	createUsers(t, e)
	insertUsers(t, e, 0, 100)

	tx, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, e.Update(tx, "users", Row{"id": 7, "name": "seven", "age": 77}))
	require.NoError(t, e.Delete(tx, "users", 8))
	require.NoError(t, e.Commit(tx))
	require.NoError(t, e.Close())

	e = openEngine(t, path, testConfig)
	defer e.Close()
	tx, err = e.Begin()
	require.NoError(t, err)
	row, err := e.Get(tx, "users", 7)
	require.NoError(t, err)
	require.Equal(t, Row{"id": int64(7), "name": "seven", "age": int64(77)}, row)

	tables, err := e.Tables(tx)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	require.Equal(t, "users", tables[0].Name)
	require.NoError(t, e.Commit(tx))
	require.Equal(t, 99, countUsers(t, e))
}

func TestEngine_CommittedSurvivesCrash(t *testing.T) {
	path := dbPath(t)
	e := openEngine(t, path, testConfig)
	createUsers(t, e)
	insertUsers(t, e, 0, 500)

	st, err := e.Stats()
	require.NoError(t, err)
	require.Positive(t, st.WALRecords)
	e.crash()

	e = openEngine(t, path, testConfig)
	defer e.Close()
	require.Equal(t, 500, countUsers(t, e))

	st, err = e.Stats()
	require.NoError(t, err)
	require.Zero(t, st.WALRecords, "recovery folds the log into the file")
	require.Equal(t, st.Watermark, st.CheckpointLSN)

	report, err := e.Verify()
	require.NoError(t, err)
	require.Zero(t, report.Leaked)
}

func TestEngine_UncommittedLostOnCrash(t *testing.T) {
	path := dbPath(t)
	e := openEngine(t, path, testConfig)
	createUsers(t, e)
	insertUsers(t, e, 0, 10)

	open, err := e.Begin()
	require.NoError(t, err)
	for id := 10; id < 20; id++ {
		require.NoError(t, e.Insert(open, "users", Row{"id": id, "name": "pending"}))
	}
	e.crash()

	e = openEngine(t, path, testConfig)
	defer e.Close()
	require.Equal(t, 10, countUsers(t, e))
}

func TestEngine_RepeatedCrashesKeepLSNsIncreasing(t *testing.T) {
	path := dbPath(t)
	e := openEngine(t, path, testConfig)
	createUsers(t, e)
	var last pagemanager.LSN
	for round := 0; round < 3; round++ {
		insertUsers(t, e, round*10, round*10+10)
		st, err := e.Stats()
		require.NoError(t, err)
		require.Greater(t, st.Watermark, last)
		last = st.Watermark
		e.crash()
		e = openEngine(t, path, testConfig)
	}
	defer e.Close()
	require.Equal(t, 30, countUsers(t, e))
}

func TestRedoImages(t *testing.T) {
	img := func(b byte) []byte { return bytes.Repeat([]byte{b}, 8) }
	recs := []*wal.LogRecord{
		{LSN: 1, TxnID: 1, Type: wal.LogRecordTypeBegin},
		{LSN: 2, TxnID: 1, Type: wal.LogRecordTypePageWrite, PageID: 2, OldData: img(0), NewData: img(1)},
		{LSN: 3, TxnID: 1, Type: wal.LogRecordTypeCommit},
		// Loser after a committed write of the same page.
		{LSN: 4, TxnID: 2, Type: wal.LogRecordTypeBegin},
		{LSN: 5, TxnID: 2, Type: wal.LogRecordTypePageWrite, PageID: 2, OldData: img(1), NewData: img(2)},
		// Loser-only pages: one existing page, one it allocated.
		{LSN: 6, TxnID: 2, Type: wal.LogRecordTypePageWrite, PageID: 3, OldData: img(3), NewData: img(4)},
		{LSN: 7, TxnID: 2, Type: wal.LogRecordTypePageWrite, PageID: 4, NewData: img(5)},
		{LSN: 8, TxnID: 2, Type: wal.LogRecordTypeAbort},
		// A later commit overrides an earlier loser.
		{LSN: 9, TxnID: 3, Type: wal.LogRecordTypePageWrite, PageID: 3, OldData: img(3), NewData: img(6)},
		{LSN: 10, TxnID: 3, Type: wal.LogRecordTypeCommit},
	}
	images := redoImages(recs)
	require.Equal(t, map[pagemanager.PageID][]byte{2: img(1), 3: img(6)}, images)
}

func TestEngine_WriteConflict(t *testing.T) {
	e := openEngine(t, dbPath(t), testConfig)
	defer e.Close()
	createUsers(t, e)
	insertUsers(t, e, 0, 1)

	tx1, err := e.Begin()
	require.NoError(t, err)
	tx2, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, e.Update(tx1, "users", Row{"id": 0, "name": "first"}))
	require.NoError(t, e.Update(tx2, "users", Row{"id": 0, "name": "second"}))
	require.NoError(t, e.Commit(tx1))
	require.ErrorIs(t, e.Commit(tx2), flushmanager.ErrConflict)
	require.Equal(t, transaction.TxnStateAborted, tx2.State)

	tx, err := e.Begin()
	require.NoError(t, err)
	row, err := e.Get(tx, "users", 0)
	require.NoError(t, err)
	require.Equal(t, "first", row["name"])
	require.NoError(t, e.Commit(tx))
}

func TestEngine_SnapshotIgnoresLaterCommits(t *testing.T) {
	e := openEngine(t, dbPath(t), testConfig)
	defer e.Close()
	createUsers(t, e)

	reader, err := e.Begin()
	require.NoError(t, err)
	insertUsers(t, e, 0, 50)

	rows, err := e.ScanRange(reader, "users", nil, nil)
	require.NoError(t, err)
	require.False(t, rows.Next())
	require.NoError(t, rows.Err())
	require.NoError(t, e.Commit(reader))
	require.Equal(t, 50, countUsers(t, e))
}

func TestEngine_FailedOperationAbortsTransaction(t *testing.T) {
	e := openEngine(t, dbPath(t), testConfig)
	defer e.Close()
	createUsers(t, e)
	insertUsers(t, e, 0, 3)

	tx, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, e.Insert(tx, "users", Row{"id": 10, "name": "kept?"}))
	err = e.Insert(tx, "users", Row{"id": 1, "name": "dup"})
	require.ErrorIs(t, err, flushmanager.ErrKeyExists)
	require.Equal(t, transaction.TxnStateAborted, tx.State)
	require.ErrorIs(t, e.Insert(tx, "users", Row{"id": 11, "name": "late"}), flushmanager.ErrTxnInvalidState)
	require.ErrorIs(t, e.Commit(tx), flushmanager.ErrTxnInvalidState)

	tx, err = e.Begin()
	require.NoError(t, err)
	_, err = e.Get(tx, "users", 10)
	require.ErrorIs(t, err, flushmanager.ErrKeyNotFound)
	require.Equal(t, transaction.TxnStateAborted, tx.State)

	tx, err = e.Begin()
	require.NoError(t, err)
	_, err = e.ScanRange(tx, "nope", nil, nil)
	require.ErrorIs(t, err, flushmanager.ErrTableNotFound)
	require.Equal(t, transaction.TxnStateAborted, tx.State)
	require.Equal(t, 3, countUsers(t, e))
}

func TestEngine_BitFlipDetected(t *testing.T) {
	path := dbPath(t)
	e := openEngine(t, path, testConfig)
	createUsers(t, e)
	insertUsers(t, e, 0, 20)
	tx, err := e.Begin()
	require.NoError(t, err)
	def, err := e.GetTable(tx, "users")
	require.NoError(t, err)
	require.NoError(t, e.Commit(tx))
	require.NoError(t, e.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	off := int64(def.Root)*int64(testConfig.PageSize) + 200
	b := make([]byte, 1)
	_, err = f.ReadAt(b, off)
	require.NoError(t, err)
	b[0] ^= 0x04
	_, err = f.WriteAt(b, off)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	e = openEngine(t, path, testConfig)
	defer e.Close()
	tx, err = e.Begin()
	require.NoError(t, err)
	_, err = e.Get(tx, "users", 3)
	require.ErrorIs(t, err, flushmanager.ErrCorruption)

	// Write commits are refused until the database is recovered.
	tx, err = e.Begin()
	require.NoError(t, err)
	require.NoError(t, e.CreateTable(tx, TableSchema{Name: "other", Columns: []Column{{Name: "k", Type: TypeText}}, PrimaryKey: "k"}))
	require.ErrorIs(t, e.Commit(tx), flushmanager.ErrCorruption)

	st, err := e.Stats()
	require.NoError(t, err)
	require.NotEmpty(t, st.Corrupt)

	_, err = e.Verify()
	require.ErrorIs(t, err, flushmanager.ErrCorruption)
	require.ErrorIs(t, e.Recover(), flushmanager.ErrCorruption)
}

func TestEngine_RecoverRepairsFromLog(t *testing.T) {
	e := openEngine(t, dbPath(t), testConfig)
	defer e.Close()
	createUsers(t, e)
	insertUsers(t, e, 0, 200)

	tx, err := e.Begin()
	require.NoError(t, err)
	require.ErrorIs(t, e.Recover(), flushmanager.ErrTxnActive)
	require.NoError(t, e.Rollback(tx))

	require.NoError(t, e.Recover())
	require.Equal(t, 200, countUsers(t, e))
	insertUsers(t, e, 200, 210)
	require.Equal(t, 210, countUsers(t, e))

	report, err := e.Verify()
	require.NoError(t, err)
	require.Len(t, report.Trees, 2)
	require.Equal(t, 210, report.Trees[1].Entries)
}

func TestEngine_EncryptionAtRest(t *testing.T) {
	const marker = "PLAINTEXT-MARKER-4242"
	key := []byte("correct horse battery staple")
	kdf := WithKDFCost(1, 1024, 1)

	write := func(path string, cfg Config, opts ...Option) {
		e := openEngine(t, path, cfg, opts...)
		createUsers(t, e)
		tx, err := e.Begin()
		require.NoError(t, err)
		for id := 0; id < 20; id++ {
			require.NoError(t, e.Insert(tx, "users", Row{"id": id, "name": marker}))
		}
		require.NoError(t, e.Commit(tx))
		logData, err := os.ReadFile(backup.WALPath(path))
		require.NoError(t, err)
		require.Equal(t, len(cfg.EncryptionKey) == 0, bytes.Contains(logData, []byte(marker)), "log contents")
		require.NoError(t, e.Close())
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Equal(t, len(cfg.EncryptionKey) == 0, bytes.Contains(data, []byte(marker)), "page file contents")
	}

	plainPath := dbPath(t)
	write(plainPath, testConfig)

	path := dbPath(t)
	cfg := testConfig
	cfg.EncryptionKey = key
	write(path, cfg, kdf)

	e := openEngine(t, path, cfg)
	st, err := e.Stats()
	require.NoError(t, err)
	require.True(t, st.Encrypted)
	tx, err := e.Begin()
	require.NoError(t, err)
	row, err := e.Get(tx, "users", 5)
	require.NoError(t, err)
	require.Equal(t, marker, row["name"])
	require.NoError(t, e.Commit(tx))
	require.NoError(t, e.Close())

	wrong := testConfig
	wrong.EncryptionKey = []byte("wrong")
	_, err = Open(path, wrong)
	require.ErrorIs(t, err, flushmanager.ErrCorruption)

	_, err = Open(path, testConfig)
	require.ErrorIs(t, err, flushmanager.ErrInvalidConfig)

	_, err = Open(plainPath, cfg)
	require.ErrorIs(t, err, flushmanager.ErrInvalidConfig)
}

func TestEngine_EncryptedCrashRecovery(t *testing.T) {
	path := dbPath(t)
	cfg := testConfig
	cfg.EncryptionKey = []byte("k")
	e := openEngine(t, path, cfg, WithKDFCost(1, 1024, 1))
	createUsers(t, e)
	insertUsers(t, e, 0, 300)
	e.crash()

	e = openEngine(t, path, cfg)
	defer e.Close()
	require.Equal(t, 300, countUsers(t, e))
	_, err := e.Verify()
	require.NoError(t, err)
}

func TestEngine_CheckpointIdempotent(t *testing.T) {
	e := openEngine(t, dbPath(t), testConfig)
	defer e.Close()
	createUsers(t, e)
	insertUsers(t, e, 0, 100)

	res, err := e.Checkpoint(context.Background())
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.Positive(t, res.Pages)

	again, err := e.Checkpoint(context.Background())
	require.NoError(t, err)
	require.True(t, again.Skipped)
	require.Equal(t, res.LSN, again.LSN)

	st, err := e.Stats()
	require.NoError(t, err)
	require.Zero(t, st.WALRecords)
	require.Equal(t, res.LSN, st.CheckpointLSN)
	require.Equal(t, 100, countUsers(t, e))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Checkpoint(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestEngine_LogGrowthTriggersCheckpoint(t *testing.T) {
	cfg := testConfig
	cfg.CheckpointIntervalBytes = 1
	e := openEngine(t, dbPath(t), cfg)
	defer e.Close()
	createUsers(t, e)
	insertUsers(t, e, 0, 10)

	require.Eventually(t, func() bool {
		st, err := e.Stats()
		return err == nil && st.WALRecords == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEngine_ConcurrentWriters(t *testing.T) {
	e := openEngine(t, dbPath(t), testConfig)
	defer e.Close()
	createUsers(t, e)

	const writers, perWriter = 8, 50
	var g errgroup.Group
	for w := 0; w < writers; w++ {
		g.Go(func() error {
			for i := 0; i < perWriter; i++ {
				tx, err := e.Begin()
				if err != nil {
					return err
				}
				id := w*perWriter + i
				if err := e.Insert(tx, "users", Row{"id": id, "name": "w"}); err != nil {
					return err
				}
				if err := e.Commit(tx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, writers*perWriter, countUsers(t, e))
	_, err := e.Verify()
	require.NoError(t, err)
}

func TestEngine_RoundTrip(t *testing.T) {
	cases := []struct {
		n      int
		random bool
		frames int
	}{
		{n: 3, frames: 64},
		{n: 300, frames: 64},
		{n: 3000, frames: 64},
		{n: 3000, random: true, frames: 64},
		{n: 3000, random: true, frames: MinCacheFrames},
		{n: 30000, random: true, frames: 64},
	}
	for _, c := range cases {
		name := fmt.Sprintf("%d/sequential/%d", c.n, c.frames)
		if c.random {
			name = fmt.Sprintf("%d/random/%d", c.n, c.frames)
		}
		t.Run(name, func(t *testing.T) {
			if c.n > 10000 && testing.Short() {
				t.Skip("large round trip")
			}
			cfg := testConfig
			cfg.CacheFrames = c.frames
			path := dbPath(t)
			e := openEngine(t, path, cfg)
			createUsers(t, e)
			tx, err := e.Begin()
			require.NoError(t, err)
			require.NoError(t, e.CreateIndex(tx, IndexSchema{Table: "users", Name: "by_age", Column: "age"}))
			require.NoError(t, e.Commit(tx))

			// Random cases use long names so the commit cannot fit in the cache.
			nameOf := func(id int) string { return fmt.Sprintf("user-%d", id) }
			ids := make([]int, c.n)
			for i := range ids {
				ids[i] = i
			}
			if c.random {
				nameOf = paddedName
				ids = rand.New(rand.NewPCG(uint64(c.n), uint64(c.frames))).Perm(c.n)
			}
			tx, err = e.Begin()
			require.NoError(t, err)
			for _, id := range ids {
				require.NoError(t, e.Insert(tx, "users", Row{"id": id, "name": nameOf(id), "age": 20 + id%50}))
			}
			require.NoError(t, e.Commit(tx))
			if c.random {
				require.Positive(t, stolenFrames(t, e))
			}
			e.crash()

			e = openEngine(t, path, cfg)
			defer e.Close()
			tx, err = e.Begin()
			require.NoError(t, err)
			for id := 0; id < c.n; id++ {
				row, err := e.Get(tx, "users", id)
				require.NoError(t, err)
				require.Equal(t, nameOf(id), row["name"])
			}
			rows, err := e.ScanRange(tx, "users", nil, nil)
			require.NoError(t, err)
			next := int64(0)
			for rows.Next() {
				require.Equal(t, next, rows.Row()["id"])
				next++
			}
			require.NoError(t, rows.Err())
			require.Equal(t, int64(c.n), next)
			rows, err = e.ScanIndex(tx, "users", "by_age", 30, 31)
			require.NoError(t, err)
			for rows.Next() {
				require.Equal(t, int64(30), rows.Row()["age"])
			}
			require.NoError(t, rows.Err())
			require.NoError(t, e.Commit(tx))

			report := requireClean(t, e)
			require.Len(t, report.Trees, 3)
			require.Equal(t, c.n, report.Trees[1].Entries)
			require.Equal(t, c.n, report.Trees[2].Entries)
		})
	}
}

func TestEngine_PageLimit(t *testing.T) {
	cfg := testConfig
	cfg.MaxPages = 3 // header, catalog and one table root
	e := openEngine(t, dbPath(t), cfg)
	defer e.Close()
	createUsers(t, e)

	tx, err := e.Begin()
	require.NoError(t, err)
	for id := 0; id < 200; id++ {
		require.NoError(t, e.Insert(tx, "users", Row{"id": id, "name": strings.Repeat("x", 100)}))
	}
	require.ErrorIs(t, e.Commit(tx), flushmanager.ErrResourceExhausted)
	require.Equal(t, 0, countUsers(t, e))
	insertUsers(t, e, 0, 5)
	require.Equal(t, 5, countUsers(t, e))
}

func TestEngine_BackupAndRestore(t *testing.T) {
	path := dbPath(t)
	backups := filepath.Join(t.TempDir(), "backups")
	e := openEngine(t, path, testConfig)
	createUsers(t, e)
	insertUsers(t, e, 0, 100)

	meta, err := e.Backup(context.Background(), backups, backup.Options{Compress: true})
	require.NoError(t, err)
	require.True(t, meta.Compressed)
	st, err := e.Stats()
	require.NoError(t, err)
	require.Equal(t, st.CheckpointLSN, meta.CheckpointLSN)
	require.Equal(t, st.Pages, meta.Pages)

	insertUsers(t, e, 100, 150)
	require.NoError(t, e.Close())

	_, err = backup.Restore(context.Background(), meta.Path, path, backup.RestoreOptions{
		Verify: func(p string) error {
			e, err := Open(p, testConfig, MustExist())
			if err != nil {
				return err
			}
			defer e.Close()
			_, err = e.Verify()
			return err
		},
	}, zap.NewNop())
	require.NoError(t, err)

	e = openEngine(t, path, testConfig)
	defer e.Close()
	require.Equal(t, 100, countUsers(t, e))
}

func TestEngine_OpenErrors(t *testing.T) {
	path := dbPath(t)
	_, err := Open(path, Config{CacheFrames: 4})
	require.ErrorIs(t, err, flushmanager.ErrInvalidConfig)

	_, err = Open(path, testConfig, MustExist())
	require.ErrorIs(t, err, flushmanager.ErrDBFileNotFound)

	e := openEngine(t, path, testConfig)
	_, err = Open(path, testConfig)
	require.ErrorIs(t, err, flushmanager.ErrDatabaseLocked)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	_, err = e.Begin()
	require.ErrorIs(t, err, flushmanager.ErrEngineClosed)
	_, err = e.Checkpoint(context.Background())
	require.ErrorIs(t, err, flushmanager.ErrEngineClosed)
}

func TestEngine_LogsCarryDatabaseFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	path := dbPath(t)
	e, err := Open(path, testConfig, WithLogger(zap.New(core)))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	opened := logs.FilterMessage("engine opened").All()
	require.Len(t, opened, 1)
	fields := opened[0].ContextMap()
	require.Equal(t, path, fields["db"])
	require.EqualValues(t, testConfig.PageSize, fields["page_size"])
	require.Equal(t, false, fields["encrypted"])
	st, err := Open(path, testConfig, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	defer st.Close()
	stats, err := st.Stats()
	require.NoError(t, err)
	require.Equal(t, stats.DatabaseID, fields["database_id"])
}

func TestEngine_DefaultCacheFrames(t *testing.T) {
	require.Equal(t, 1024, bufferpool.DefaultCapacity)
	require.Equal(t, bufferpool.DefaultCapacity, DefaultConfig().CacheFrames)

	e := openEngine(t, dbPath(t), Config{PageSize: 4096})
	defer e.Close()
	st, err := e.Stats()
	require.NoError(t, err)
	require.Equal(t, bufferpool.DefaultCapacity, st.Cache.Capacity)
}
