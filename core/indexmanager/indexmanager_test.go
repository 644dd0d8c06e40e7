package indexmanager

import (
	"bytes"
	"math"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/core/indexing/btree"
	"github.com/sushant-115/gojolite/core/transaction"
	bufferpool "github.com/sushant-115/gojolite/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"github.com/sushant-115/gojolite/core/write_engine/wal"
)

type testEnv struct {
	m   *Manager
	tm  *transaction.TransactionManager
	bpm *bufferpool.BufferPoolManager
}

func setupManager(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	dm, err := pagemanager.OpenDiskManager(filepath.Join(dir, "im.db"), pagemanager.DiskOptions{PageSize: 4096, Create: true}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })
	catalog, err := dm.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, pagemanager.CatalogPageID, catalog)
	payload := make([]byte, dm.PayloadSize())
	btree.InitRoot(payload, pagemanager.PageTypeMeta)
	require.NoError(t, dm.WritePage(catalog, payload))

	lm, err := wal.NewLogManager(filepath.Join(dir, "im.db-wal"), wal.Options{PageSize: 4096, DatabaseID: dm.DatabaseID()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { lm.Close() })

	bpm := bufferpool.NewBufferPoolManager(256, dm, lm, zap.NewNop(), nil)
	m := New(bpm, zap.NewNop())
	tm := transaction.NewTransactionManager(lm, bpm, m, 0, transaction.Options{}, zap.NewNop())
	return &testEnv{m: m, tm: tm, bpm: bpm}
}

var usersSchema = TableSchema{
	Name: "users",
	Columns: []Column{
		{Name: "id", Type: TypeInteger},
		{Name: "name", Type: "text", NotNull: true},
		{Name: "age", Type: TypeInteger},
	},
	PrimaryKey: "id",
}

func (e *testEnv) createUsers(t *testing.T) {
	t.Helper()
	tx := e.tm.Begin()
	require.NoError(t, e.m.CreateTable(tx, usersSchema))
	require.NoError(t, e.tm.Commit(tx))
}

func (e *testEnv) insertUsers(t *testing.T, ids ...int) {
	t.Helper()
	tx := e.tm.Begin()
	for _, id := range ids {
		require.NoError(t, e.m.Insert(tx, "users", Row{"id": id, "name": "user", "age": 20 + id%10}))
	}
	require.NoError(t, e.tm.Commit(tx))
}

func collect(t *testing.T, rows *Rows, column string) []any {
	t.Helper()
	var out []any
	for rows.Next() {
		out = append(out, rows.Row()[column])
	}
	require.NoError(t, rows.Err())
	return out
}

func TestManager_CRUD(t *testing.T) {
	env := setupManager(t)
	env.createUsers(t)

	tx := env.tm.Begin()
	require.NoError(t, env.m.Insert(tx, "users", Row{"id": 1, "name": "ada", "age": 36}))
	err := env.m.Insert(tx, "users", Row{"id": 1, "name": "dup"})
	require.ErrorIs(t, err, flushmanager.ErrKeyExists)
	require.NoError(t, env.tm.Commit(tx))

	tx = env.tm.Begin()
	row, err := env.m.Get(tx, "users", 1)
	require.NoError(t, err)
	require.Equal(t, Row{"id": int64(1), "name": "ada", "age": int64(36)}, row)

	require.NoError(t, env.m.Update(tx, "users", Row{"id": 1, "name": "ada lovelace"}))
	row, err = env.m.Get(tx, "users", 1)
	require.NoError(t, err)
	require.Equal(t, "ada lovelace", row["name"])
	require.Nil(t, row["age"])

	err = env.m.Update(tx, "users", Row{"id": 2, "name": "nobody"})
	require.ErrorIs(t, err, flushmanager.ErrKeyNotFound)
	require.NoError(t, env.tm.Commit(tx))

	tx = env.tm.Begin()
	require.NoError(t, env.m.Delete(tx, "users", 1))
	_, err = env.m.Get(tx, "users", 1)
	require.ErrorIs(t, err, flushmanager.ErrKeyNotFound)
	require.ErrorIs(t, env.m.Delete(tx, "users", 1), flushmanager.ErrKeyNotFound)
	require.NoError(t, env.tm.Commit(tx))

	tx = env.tm.Begin()
	_, err = env.m.Get(tx, "users", 1)
	require.ErrorIs(t, err, flushmanager.ErrKeyNotFound)
	_, err = env.m.Get(tx, "missing", 1)
	require.ErrorIs(t, err, flushmanager.ErrTableNotFound)
}

func TestManager_SchemaValidation(t *testing.T) {
	env := setupManager(t)
	env.createUsers(t)

	tx := env.tm.Begin()
	require.ErrorIs(t, env.m.CreateTable(tx, usersSchema), flushmanager.ErrTableExists)
	require.ErrorIs(t, env.m.CreateTable(tx, TableSchema{Name: "bad name", Columns: usersSchema.Columns, PrimaryKey: "id"}), flushmanager.ErrSchema)
	require.ErrorIs(t, env.m.CreateTable(tx, TableSchema{Name: "t", Columns: usersSchema.Columns, PrimaryKey: "nope"}), flushmanager.ErrSchema)
	require.ErrorIs(t, env.m.CreateTable(tx, TableSchema{Name: "t", Columns: []Column{{Name: "x", Type: "uuid"}}, PrimaryKey: "x"}), flushmanager.ErrSchema)

	require.ErrorIs(t, env.m.Insert(tx, "users", Row{"id": 1}), flushmanager.ErrSchema, "name is NOT NULL")
	require.ErrorIs(t, env.m.Insert(tx, "users", Row{"name": "x"}), flushmanager.ErrSchema, "primary key is required")
	require.ErrorIs(t, env.m.Insert(tx, "users", Row{"id": 1, "name": "x", "email": "y"}), flushmanager.ErrSchema)
	require.ErrorIs(t, env.m.Insert(tx, "users", Row{"id": "one", "name": "x"}), flushmanager.ErrSchema)
	require.ErrorIs(t, env.m.Insert(tx, "users", Row{"id": 1.5, "name": "x"}), flushmanager.ErrSchema)

	def, err := env.m.GetTable(tx, "users")
	require.NoError(t, err)
	require.Equal(t, TypeText, def.Columns[1].Type, "type names are canonicalized")
	require.NotEqual(t, pagemanager.InvalidPageID, def.Root)
}

func TestManager_CreateAndUseInOneTransaction(t *testing.T) {
	env := setupManager(t)

	tx := env.tm.Begin()
	require.NoError(t, env.m.CreateTable(tx, usersSchema))
	require.NoError(t, env.m.Insert(tx, "users", Row{"id": 7, "name": "grace", "age": 85}))
	require.NoError(t, env.m.CreateIndex(tx, IndexSchema{Table: "users", Name: "by_age", Column: "age"}))
	require.NoError(t, env.m.Insert(tx, "users", Row{"id": 8, "name": "alan", "age": 41}))

	rows, err := env.m.ScanIndex(tx, "users", "by_age", nil, nil)
	require.NoError(t, err)
	require.Equal(t, []any{int64(8), int64(7)}, collect(t, rows, "id"))
	require.NoError(t, env.tm.Commit(tx))

	tx = env.tm.Begin()
	tables, err := env.m.Tables(tx)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	require.Len(t, tables[0].Indexes, 1)
	require.NotEqual(t, pagemanager.InvalidPageID, tables[0].Indexes[0].Root)

	rows, err = env.m.ScanIndex(tx, "users", "by_age", nil, nil)
	require.NoError(t, err)
	require.Equal(t, []any{int64(8), int64(7)}, collect(t, rows, "id"))
}

func TestManager_ScanMergesOwnWrites(t *testing.T) {
	env := setupManager(t)
	env.createUsers(t)
	env.insertUsers(t, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)

	tx := env.tm.Begin()
	require.NoError(t, env.m.Delete(tx, "users", 3))
	require.NoError(t, env.m.Update(tx, "users", Row{"id": 5, "name": "changed"}))
	require.NoError(t, env.m.Insert(tx, "users", Row{"id": 11, "name": "new"}))
	require.NoError(t, env.m.Insert(tx, "users", Row{"id": -1, "name": "neg"}))

	rows, err := env.m.ScanRange(tx, "users", 2, 8)
	require.NoError(t, err)
	var ids []any
	var names []any
	for rows.Next() {
		ids = append(ids, rows.Row()["id"])
		names = append(names, rows.Row()["name"])
	}
	require.NoError(t, rows.Err())
	require.Equal(t, []any{int64(2), int64(4), int64(5), int64(6), int64(7)}, ids)
	require.Equal(t, "changed", names[2])

	rows, err = env.m.ScanRange(tx, "users", nil, nil)
	require.NoError(t, err)
	require.Equal(t, []any{int64(-1), int64(1), int64(2), int64(4), int64(5), int64(6), int64(7), int64(8), int64(9), int64(10), int64(11)}, collect(t, rows, "id"))

	// Seek restarts the sequence and never moves before the lower bound.
	rows, err = env.m.ScanRange(tx, "users", 4, nil)
	require.NoError(t, err)
	require.True(t, rows.Next())
	require.NoError(t, rows.Seek(9))
	require.Equal(t, []any{int64(9), int64(10), int64(11)}, collect(t, rows, "id"))
	require.NoError(t, rows.Seek(0))
	require.True(t, rows.Next())
	require.Equal(t, int64(4), rows.Row()["id"])
	rows.Close()
	require.False(t, rows.Next())

	// Another transaction sees none of it.
	other := env.tm.Begin()
	rows, err = env.m.ScanRange(other, "users", nil, nil)
	require.NoError(t, err)
	require.Len(t, collect(t, rows, "id"), 10)
}

func TestManager_ScanSeesWritesMadeWhileIterating(t *testing.T) {
	env := setupManager(t)
	env.createUsers(t)
	env.insertUsers(t, 10, 20)

	tx := env.tm.Begin()
	rows, err := env.m.ScanRange(tx, "users", nil, nil)
	require.NoError(t, err)
	require.True(t, rows.Next())
	require.NoError(t, env.m.Insert(tx, "users", Row{"id": 15, "name": "late"}))
	require.Equal(t, []any{int64(15), int64(20)}, collect(t, rows, "id"))
}

func TestManager_IndexBackfillAndMaintenance(t *testing.T) {
	env := setupManager(t)
	env.createUsers(t)
	env.insertUsers(t, 1, 2, 3, 11, 12, 21)

	tx := env.tm.Begin()
	require.NoError(t, env.m.CreateIndex(tx, IndexSchema{Table: "users", Name: "by_age", Column: "age"}))
	require.ErrorIs(t, env.m.CreateIndex(tx, IndexSchema{Table: "users", Name: "by_age", Column: "age"}), flushmanager.ErrIndexExists)
	require.ErrorIs(t, env.m.CreateIndex(tx, IndexSchema{Table: "users", Name: "by_x", Column: "x"}), flushmanager.ErrSchema)
	require.NoError(t, env.tm.Commit(tx))

	tx = env.tm.Begin()
	rows, err := env.m.ScanIndex(tx, "users", "by_age", 21, 23)
	require.NoError(t, err)
	require.Equal(t, []any{int64(1), int64(11), int64(21), int64(2), int64(12)}, collect(t, rows, "id"))

	require.NoError(t, env.m.Update(tx, "users", Row{"id": 1, "name": "older", "age": 90}))
	require.NoError(t, env.m.Delete(tx, "users", 12))
	require.NoError(t, env.tm.Commit(tx))

	tx = env.tm.Begin()
	rows, err = env.m.ScanIndex(tx, "users", "by_age", 21, nil)
	require.NoError(t, err)
	require.Equal(t, []any{int64(11), int64(21), int64(2), int64(3), int64(1)}, collect(t, rows, "id"))

	_, err = env.m.ScanIndex(tx, "users", "missing", nil, nil)
	require.ErrorIs(t, err, flushmanager.ErrIndexNotFound)

	report, err := env.m.Verify(env.tm.Watermark())
	require.NoError(t, err)
	require.Len(t, report.Trees, 3)
	require.Equal(t, 5, report.Trees[1].Entries)
	require.Equal(t, 5, report.Trees[2].Entries)
}

func TestManager_SchemaChangeConflicts(t *testing.T) {
	env := setupManager(t)
	env.createUsers(t)

	writer := env.tm.Begin()
	require.NoError(t, env.m.Insert(writer, "users", Row{"id": 1, "name": "x", "age": 1}))

	ddl := env.tm.Begin()
	require.NoError(t, env.m.CreateIndex(ddl, IndexSchema{Table: "users", Name: "by_age", Column: "age"}))
	require.NoError(t, env.tm.Commit(ddl))

	err := env.tm.Commit(writer)
	require.ErrorIs(t, err, flushmanager.ErrConflict)
	require.Equal(t, transaction.TxnStateAborted, writer.State)

	// Retried against the new schema, the row lands in the index too.
	env.insertUsers(t, 1)
	report, err := env.m.Verify(env.tm.Watermark())
	require.NoError(t, err)
	require.Equal(t, 1, report.Trees[2].Entries)
}

func TestManager_ConcurrentCreateTableConflicts(t *testing.T) {
	env := setupManager(t)

	a := env.tm.Begin()
	b := env.tm.Begin()
	require.NoError(t, env.m.CreateTable(a, usersSchema))
	require.NoError(t, env.m.CreateTable(b, usersSchema))
	require.NoError(t, env.tm.Commit(a))
	require.ErrorIs(t, env.tm.Commit(b), flushmanager.ErrConflict)
}

func TestManager_SnapshotIsolation(t *testing.T) {
	env := setupManager(t)
	env.createUsers(t)
	env.insertUsers(t, 1)

	reader := env.tm.Begin()
	env.insertUsers(t, 2)

	tx := env.tm.Begin()
	require.NoError(t, env.m.Delete(tx, "users", 1))
	require.NoError(t, env.tm.Commit(tx))

	rows, err := env.m.ScanRange(reader, "users", nil, nil)
	require.NoError(t, err)
	require.Equal(t, []any{int64(1)}, collect(t, rows, "id"))
	_, err = env.m.Get(reader, "users", 2)
	require.ErrorIs(t, err, flushmanager.ErrKeyNotFound)
	require.NoError(t, env.tm.Commit(reader))
}

func TestManager_ManyRowsSplitTrees(t *testing.T) {
	env := setupManager(t)
	env.createUsers(t)
	tx := env.tm.Begin()
	require.NoError(t, env.m.CreateIndex(tx, IndexSchema{Table: "users", Name: "by_name", Column: "name"}))
	require.NoError(t, env.tm.Commit(tx))

	const n = 2000
	for start := 0; start < n; start += 250 {
		tx := env.tm.Begin()
		for id := start; id < start+250; id++ {
			name := string(rune('a'+id%26)) + "-" + string(rune('a'+id/26%26))
			require.NoError(t, env.m.Insert(tx, "users", Row{"id": id, "name": name}))
		}
		require.NoError(t, env.tm.Commit(tx))
	}

	report, err := env.m.Verify(env.tm.Watermark())
	require.NoError(t, err)
	require.Equal(t, n, report.Trees[1].Entries)
	require.Equal(t, n, report.Trees[2].Entries)
	require.Greater(t, report.Trees[1].Height, 1)

	pages, err := env.m.ReachablePages(env.tm.Watermark())
	require.NoError(t, err)
	require.Len(t, pages, len(report.Pages))

	tx = env.tm.Begin()
	rows, err := env.m.ScanIndex(tx, "users", "by_name", "c", "d")
	require.NoError(t, err)
	names := collect(t, rows, "name")
	require.NotEmpty(t, names)
	require.True(t, sort.SliceIsSorted(names, func(i, j int) bool { return names[i].(string) < names[j].(string) }))
}

func TestManager_RowTypesRoundTrip(t *testing.T) {
	env := setupManager(t)
	tx := env.tm.Begin()
	require.NoError(t, env.m.CreateTable(tx, TableSchema{
		Name: "things",
		Columns: []Column{
			{Name: "k", Type: TypeText},
			{Name: "i", Type: TypeInteger},
			{Name: "r", Type: TypeReal},
			{Name: "b", Type: TypeBlob},
			{Name: "ok", Type: TypeBoolean},
		},
		PrimaryKey: "k",
	}))
	row := Row{"k": "a\x00b", "i": int64(math.MaxInt64), "r": 2.5, "b": []byte{0, 1, 2}, "ok": true}
	require.NoError(t, env.m.Insert(tx, "things", row))
	require.NoError(t, env.tm.Commit(tx))

	tx = env.tm.Begin()
	got, err := env.m.Get(tx, "things", "a\x00b")
	require.NoError(t, err)
	require.Equal(t, row, got)
}

func TestKeyEncoding_PreservesOrder(t *testing.T) {
	ints := []int64{math.MinInt64, -1000, -1, 0, 1, 255, 256, math.MaxInt64}
	reals := []float64{math.Inf(-1), -1e9, -1.5, 0, 1e-9, 1.5, 1e9, math.Inf(1)}
	texts := []string{"", "\x00", "\x00\x00", "\x00a", "a", "a\x00", "ab", "b"}

	check := func(keys [][]byte) {
		t.Helper()
		for i := 1; i < len(keys); i++ {
			require.Negative(t, bytes.Compare(keys[i-1], keys[i]), "key %d", i)
		}
	}
	var keys [][]byte
	for _, v := range ints {
		keys = append(keys, appendKey(nil, v))
	}
	check(keys)
	keys = nil
	for _, v := range reals {
		keys = append(keys, appendKey(nil, v))
	}
	check(keys)
	keys = nil
	for _, v := range texts {
		keys = append(keys, appendKey(nil, v))
	}
	check(keys)

	require.Equal(t, appendKey(nil, 0.0), appendKey(nil, math.Copysign(0, -1)))
	check([][]byte{appendKey(nil, nil), appendKey(nil, false), appendKey(nil, true), appendKey(nil, int64(0)), appendKey(nil, 0.0), appendKey(nil, ""), appendKey(nil, []byte{})})

	// Composite index keys order by value first, then by primary key.
	a := append(appendKey(nil, "x"), appendKey(nil, int64(9))...)
	b := append(appendKey(nil, "x\x00"), appendKey(nil, int64(1))...)
	check([][]byte{a, b})
}
