package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	storageengine "github.com/sushant-115/gojolite/core/storage_engine"
	"github.com/sushant-115/gojolite/core/storage_engine/backup"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
)

func newSession(t *testing.T) (*session, *bytes.Buffer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shell.db")
	e, err := storageengine.Open(path, storageengine.Config{PageSize: 4096, CacheFrames: 64},
		storageengine.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	out := &bytes.Buffer{}
	return &session{e: e, out: out}, out
}

// mustExec runs statements that must succeed.
func mustExec(t *testing.T, s *session, lines ...string) {
	t.Helper()
	for _, line := range lines {
		done, err := s.exec(context.Background(), line)
		require.NoError(t, err, line)
		require.False(t, done)
	}
}

func exec(s *session, line string) error {
	_, err := s.exec(context.Background(), line)
	return err
}

func TestSession_Autocommit(t *testing.T) {
	s, out := newSession(t)
	mustExec(t, s,
		"create table users id:integer name:text! age:integer",
		`insert users {"id": 1, "name": "ann", "age": 30}`,
		`insert users {"id": 2, "name": "bob"}`,
	)
	out.Reset()
	mustExec(t, s, "get users 1")
	require.Equal(t, `{"age":30,"id":1,"name":"ann"}`+"\n", out.String())

	out.Reset()
	mustExec(t, s, `update users {"id": 2, "name": "bob", "age": 41}`, "get users 2")
	require.Equal(t, `{"age":41,"id":2,"name":"bob"}`+"\n", out.String())

	mustExec(t, s, "delete users 1")
	require.ErrorIs(t, exec(s, "get users 1"), flushmanager.ErrKeyNotFound)
	require.ErrorIs(t, exec(s, `insert users {"id": 3}`), flushmanager.ErrSchema)

	out.Reset()
	mustExec(t, s, "tables")
	require.Contains(t, out.String(), "users(id INTEGER PRIMARY KEY, name TEXT NOT NULL, age INTEGER)")
}

func TestSession_ExplicitTransaction(t *testing.T) {
	s, out := newSession(t)
	mustExec(t, s, "create table kv k:text v:text")

	mustExec(t, s, "begin", `insert kv {"k": "a", "v": "1"}`, "rollback")
	require.Nil(t, s.tx)
	require.ErrorIs(t, exec(s, "get kv a"), flushmanager.ErrKeyNotFound)

	mustExec(t, s,
		"begin",
		`insert kv {"k": "a", "v": "1"}`,
		"savepoint sp",
		`insert kv {"k": "b", "v": "2"}`,
		"rollback to sp",
		`insert kv {"k": "c", "v": "3"}`,
		"commit",
	)
	out.Reset()
	mustExec(t, s, "scan kv")
	require.Equal(t, `{"k":"a","v":"1"}`+"\n"+`{"k":"c","v":"3"}`+"\n(2 rows)\n", out.String())

	require.ErrorIs(t, exec(s, "commit"), flushmanager.ErrTxnInvalidState)
	require.ErrorIs(t, exec(s, "savepoint x"), flushmanager.ErrTxnInvalidState)
	mustExec(t, s, "begin")
	require.ErrorIs(t, exec(s, "begin"), flushmanager.ErrTxnInvalidState)
	require.ErrorIs(t, exec(s, "recover"), flushmanager.ErrTxnActive)
	s.end()
	require.Nil(t, s.tx)
}

func TestSession_FailedStatementAbortsTransaction(t *testing.T) {
	s, out := newSession(t)
	mustExec(t, s, "create table kv k:text v:text", `insert kv {"k": "a", "v": "1"}`)

	out.Reset()
	mustExec(t, s, "begin", `insert kv {"k": "b", "v": "2"}`)
	require.ErrorIs(t, exec(s, `insert kv {"k": "a", "v": "again"}`), flushmanager.ErrKeyExists)
	require.Contains(t, out.String(), "transaction aborted")
	require.Nil(t, s.tx)
	require.ErrorIs(t, exec(s, "get kv b"), flushmanager.ErrKeyNotFound)
}

func TestSession_IndexScan(t *testing.T) {
	s, out := newSession(t)
	mustExec(t, s, "create table users id:integer name:text age:integer")
	for i, age := range []int{40, 20, 30, 20} {
		row, err := json.Marshal(map[string]any{"id": i, "name": "u", "age": age})
		require.NoError(t, err)
		mustExec(t, s, "insert users "+string(row))
	}
	mustExec(t, s, "create index by_age users age")

	out.Reset()
	mustExec(t, s, "iscan users by_age 20 35")
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Equal(t, []string{
		`{"age":20,"id":1,"name":"u"}`,
		`{"age":20,"id":3,"name":"u"}`,
		`{"age":30,"id":2,"name":"u"}`,
		"(3 rows)",
	}, lines)

	out.Reset()
	mustExec(t, s, "scan users 2 _")
	require.Contains(t, out.String(), "(2 rows)")
}

func TestSession_Maintenance(t *testing.T) {
	s, out := newSession(t)
	mustExec(t, s, "create table kv k:text v:text", `insert kv {"k": "a", "v": "1"}`)

	out.Reset()
	mustExec(t, s, "checkpoint")
	require.Contains(t, out.String(), "checkpoint at lsn")
	out.Reset()
	mustExec(t, s, "checkpoint")
	require.Contains(t, out.String(), "skipped")

	out.Reset()
	mustExec(t, s, "verify")
	require.Contains(t, out.String(), "0 leaked")

	out.Reset()
	mustExec(t, s, "stats", "recover")
	require.Contains(t, out.String(), "page size")
	require.Contains(t, out.String(), "recovered")

	require.Error(t, exec(s, "backup"))
	dir := t.TempDir()
	s.backup = func(ctx context.Context) (*backup.Meta, error) {
		return s.e.Backup(ctx, dir, backup.Options{Compress: true})
	}
	out.Reset()
	mustExec(t, s, "backup")
	metas, err := backup.List(dir, "shell.db")
	require.NoError(t, err)
	require.Len(t, metas, 1)
	require.Equal(t, metas[0].Path+"\n", out.String())
}

func TestSession_ExitAndErrors(t *testing.T) {
	s, _ := newSession(t)
	done, err := s.exec(context.Background(), "exit")
	require.NoError(t, err)
	require.True(t, done)

	mustExec(t, s, "", "-- comment", "help")
	require.Error(t, exec(s, "frobnicate"))
	require.Error(t, exec(s, "create table t"))
	require.Error(t, exec(s, "create table t id"))
	require.Error(t, exec(s, "insert t"))
	require.ErrorIs(t, exec(s, "get missing 1"), flushmanager.ErrTableNotFound)
}

func TestParseValue(t *testing.T) {
	require.Equal(t, json.Number("42"), parseValue("42"))
	require.Equal(t, "ann", parseValue(`"ann"`))
	require.Equal(t, "ann", parseValue("ann"))
	require.Equal(t, true, parseValue("true"))
	require.Equal(t, "1 2", parseValue("1 2"))

	open := "_"
	nine := "9"
	require.Nil(t, bound(&open))
	require.Nil(t, bound(nil))
	require.Equal(t, json.Number("9"), bound(&nine))
}

func TestParseStatement(t *testing.T) {
	stmt, err := parseStatement("CREATE TABLE users id:integer name:Text! photo:blob")
	require.NoError(t, err)
	require.NotNil(t, stmt.CreateTable)
	require.Equal(t, storageengine.TableSchema{
		Name:       "users",
		PrimaryKey: "id",
		Columns: []storageengine.Column{
			{Name: "id", Type: storageengine.TypeInteger},
			{Name: "name", Type: storageengine.TypeText, NotNull: true},
			{Name: "photo", Type: storageengine.TypeBlob},
		},
	}, stmt.CreateTable.schema())

	stmt, err = parseStatement(`insert users {"id": 1, "tags": {"a": 1}} -- trailing`)
	require.NoError(t, err)
	require.Equal(t, "users", stmt.Insert.Table)
	require.Equal(t, `{"id": 1, "tags": {"a": 1}}`, stmt.Insert.Row)

	stmt, err = parseStatement(`scan users "a" _`)
	require.NoError(t, err)
	require.Equal(t, `"a"`, *stmt.Scan.Lo)
	require.Equal(t, "_", *stmt.Scan.Hi)

	stmt, err = parseStatement("iscan users by_age -5")
	require.NoError(t, err)
	require.Equal(t, "by_age", stmt.IndexScan.Index)
	require.Equal(t, "-5", *stmt.IndexScan.Lo)
	require.Nil(t, stmt.IndexScan.Hi)

	stmt, err = parseStatement("Rollback to sp1")
	require.NoError(t, err)
	require.Equal(t, "sp1", *stmt.RollbackTo)

	stmt, err = parseStatement("rollback")
	require.NoError(t, err)
	require.Equal(t, "rollback", stmt.Command)

	for _, bad := range []string{"get users", "scan", "create view v", "delete users 1 2", "insert users 5"} {
		_, err := parseStatement(bad)
		require.Error(t, err, bad)
	}
}
