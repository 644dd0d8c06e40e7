package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"go.uber.org/zap"

	storageengine "github.com/sushant-115/gojolite/core/storage_engine"
	"github.com/sushant-115/gojolite/core/storage_engine/backup"
	"github.com/sushant-115/gojolite/core/transaction"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
)

const shellHelp = `Statements run in their own transaction unless one was started with begin.

  begin | commit | rollback
  savepoint NAME | rollback to NAME | release NAME
  create table NAME COL:TYPE[!] ...   first column is the primary key, ! is NOT NULL
  create index NAME TABLE COLUMN
  tables
  insert TABLE {"col": value, ...}
  update TABLE {"col": value, ...}
  get TABLE KEY
  delete TABLE KEY
  scan TABLE [LO [HI]]                _ leaves a bound open
  iscan TABLE INDEX [LO [HI]]
  checkpoint | verify | recover | stats | backup
  help | exit

Keys and bounds are JSON values; a bare word is a string.
Types: integer, real, text, blob, boolean.`

type ShellCmd struct {
	History string `help:"History file. Defaults to ~/.gojolite_history." type:"path"`
}

func (c *ShellCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()
	return withEngine(g, func(a *app, e *storageengine.Engine) error {
		s := &session{e: e, out: os.Stdout, backup: a.backupFunc(e)}

		sched := backup.NewScheduler(s.backup, a.pruneFunc(), a.cfg.Backup.Interval, a.logger)
		sched.Start()
		defer sched.Stop()

		return c.loop(ctx, s, a.logger)
	})
}

func (c *ShellCmd) loop(ctx context.Context, s *session, logger *zap.Logger) error {
	history := c.History
	if history == "" {
		if home, err := os.UserHomeDir(); err == nil {
			history = filepath.Join(home, ".gojolite_history")
		}
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "gojolite> ",
		HistoryFile:       history,
		AutoComplete:      completer,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return err
	}
	defer rl.Close()
	s.out = rl.Stdout()
	defer s.end()

	fmt.Fprintf(s.out, "gojolite %s, %s. Type help for commands.\n", version, s.e.Path())
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		done, err := s.exec(ctx, line)
		if err != nil {
			logger.Debug("statement failed", zap.String("statement", line), zap.Error(err))
			errColor.Fprintln(rl.Stderr(), "error:", err)
		}
		if done {
			return nil
		}
		if s.tx != nil {
			rl.SetPrompt("gojolite*> ")
		} else {
			rl.SetPrompt("gojolite> ")
		}
	}
}

var errColor = color.New(color.FgRed)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("begin"),
	readline.PcItem("commit"),
	readline.PcItem("rollback", readline.PcItem("to")),
	readline.PcItem("savepoint"),
	readline.PcItem("release"),
	readline.PcItem("create", readline.PcItem("table"), readline.PcItem("index")),
	readline.PcItem("tables"),
	readline.PcItem("insert"),
	readline.PcItem("update"),
	readline.PcItem("get"),
	readline.PcItem("delete"),
	readline.PcItem("scan"),
	readline.PcItem("iscan"),
	readline.PcItem("checkpoint"),
	readline.PcItem("verify"),
	readline.PcItem("recover"),
	readline.PcItem("stats"),
	readline.PcItem("backup"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)

func (a *app) backupFunc(e *storageengine.Engine) func(ctx context.Context) (*backup.Meta, error) {
	return func(ctx context.Context) (*backup.Meta, error) {
		return e.Backup(ctx, a.cfg.BackupDir(a.db), a.cfg.Backup.Options)
	}
}

func (a *app) pruneFunc() func(now time.Time) ([]string, error) {
	return func(now time.Time) ([]string, error) {
		return backup.Prune(a.cfg.BackupDir(a.db), filepath.Base(a.db), a.cfg.Backup.Policy, now)
	}
}

// session runs shell statements against one engine.
type session struct {
	e      *storageengine.Engine
	out    io.Writer
	tx     *storageengine.Transaction // explicit transaction, nil in autocommit
	backup func(ctx context.Context) (*backup.Meta, error)
}

// end rolls back an explicit transaction left open.
func (s *session) end() {
	if s.tx != nil {
		_ = s.e.Rollback(s.tx)
		s.tx = nil
	}
}

// exec runs one statement. done reports that the shell should exit.
func (s *session) exec(ctx context.Context, line string) (done bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "--") {
		return false, nil
	}
	stmt, err := parseStatement(line)
	if err != nil {
		return false, err
	}
	switch {
	case stmt.Savepoint != nil:
		return false, s.withExplicit(func(tx *storageengine.Transaction) error { return tx.Savepoint(*stmt.Savepoint) })
	case stmt.RollbackTo != nil:
		return false, s.withExplicit(func(tx *storageengine.Transaction) error { return tx.RollbackTo(*stmt.RollbackTo) })
	case stmt.Release != nil:
		return false, s.withExplicit(func(tx *storageengine.Transaction) error { return tx.Release(*stmt.Release) })
	case stmt.Command != "":
		return s.command(ctx, strings.ToLower(stmt.Command))
	}
	return false, s.run(func(tx *storageengine.Transaction) error { return s.statement(tx, stmt) })
}

func (s *session) command(ctx context.Context, cmd string) (done bool, err error) {
	switch cmd {
	case "exit", "quit":
		return true, nil
	case "help":
		fmt.Fprintln(s.out, shellHelp)
	case "begin":
		if s.tx != nil {
			return false, fmt.Errorf("%w: a transaction is already open", flushmanager.ErrTxnInvalidState)
		}
		s.tx, err = s.e.Begin()
		return false, err
	case "commit":
		tx, err := s.explicit()
		if err != nil {
			return false, err
		}
		s.tx = nil
		return false, s.e.Commit(tx)
	case "rollback":
		tx, err := s.explicit()
		if err != nil {
			return false, err
		}
		s.tx = nil
		return false, s.e.Rollback(tx)
	case "tables":
		return false, s.run(func(tx *storageengine.Transaction) error {
			defs, err := s.e.Tables(tx)
			if err != nil {
				return err
			}
			for _, d := range defs {
				fmt.Fprintln(s.out, formatTable(d))
			}
			return nil
		})
	case "checkpoint":
		res, err := s.e.Checkpoint(ctx)
		if err == nil {
			printCheckpoint(s.out, res)
		}
		return false, err
	case "verify":
		report, err := s.e.Verify()
		if err == nil {
			printVerify(s.out, report)
		}
		return false, err
	case "recover":
		if s.tx != nil {
			return false, fmt.Errorf("%w: commit or roll back first", flushmanager.ErrTxnActive)
		}
		if err := s.e.Recover(); err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, "recovered")
	case "stats":
		st, err := s.e.Stats()
		if err == nil {
			printStats(s.out, st)
		}
		return false, err
	case "backup":
		if s.backup == nil {
			return false, errors.New("backups are not configured")
		}
		meta, err := s.backup(ctx)
		if err == nil {
			fmt.Fprintln(s.out, meta.Path)
		}
		return false, err
	}
	return false, nil
}

func (s *session) explicit() (*storageengine.Transaction, error) {
	if s.tx == nil {
		return nil, fmt.Errorf("%w: no transaction is open", flushmanager.ErrTxnInvalidState)
	}
	return s.tx, nil
}

func (s *session) withExplicit(fn func(tx *storageengine.Transaction) error) error {
	tx, err := s.explicit()
	if err != nil {
		return err
	}
	return fn(tx)
}

// run executes fn in the explicit transaction or in a new one that is
// committed afterwards.
func (s *session) run(fn func(tx *storageengine.Transaction) error) error {
	if s.tx != nil {
		err := fn(s.tx)
		if s.tx.State != transaction.TxnStateActive {
			fmt.Fprintln(s.out, "transaction aborted")
			s.tx = nil
		}
		return err
	}
	tx, err := s.e.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if tx.State == transaction.TxnStateActive {
			_ = s.e.Rollback(tx)
		}
		return err
	}
	return s.e.Commit(tx)
}

func (s *session) statement(tx *storageengine.Transaction, stmt *statement) error {
	switch {
	case stmt.CreateTable != nil:
		return s.e.CreateTable(tx, stmt.CreateTable.schema())
	case stmt.CreateIndex != nil:
		d := stmt.CreateIndex
		return s.e.CreateIndex(tx, storageengine.IndexSchema{Name: d.Name, Table: d.Table, Column: d.Column})
	case stmt.Insert != nil:
		row, err := parseRow(stmt.Insert.Row)
		if err != nil {
			return err
		}
		return s.e.Insert(tx, stmt.Insert.Table, row)
	case stmt.Update != nil:
		row, err := parseRow(stmt.Update.Row)
		if err != nil {
			return err
		}
		return s.e.Update(tx, stmt.Update.Table, row)
	case stmt.Get != nil:
		row, err := s.e.Get(tx, stmt.Get.Table, parseValue(stmt.Get.Key))
		if err != nil {
			return err
		}
		return s.printRow(row)
	case stmt.Delete != nil:
		return s.e.Delete(tx, stmt.Delete.Table, parseValue(stmt.Delete.Key))
	case stmt.Scan != nil:
		sc := stmt.Scan
		rows, err := s.e.ScanRange(tx, sc.Table, bound(sc.Lo), bound(sc.Hi))
		if err != nil {
			return err
		}
		return s.printRows(rows)
	case stmt.IndexScan != nil:
		sc := stmt.IndexScan
		rows, err := s.e.ScanIndex(tx, sc.Table, sc.Index, bound(sc.Lo), bound(sc.Hi))
		if err != nil {
			return err
		}
		return s.printRows(rows)
	}
	return errors.New("empty statement")
}

func (s *session) printRow(row storageengine.Row) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, string(data))
	return nil
}

func (s *session) printRows(rows *storageengine.Rows) error {
	defer rows.Close()
	n := 0
	for rows.Next() {
		if err := s.printRow(rows.Row()); err != nil {
			return err
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "(%d rows)\n", n)
	return nil
}

func formatTable(d *storageengine.TableDef) string {
	cols := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		cols[i] = c.Name + " " + string(c.Type)
		if c.Name == d.PrimaryKey {
			cols[i] += " PRIMARY KEY"
		} else if c.NotNull {
			cols[i] += " NOT NULL"
		}
	}
	out := fmt.Sprintf("%s(%s)", d.Name, strings.Join(cols, ", "))
	for _, ix := range d.Indexes {
		out += fmt.Sprintf("\n  index %s on %s", ix.Name, ix.Column)
	}
	return out
}
