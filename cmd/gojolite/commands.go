package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	storageengine "github.com/sushant-115/gojolite/core/storage_engine"
	"github.com/sushant-115/gojolite/core/storage_engine/backup"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

type CheckpointCmd struct{}

func (c *CheckpointCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()
	return withEngine(g, func(a *app, e *storageengine.Engine) error {
		res, err := e.Checkpoint(ctx)
		if err != nil {
			return err
		}
		printCheckpoint(os.Stdout, res)
		return nil
	})
}

type VerifyCmd struct{}

func (c *VerifyCmd) Run(g *Globals) error {
	return withEngine(g, func(a *app, e *storageengine.Engine) error {
		report, err := e.Verify()
		if err != nil {
			return err
		}
		printVerify(os.Stdout, report)
		return nil
	})
}

type RecoverCmd struct{}

func (c *RecoverCmd) Run(g *Globals) error {
	return withEngine(g, func(a *app, e *storageengine.Engine) error {
		if err := e.Recover(); err != nil {
			return err
		}
		fmt.Println("recovered")
		return nil
	})
}

type StatsCmd struct{}

func (c *StatsCmd) Run(g *Globals) error {
	return withEngine(g, func(a *app, e *storageengine.Engine) error {
		s, err := e.Stats()
		if err != nil {
			return err
		}
		printStats(os.Stdout, s)
		return nil
	})
}

type BackupCmd struct {
	Dir        string `help:"Backup directory. Defaults to backup.dir or <db>.backups." type:"path"`
	Compress   *bool  `negatable:"" help:"Compress the backup with xz."`
	Passphrase string `help:"Seal the backup with this passphrase." env:"GOJOLITE_BACKUP_PASSPHRASE"`
	Rate       int64  `help:"Read at most this many bytes per second."`
	Prune      bool   `help:"Apply the retention policy afterwards."`
}

func (c *BackupCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()
	return withEngine(g, func(a *app, e *storageengine.Engine) error {
		opts := a.cfg.Backup.Options
		if c.Compress != nil {
			opts.Compress = *c.Compress
		}
		if c.Passphrase != "" {
			opts.Passphrase = []byte(c.Passphrase)
		}
		if c.Rate != 0 {
			opts.RateBytesPerSec = c.Rate
		}
		dir := c.Dir
		if dir == "" {
			dir = a.cfg.BackupDir(a.db)
		}
		meta, err := e.Backup(ctx, dir, opts)
		if err != nil {
			return err
		}
		fmt.Println(meta.Path)
		if !c.Prune {
			return nil
		}
		removed, err := backup.Prune(dir, filepath.Base(a.db), a.cfg.Backup.Policy, time.Now())
		for _, p := range removed {
			fmt.Println("removed", p)
		}
		return err
	})
}

type BackupsCmd struct {
	Dir string `help:"Backup directory. Defaults to backup.dir or <db>.backups." type:"path"`
}

func (c *BackupsCmd) Run(g *Globals) error {
	a, err := newApp(g)
	if err != nil {
		return err
	}
	defer a.close()
	dir := c.Dir
	if dir == "" {
		dir = a.cfg.BackupDir(a.db)
	}
	metas, err := backup.List(dir, filepath.Base(a.db))
	if err != nil {
		return err
	}
	printBackups(os.Stdout, metas)
	return nil
}

type RestoreCmd struct {
	Backup     string `arg:"" optional:"" help:"Backup file. Defaults to the newest backup." type:"path"`
	Dir        string `help:"Backup directory searched for the newest backup." type:"path"`
	Passphrase string `help:"Passphrase of a sealed backup." env:"GOJOLITE_BACKUP_PASSPHRASE"`
	NoVerify   bool   `name:"no-verify" help:"Skip opening and verifying the restored database."`
}

func (c *RestoreCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()
	a, err := newApp(g)
	if err != nil {
		return err
	}
	defer a.close()

	path := c.Backup
	if path == "" {
		dir := c.Dir
		if dir == "" {
			dir = a.cfg.BackupDir(a.db)
		}
		metas, err := backup.List(dir, filepath.Base(a.db))
		if err != nil {
			return err
		}
		if len(metas) == 0 {
			return fmt.Errorf("%w: no backups of %s in %s", flushmanager.ErrDBFileNotFound, filepath.Base(a.db), dir)
		}
		path = metas[0].Path
	}

	opts := backup.RestoreOptions{Passphrase: a.cfg.Backup.Passphrase}
	if c.Passphrase != "" {
		opts.Passphrase = []byte(c.Passphrase)
	}
	if !c.NoVerify {
		opts.Verify = a.verifyRestored
	}
	meta, err := backup.Restore(ctx, path, a.db, opts, a.logger.Named("restore"))
	if err != nil {
		return err
	}
	fmt.Printf("restored %s (%d pages, checkpoint lsn %d)\n", meta.Path, meta.Pages, meta.CheckpointLSN)
	return nil
}

// verifyRestored opens the restored file and checks it.
func (a *app) verifyRestored(dbPath string) (err error) {
	e, err := storageengine.Open(dbPath, a.cfg.Engine,
		storageengine.MustExist(),
		storageengine.WithLogger(a.logger.Named("engine")))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	report, err := e.Verify()
	if err != nil {
		return err
	}
	a.logger.Info("restored database verified",
		zap.Int("trees", len(report.Trees)),
		zap.Int("reachable", report.Reachable),
		zap.Int("leaked", report.Leaked))
	return nil
}

func printCheckpoint(w io.Writer, res storageengine.CheckpointResult) {
	if res.Skipped {
		fmt.Fprintln(w, "checkpoint skipped, log is empty")
		return
	}
	fmt.Fprintf(w, "checkpoint at lsn %d, %d pages written\n", res.LSN, res.Pages)
}

func printStats(w io.Writer, s storageengine.Stats) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "path\t%s\n", s.Path)
	fmt.Fprintf(tw, "database id\t%s\n", s.DatabaseID)
	fmt.Fprintf(tw, "page size\t%d\n", s.PageSize)
	fmt.Fprintf(tw, "pages\t%d\n", s.Pages)
	fmt.Fprintf(tw, "free pages\t%d\n", s.FreePages)
	fmt.Fprintf(tw, "encrypted\t%t\n", s.Encrypted)
	fmt.Fprintf(tw, "checkpoint lsn\t%d\n", s.CheckpointLSN)
	fmt.Fprintf(tw, "watermark\t%d\n", s.Watermark)
	fmt.Fprintf(tw, "active transactions\t%d\n", s.ActiveTxns)
	fmt.Fprintf(tw, "file size\t%s\n", humanize.IBytes(s.Pages*uint64(s.PageSize)))
	fmt.Fprintf(tw, "log\t%d records, %s\n", s.WALRecords, humanize.IBytes(uint64(s.WALBytes)))
	fmt.Fprintf(tw, "cache\t%d/%d frames, %d dirty, %d pinned, %d versions, %d deferred, %d stolen\n",
		s.Cache.Resident, s.Cache.Capacity, s.Cache.Dirty, s.Cache.Pinned, s.Cache.Versions, s.Cache.Deferred, s.Cache.Stolen)
	if s.Corrupt != "" {
		fmt.Fprintf(tw, "corrupt\t%s\n", s.Corrupt)
	}
	tw.Flush()
}

func printVerify(w io.Writer, r *storageengine.VerifyReport) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TREE\tROOT\tPAGES\tENTRIES\tHEIGHT")
	for _, t := range r.Trees {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", t.Name, t.Root, t.Pages, t.Entries, t.Height)
	}
	tw.Flush()
	fmt.Fprintf(w, "ok: %d reachable, %d free, %d pending, %d leaked\n", r.Reachable, r.Free, r.Pending, r.Leaked)
}

func printBackups(w io.Writer, metas []*backup.Meta) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tAGE\tPAGES\tSIZE\tSTORED\tFLAGS\tPATH")
	for _, m := range metas {
		flags := ""
		if m.Compressed {
			flags += "z"
		}
		if m.Sealed {
			flags += "s"
		}
		if m.Encrypted {
			flags += "e"
		}
		if flags == "" {
			flags = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			m.Created.Local().Format(time.DateTime), humanize.Time(m.Created), m.Pages,
			humanize.IBytes(uint64(m.Size)), humanize.IBytes(uint64(m.StoredSize)), flags, m.Path)
	}
	tw.Flush()
}
