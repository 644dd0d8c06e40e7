// Command gojolite opens, inspects and maintains gojolite database files.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/config"
	storageengine "github.com/sushant-115/gojolite/core/storage_engine"
	"github.com/sushant-115/gojolite/pkg/logger"
	"github.com/sushant-115/gojolite/pkg/telemetry"
)

const version = "0.1.0"

// Globals are the flags shared by every command. Set flags override the
// configuration file.
type Globals struct {
	Config      string `short:"c" help:"Configuration file." type:"existingfile" env:"GOJOLITE_CONFIG"`
	DB          string `name:"db" short:"d" help:"Database file." type:"path" env:"GOJOLITE_DB"`
	Key         string `help:"Encryption key of the database." env:"GOJOLITE_ENCRYPTION_KEY"`
	LogLevel    string `name:"log-level" help:"Log level (debug, info, warn, error)."`
	CacheFrames int    `name:"cache-frames" help:"Page cache size in frames."`
	PageSize    int    `name:"page-size" help:"Page size for a new database."`
	MetricsAddr string `name:"metrics-addr" help:"Serve Prometheus metrics on this address."`
}

// CLI defines the command-line interface.
var CLI struct {
	Globals

	Shell      ShellCmd      `cmd:"" default:"withargs" help:"Interactive shell (default)."`
	Checkpoint CheckpointCmd `cmd:"" help:"Fold the log into the database file."`
	Verify     VerifyCmd     `cmd:"" help:"Check every tree and the free list."`
	Recover    RecoverCmd    `cmd:"" help:"Replay the log, rebuild the free list and verify."`
	Stats      StatsCmd      `cmd:"" help:"Print database statistics."`
	Backup     BackupCmd     `cmd:"" help:"Write a backup of the database."`
	Backups    BackupsCmd    `cmd:"" help:"List backups of the database."`
	Restore    RestoreCmd    `cmd:"" help:"Replace the database with a backup."`
	Version    VersionCmd    `cmd:"" help:"Print version information."`
}

// app holds what every command needs once flags and configuration are merged.
type app struct {
	db       string
	cfg      *config.Config
	logger   *zap.Logger
	tel      *telemetry.Telemetry
	shutdown telemetry.ShutdownFunc
}

func newApp(g *Globals) (*app, error) {
	if g.DB == "" {
		return nil, errors.New("no database file given, use --db")
	}
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	if g.Key != "" {
		cfg.Engine.EncryptionKey = []byte(g.Key)
	}
	if g.LogLevel != "" {
		cfg.Logger.Level = g.LogLevel
	}
	if g.CacheFrames != 0 {
		cfg.Engine.CacheFrames = g.CacheFrames
	}
	if g.PageSize != 0 {
		cfg.Engine.PageSize = g.PageSize
	}
	if g.MetricsAddr != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.MetricsAddr = g.MetricsAddr
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	tel, shutdown, err := telemetry.New(cfg.Telemetry, log.Named("telemetry"))
	if err != nil {
		_ = log.Sync()
		return nil, err
	}
	return &app{db: g.DB, cfg: cfg, logger: log, tel: tel, shutdown: shutdown}, nil
}

// open opens the database with the merged configuration.
func (a *app) open(opts ...storageengine.Option) (*storageengine.Engine, error) {
	opts = append([]storageengine.Option{
		storageengine.WithLogger(a.logger.Named("engine")),
		storageengine.WithMeter(a.tel.Meter),
		storageengine.WithTracer(a.tel.Tracer),
	}, opts...)
	return storageengine.Open(a.db, a.cfg.Engine, opts...)
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// withEngine runs fn on the existing database.
func withEngine(g *Globals, fn func(a *app, e *storageengine.Engine) error) (err error) {
	a, err := newApp(g)
	if err != nil {
		return err
	}
	defer a.close()
	e, err := a.open(storageengine.MustExist())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a, e)
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println("gojolite", version)
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("gojolite"),
		kong.Description("Embedded transactional storage engine."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
		kong.Bind(&CLI.Globals),
	)
	if err := ctx.Run(); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, "gojolite:", err)
		os.Exit(1)
	}
}
