// Package logger builds the zap loggers of gojolite: the process logger of
// the command and the per-database loggers the engine hands its components.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Service is the value of the service field on every entry.
const Service = "gojolite"

// Config is the logger section of the configuration file.
type Config struct {
	Level       string `yaml:"level"`       // debug, info, warn or error; anything else is info
	Format      string `yaml:"format"`      // json or console
	OutputFile  string `yaml:"output_file"` // a path, stdout or stderr
	Development bool   `yaml:"development"` // stack traces from warn up, DPanic panics
}

// New returns the process logger. Components name their own children
// (logger.Named("wal")); engines add the database fields with ForDatabase.
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zapcore.InfoLevel
	}
	out, err := openOutput(cfg.OutputFile)
	if err != nil {
		return nil, err
	}

	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	encoder := zapcore.NewJSONEncoder(enc)
	if strings.EqualFold(cfg.Format, "console") {
		encoder = zapcore.NewConsoleEncoder(enc)
	}

	opts := []zap.Option{zap.AddCaller(), zap.Fields(zap.String("service", Service))}
	if cfg.Development {
		opts = append(opts, zap.Development(), zap.AddStacktrace(zap.WarnLevel))
	}
	return zap.New(zapcore.NewCore(encoder, out, level), opts...), nil
}

func openOutput(name string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(name) {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", name, err)
	}
	return zapcore.AddSync(f), nil
}

// Database describes the file an engine logs for.
type Database struct {
	Path      string
	ID        string // database id from the file header
	PageSize  int
	Encrypted bool
}

// ForDatabase returns the child of l whose entries identify db. Zero fields
// of db are left out, so an engine can call it before the header is read.
func ForDatabase(l *zap.Logger, db Database) *zap.Logger {
	fields := []zap.Field{zap.String("db", db.Path)}
	if db.ID != "" {
		fields = append(fields, zap.String("database_id", db.ID))
	}
	if db.PageSize > 0 {
		fields = append(fields, zap.Int("page_size", db.PageSize), zap.Bool("encrypted", db.Encrypted))
	}
	return l.With(fields...)
}
