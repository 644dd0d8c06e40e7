// Package config loads the gojolite configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	storageengine "github.com/sushant-115/gojolite/core/storage_engine"
	"github.com/sushant-115/gojolite/core/storage_engine/backup"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	"github.com/sushant-115/gojolite/pkg/logger"
	"github.com/sushant-115/gojolite/pkg/telemetry"
)

// Environment variables holding secrets, which are never read from the file.
const (
	EnvEncryptionKey     = "GOJOLITE_ENCRYPTION_KEY"
	EnvBackupPassphrase  = "GOJOLITE_BACKUP_PASSPHRASE"
	defaultBackupDirName = "backups"
)

// Config is the top-level configuration.
type Config struct {
	Engine    storageengine.Config `yaml:"engine"`
	Logger    logger.Config        `yaml:"logger"`
	Telemetry telemetry.Config     `yaml:"telemetry"`
	Backup    BackupConfig         `yaml:"backup"`
}

// BackupConfig controls the backup command and the shell's backup schedule.
type BackupConfig struct {
	// Dir holds the backups. Empty means "<database>.backups".
	Dir            string `yaml:"dir"`
	backup.Options `yaml:",inline"`
	backup.Policy  `yaml:",inline"`
	// Interval runs a backup periodically while the shell is open. 0
	// disables it.
	Interval time.Duration `yaml:"interval"`
}

// Default returns the configuration used without a file.
func Default() *Config {
	return &Config{
		Engine: storageengine.DefaultConfig(),
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{
			ServiceName:      "gojolite",
			TraceSampleRatio: 1.0,
		},
		Backup: BackupConfig{
			Options: backup.Options{Compress: true},
			Policy:  backup.Policy{Keep: 7},
		},
	}
}

// Load reads path over the defaults and applies the environment. An empty
// path loads only the defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config: %w", err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s: %v", flushmanager.ErrInvalidConfig, path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvEncryptionKey); ok && v != "" {
		c.Engine.EncryptionKey = []byte(v)
	}
	if v, ok := lookup(EnvBackupPassphrase); ok && v != "" {
		c.Backup.Passphrase = []byte(v)
	}
}

// Validate checks the settings the engine does not check itself.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logger.Format) {
	case "", "json", "console":
	default:
		return fmt.Errorf("%w: logger.format must be json or console, got %q", flushmanager.ErrInvalidConfig, c.Logger.Format)
	}
	if c.Telemetry.TraceSampleRatio < 0 || c.Telemetry.TraceSampleRatio > 1 {
		return fmt.Errorf("%w: telemetry.trace_sample_ratio must be within [0, 1]", flushmanager.ErrInvalidConfig)
	}
	if c.Backup.Keep < 0 || c.Backup.MaxAge < 0 || c.Backup.Interval < 0 || c.Backup.RateBytesPerSec < 0 {
		return fmt.Errorf("%w: backup settings must not be negative", flushmanager.ErrInvalidConfig)
	}
	return nil
}

// BackupDir returns the backup directory for the database at dbPath.
func (c *Config) BackupDir(dbPath string) string {
	if c.Backup.Dir != "" {
		return c.Backup.Dir
	}
	return dbPath + "." + defaultBackupDirName
}
