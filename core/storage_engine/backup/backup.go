// Package backup writes and restores compressed, optionally sealed copies of
// a database file. Every backup has a JSON .meta sidecar describing it.
package backup

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ulikunitz/xz"
	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/core/security/encryption"
	"github.com/sushant-115/gojolite/core/storage_engine/common"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

const (
	metaVersion   = 1
	metaSuffix    = ".meta"
	backupInfix   = ".backup_"
	timeLayout    = "20060102_150405.000"
	xzSuffix      = ".xz"
	sealedSuffix  = ".enc"
	preRestoreExt = ".pre_restore"
)

// Options control how a backup is written.
type Options struct {
	Compress bool `yaml:"compress"`
	// Passphrase seals the backup with a key derived by Argon2id. Empty
	// leaves it unsealed.
	Passphrase []byte `yaml:"-"`
	// RateBytesPerSec throttles reading the database file. 0 is unlimited.
	RateBytesPerSec int64 `yaml:"rate_bytes_per_sec"`
	// KDF overrides the Argon2id cost for sealing; the salt is always fresh.
	KDF *encryption.KDFParams `yaml:"-"`
}

// SourceInfo describes the database file being copied.
type SourceInfo struct {
	DatabaseID    string
	PageSize      int
	Pages         uint64
	CheckpointLSN pagemanager.LSN
	Encrypted     bool
}

// KDFInfo records how a sealed backup's key is derived.
type KDFInfo struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory_kib"`
	Threads uint8  `json:"threads"`
	Salt    string `json:"salt"`
}

// Meta is the content of a backup's .meta sidecar.
type Meta struct {
	Version       int       `json:"version"`
	Created       time.Time `json:"created"`
	Database      string    `json:"database"`
	DatabaseID    string    `json:"database_id"`
	PageSize      int       `json:"page_size"`
	Pages         uint64    `json:"pages"`
	CheckpointLSN uint64    `json:"checkpoint_lsn"`
	Size          int64     `json:"size"`        // bytes of the database copy
	StoredSize    int64     `json:"stored_size"` // bytes of the backup file
	Digest        string    `json:"digest"`      // blake3 of the database copy
	Compressed    bool      `json:"compressed"`
	Sealed        bool      `json:"sealed"`
	Encrypted     bool      `json:"encrypted"` // the database itself is encrypted
	KDF           *KDFInfo  `json:"kdf,omitempty"`

	// Path is the backup file, filled in by List and Write.
	Path string `json:"-"`
}

func (m *Meta) metaPath() string { return m.Path + metaSuffix }

// Write copies the first info.Pages pages of the database at dbPath into dir.
// The caller guarantees the file does not change while Write runs.
func Write(ctx context.Context, dbPath string, info SourceInfo, dir string, opts Options, logger *zap.Logger) (*Meta, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	start := time.Now()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating backup directory: %v", flushmanager.ErrIO, err)
	}

	created := time.Now().UTC()
	name := filepath.Base(dbPath) + backupInfix + created.Format(timeLayout)
	if opts.Compress {
		name += xzSuffix
	}
	sealed := len(opts.Passphrase) > 0
	if sealed {
		name += sealedSuffix
	}
	path := filepath.Join(dir, name)

	src, err := os.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: opening database for backup: %v", flushmanager.ErrIO, err)
	}
	defer src.Close()
	size := int64(info.Pages) * int64(info.PageSize)
	section := io.NewSectionReader(src, 0, size)

	var payload bytes.Buffer
	var sink io.Writer = &payload
	var xw *xz.Writer
	if opts.Compress {
		if xw, err = xz.NewWriter(&payload); err != nil {
			return nil, fmt.Errorf("creating xz writer: %w", err)
		}
		sink = xw
	}
	n, digest, err := common.CopyThrottled(ctx, sink, section, opts.RateBytesPerSec)
	if err != nil {
		return nil, fmt.Errorf("copying database: %w", err)
	}
	if n != size {
		return nil, fmt.Errorf("%w: database file holds %d of %d bytes", flushmanager.ErrIO, n, size)
	}
	if xw != nil {
		if err := xw.Close(); err != nil {
			return nil, fmt.Errorf("finishing xz stream: %w", err)
		}
	}

	meta := &Meta{
		Version:       metaVersion,
		Created:       created,
		Database:      filepath.Base(dbPath),
		DatabaseID:    info.DatabaseID,
		PageSize:      info.PageSize,
		Pages:         info.Pages,
		CheckpointLSN: uint64(info.CheckpointLSN),
		Size:          n,
		Digest:        digest.String(),
		Compressed:    opts.Compress,
		Sealed:        sealed,
		Encrypted:     info.Encrypted,
		Path:          path,
	}

	data := payload.Bytes()
	if sealed {
		p, err := kdfParams(opts.KDF)
		if err != nil {
			return nil, err
		}
		if data, err = encryption.SealBlob(opts.Passphrase, p, data); err != nil {
			return nil, fmt.Errorf("sealing backup: %w", err)
		}
		meta.KDF = &KDFInfo{Time: p.Time, Memory: p.Memory, Threads: p.Threads, Salt: hex.EncodeToString(p.Salt[:])}
	}
	meta.StoredSize = int64(len(data))

	if err := common.WriteFileAtomic(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("%w: writing backup: %v", flushmanager.ErrIO, err)
	}
	encoded, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", flushmanager.ErrSerialization, err)
	}
	if err := common.WriteFileAtomic(meta.metaPath(), encoded, 0o600); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("%w: writing backup metadata: %v", flushmanager.ErrIO, err)
	}

	logger.Info("backup written",
		zap.String("path", path),
		zap.Int64("size", n),
		zap.Int64("stored", meta.StoredSize),
		zap.Bool("sealed", sealed),
		zap.Duration("took", time.Since(start)))
	return meta, nil
}

func kdfParams(override *encryption.KDFParams) (encryption.KDFParams, error) {
	p, err := encryption.NewKDFParams()
	if err != nil {
		return p, err
	}
	if override != nil {
		p.Time, p.Memory, p.Threads = override.Time, override.Memory, override.Threads
	}
	return p, nil
}

// ReadMeta loads the sidecar of the backup at path. path may name the backup
// file or its .meta file.
func ReadMeta(path string) (*Meta, error) {
	path = strings.TrimSuffix(path, metaSuffix)
	data, err := os.ReadFile(path + metaSuffix)
	if err != nil {
		return nil, fmt.Errorf("%w: reading backup metadata: %v", flushmanager.ErrIO, err)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: backup metadata %s: %v", flushmanager.ErrDeserialization, path, err)
	}
	if m.Version != metaVersion {
		return nil, fmt.Errorf("%w: backup metadata version %d", flushmanager.ErrDeserialization, m.Version)
	}
	m.Path = path
	return &m, nil
}

// List returns the backups of database (a file name) found in dir, newest
// first. An empty database lists every backup in dir.
func List(dir, database string) ([]*Meta, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: listing backups: %v", flushmanager.ErrIO, err)
	}
	var out []*Meta
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, metaSuffix) || !strings.Contains(name, backupInfix) {
			continue
		}
		if database != "" && !strings.HasPrefix(name, database+backupInfix) {
			continue
		}
		m, err := ReadMeta(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.After(out[j].Created) })
	return out, nil
}

// Policy bounds how many backups are kept. Zero fields do not limit.
type Policy struct {
	Keep   int           `yaml:"keep"`
	MaxAge time.Duration `yaml:"max_age"`
}

// Prune deletes backups of database in dir beyond policy and returns the
// removed backup paths. The newest backup is never removed.
func Prune(dir, database string, policy Policy, now time.Time) ([]string, error) {
	backups, err := List(dir, database)
	if err != nil {
		return nil, err
	}
	var removed []string
	for i, m := range backups {
		if i == 0 {
			continue
		}
		tooMany := policy.Keep > 0 && i >= policy.Keep
		tooOld := policy.MaxAge > 0 && now.Sub(m.Created) > policy.MaxAge
		if !tooMany && !tooOld {
			continue
		}
		if err := os.Remove(m.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("%w: removing backup %s: %v", flushmanager.ErrIO, m.Path, err)
		}
		if err := os.Remove(m.metaPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("%w: removing backup metadata %s: %v", flushmanager.ErrIO, m.metaPath(), err)
		}
		removed = append(removed, m.Path)
	}
	return removed, nil
}
