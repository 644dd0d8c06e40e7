package backup

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ulikunitz/xz"
	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/core/security/encryption"
	"github.com/sushant-115/gojolite/core/storage_engine/common"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// RestoreOptions control Restore.
type RestoreOptions struct {
	// Passphrase opens a sealed backup.
	Passphrase []byte
	// Verify, when set, is called with the database path after the restored
	// file is in place. An error puts the previous database back.
	Verify func(dbPath string) error
}

// WALPath is the log file that belongs to the database at dbPath.
func WALPath(dbPath string) string { return dbPath + "-wal" }

// Restore replaces the database at dbPath with the contents of the backup at
// backupPath. The database must not be open. The previous file, if any, is
// kept as dbPath.pre_restore until the restore succeeds.
func Restore(ctx context.Context, backupPath, dbPath string, opts RestoreOptions, logger *zap.Logger) (*Meta, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	meta, err := ReadMeta(backupPath)
	if err != nil {
		return nil, err
	}
	if err := ensureUnlocked(dbPath, logger); err != nil {
		return nil, err
	}

	stored, err := os.ReadFile(meta.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading backup: %v", flushmanager.ErrIO, err)
	}
	if int64(len(stored)) != meta.StoredSize {
		return nil, fmt.Errorf("%w: backup %s holds %d bytes, metadata says %d",
			flushmanager.ErrCorruption, meta.Path, len(stored), meta.StoredSize)
	}
	if meta.Sealed {
		if len(opts.Passphrase) == 0 {
			return nil, fmt.Errorf("%w: backup is sealed and no passphrase was supplied", flushmanager.ErrInvalidConfig)
		}
		p, err := meta.kdfParams()
		if err != nil {
			return nil, err
		}
		if stored, err = encryption.OpenBlob(opts.Passphrase, p, stored); err != nil {
			return nil, fmt.Errorf("opening sealed backup: %w", err)
		}
	}

	var src io.Reader = bytes.NewReader(stored)
	if meta.Compressed {
		xr, err := xz.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("%w: reading xz stream: %v", flushmanager.ErrCorruption, err)
		}
		src = xr
	}

	dir := filepath.Dir(dbPath)
	tmp, err := os.CreateTemp(dir, ".restore-*")
	if err != nil {
		return nil, fmt.Errorf("%w: creating restore file: %v", flushmanager.ErrIO, err)
	}
	defer os.Remove(tmp.Name())
	n, digest, err := common.CopyThrottled(ctx, tmp, src, 0)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("%w: writing restore file: %v", flushmanager.ErrIO, err)
	}
	if n != meta.Size || digest.String() != meta.Digest {
		return nil, fmt.Errorf("%w: backup %s does not match its digest", flushmanager.ErrCorruption, meta.Path)
	}

	previous := dbPath + preRestoreExt
	hadPrevious := false
	if _, err := os.Stat(dbPath); err == nil {
		if err := os.Rename(dbPath, previous); err != nil {
			return nil, fmt.Errorf("%w: moving current database aside: %v", flushmanager.ErrIO, err)
		}
		hadPrevious = true
	}
	rollback := func(cause error) error {
		if hadPrevious {
			if err := os.Rename(previous, dbPath); err != nil {
				return errors.Join(cause, fmt.Errorf("%w: restoring previous database: %v", flushmanager.ErrIO, err))
			}
		} else {
			os.Remove(dbPath)
		}
		return cause
	}

	if err := os.Rename(tmp.Name(), dbPath); err != nil {
		return nil, rollback(fmt.Errorf("%w: moving restored database into place: %v", flushmanager.ErrIO, err))
	}
	// The old log would replay pages of a different file.
	walPath := WALPath(dbPath)
	walAside := walPath + preRestoreExt
	hadWAL := false
	if _, err := os.Stat(walPath); err == nil {
		if err := os.Rename(walPath, walAside); err != nil {
			return nil, rollback(fmt.Errorf("%w: moving log aside: %v", flushmanager.ErrIO, err))
		}
		hadWAL = true
	}

	if opts.Verify != nil {
		if err := opts.Verify(dbPath); err != nil {
			logger.Error("restored database failed verification, rolling back", zap.String("backup", meta.Path), zap.Error(err))
			os.Remove(walPath)
			if hadWAL {
				os.Rename(walAside, walPath)
			}
			return nil, rollback(fmt.Errorf("verifying restored database: %w", err))
		}
	}

	if hadPrevious {
		os.Remove(previous)
	}
	if hadWAL {
		os.Remove(walAside)
	}
	logger.Info("database restored",
		zap.String("backup", meta.Path),
		zap.String("database", dbPath),
		zap.Uint64("pages", meta.Pages))
	return meta, nil
}

// ensureUnlocked fails when another process holds the database open.
func ensureUnlocked(dbPath string, logger *zap.Logger) error {
	dm, err := pagemanager.OpenDiskManager(dbPath, pagemanager.DiskOptions{}, logger)
	switch {
	case err == nil:
		dm.Release()
		return nil
	case errors.Is(err, flushmanager.ErrDatabaseLocked):
		return err
	default:
		// Missing or damaged files are what restores are for.
		return nil
	}
}

func (m *Meta) kdfParams() (encryption.KDFParams, error) {
	var p encryption.KDFParams
	if m.KDF == nil {
		return p, fmt.Errorf("%w: sealed backup has no key derivation parameters", flushmanager.ErrDeserialization)
	}
	salt, err := hex.DecodeString(m.KDF.Salt)
	if err != nil || len(salt) != len(p.Salt) {
		return p, fmt.Errorf("%w: bad key derivation salt", flushmanager.ErrDeserialization)
	}
	p.Time, p.Memory, p.Threads = m.KDF.Time, m.KDF.Memory, m.KDF.Threads
	copy(p.Salt[:], salt)
	return p, nil
}
