package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/blake3"
	"golang.org/x/time/rate"
)

// chunkSize: size of each read/write chunk
const chunkSize = 1024 * 1024 // 1 MiB

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// Digest is the blake3 hash of the bytes a copy moved.
type Digest [32]byte

func (d Digest) String() string { return fmt.Sprintf("%x", d[:]) }

// CopyThrottled copies src to dst at no more than bytesPerSec (0 means no
// limit) and returns the number of bytes copied and their blake3 digest.
// It stops early when ctx is cancelled.
func CopyThrottled(ctx context.Context, dst io.Writer, src io.Reader, bytesPerSec int64) (int64, Digest, error) {
	var digest Digest

	var limiter *rate.Limiter
	if bytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(bytesPerSec), chunkSize) // burst = chunkSize
	}
	hasher := blake3.New()

	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, digest, err
		}
		n, rerr := io.ReadFull(src, buf)
		if n > 0 {
			// throttle: wait until enough tokens available for n bytes
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return total, digest, fmt.Errorf("rate limiter: %w", err)
				}
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return total, digest, fmt.Errorf("write: %w", err)
			}
			hasher.Write(buf[:n])
			total += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
				break
			}
			return total, digest, fmt.Errorf("read: %w", rerr)
		}
	}
	copy(digest[:], hasher.Sum(nil))
	return total, digest, nil
}

// HashFile returns the blake3 digest of the file at path.
func HashFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer f.Close()
	_, d, err := CopyThrottled(context.Background(), io.Discard, f, 0)
	return d, err
}

// WriteFileAtomic writes data to path through a temporary file in the same
// directory, fsyncs it and renames it into place.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
