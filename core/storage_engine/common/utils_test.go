package common

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

func TestCopyThrottled_CopiesAndHashes(t *testing.T) {
	data := bytes.Repeat([]byte("gojolite"), 300_000) // spans several chunks
	var dst bytes.Buffer
	n, digest, err := CopyThrottled(context.Background(), &dst, bytes.NewReader(data), 0)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), n)
	require.Equal(t, data, dst.Bytes())
	require.Equal(t, Digest(blake3.Sum256(data)), digest)
}

func TestCopyThrottled_HonoursRateAndContext(t *testing.T) {
	data := make([]byte, 3*chunkSize)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	// One chunk of burst, then one chunk per second: the deadline hits first.
	n, _, err := CopyThrottled(ctx, &bytes.Buffer{}, bytes.NewReader(data), chunkSize)
	require.Error(t, err)
	require.Less(t, n, int64(len(data)))
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.json")
	require.NoError(t, WriteFileAtomic(path, []byte("one"), 0o600))
	require.NoError(t, WriteFileAtomic(path, []byte("two"), 0o600))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "two", string(got))

	d, err := HashFile(path)
	require.NoError(t, err)
	require.Equal(t, Digest(blake3.Sum256([]byte("two"))), d)
}
