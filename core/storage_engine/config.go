package storageengine

import (
	"fmt"
	"time"

	bufferpool "github.com/sushant-115/gojolite/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// MinCacheFrames is the smallest cache a B-tree split can work in.
const MinCacheFrames = 16

// Config holds the engine settings. PageSize and EncryptionKey take effect
// when a file is created; an encrypted file needs its key on every open.
type Config struct {
	PageSize    int `yaml:"page_size"`
	CacheFrames int `yaml:"cache_frames"`
	// EncryptionKey is the key material the page key is derived from.
	EncryptionKey []byte `yaml:"-"`
	// CheckpointIntervalBytes starts a background checkpoint once the log
	// holds more than this many bytes. 0 disables it.
	CheckpointIntervalBytes int64 `yaml:"checkpoint_interval_bytes"`
	// CheckpointRateLimit is the least time between two log-size checkpoints.
	CheckpointRateLimit time.Duration `yaml:"checkpoint_rate_limit"`
	// CheckpointInterval runs a checkpoint periodically. 0 disables it.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	// MaxPages caps the file size in pages. 0 is unlimited.
	MaxPages uint64 `yaml:"max_pages"`
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		PageSize:                pagemanager.DefaultPageSize,
		CacheFrames:             bufferpool.DefaultCapacity,
		CheckpointIntervalBytes: 4 << 20,
		CheckpointRateLimit:     time.Second,
		CheckpointInterval:      5 * time.Minute,
	}
}

func (c *Config) validate() error {
	if c.PageSize == 0 {
		c.PageSize = pagemanager.DefaultPageSize
	}
	if err := pagemanager.ValidatePageSize(c.PageSize); err != nil {
		return fmt.Errorf("%w: %v", flushmanager.ErrInvalidConfig, err)
	}
	switch {
	case c.CacheFrames == 0:
		c.CacheFrames = bufferpool.DefaultCapacity
	case c.CacheFrames < MinCacheFrames:
		return fmt.Errorf("%w: cache_frames must be at least %d, got %d", flushmanager.ErrInvalidConfig, MinCacheFrames, c.CacheFrames)
	}
	if c.CheckpointIntervalBytes < 0 || c.CheckpointRateLimit < 0 || c.CheckpointInterval < 0 {
		return fmt.Errorf("%w: checkpoint settings must not be negative", flushmanager.ErrInvalidConfig)
	}
	if c.MaxPages != 0 && c.MaxPages < 2 {
		return fmt.Errorf("%w: max_pages must leave room for the catalog", flushmanager.ErrInvalidConfig)
	}
	return nil
}
