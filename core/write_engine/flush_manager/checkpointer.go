package flushmanager

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Checkpointer runs checkpoints in the background, either on a fixed
// interval or when Trigger is called because the log has grown. Triggered
// runs are spaced by a rate limiter so a burst of large commits causes one
// checkpoint rather than many.
type Checkpointer struct {
	run      func(ctx context.Context) error
	interval time.Duration
	limiter  *rate.Limiter
	logger   *zap.Logger

	trigger chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

// NewCheckpointer creates a stopped checkpointer. interval <= 0 disables the
// periodic run; minGap is the shortest time between two triggered runs.
func NewCheckpointer(run func(ctx context.Context) error, interval, minGap time.Duration, logger *zap.Logger) *Checkpointer {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if minGap > 0 {
		limit = rate.Every(minGap)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Checkpointer{
		run:      run,
		interval: interval,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger.Named("checkpointer"),
		trigger:  make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the background goroutine.
func (c *Checkpointer) Start() {
	c.wg.Add(1)
	go c.loop()
}

// Trigger requests a checkpoint without blocking. Requests made while one is
// already pending are merged.
func (c *Checkpointer) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

func (c *Checkpointer) loop() {
	defer c.wg.Done()
	var tick <-chan time.Time
	if c.interval > 0 {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-tick:
			c.runOnce("interval")
		case <-c.trigger:
			if err := c.limiter.Wait(c.ctx); err != nil {
				return
			}
			c.runOnce("log size")
		}
	}
}

func (c *Checkpointer) runOnce(reason string) {
	start := time.Now()
	err := c.run(c.ctx)
	switch {
	case err == nil:
		c.logger.Debug("background checkpoint finished", zap.String("reason", reason), zap.Duration("took", time.Since(start)))
	case errors.Is(err, context.Canceled), errors.Is(err, ErrEngineClosed), errors.Is(err, ErrTxnActive):
		c.logger.Debug("background checkpoint skipped", zap.String("reason", reason), zap.Error(err))
	default:
		c.logger.Error("background checkpoint failed", zap.String("reason", reason), zap.Error(err))
	}
}

// Stop cancels any wait and blocks until the goroutine has exited. A
// checkpoint that is already running is allowed to finish.
func (c *Checkpointer) Stop() {
	c.once.Do(func() {
		c.cancel()
		c.wg.Wait()
	})
}
