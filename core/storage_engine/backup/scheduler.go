package backup

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler takes a backup every interval and prunes old ones afterwards.
type Scheduler struct {
	run      func(ctx context.Context) (*Meta, error)
	prune    func(now time.Time) ([]string, error)
	interval time.Duration
	logger   *zap.Logger

	stopChan chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler. run takes one backup; prune may be nil.
func NewScheduler(run func(ctx context.Context) (*Meta, error), prune func(now time.Time) ([]string, error),
	interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		run:      run,
		prune:    prune,
		interval: interval,
		logger:   logger.Named("backup_scheduler"),
		stopChan: make(chan struct{}),
	}
}

// Start launches the background loop. A non-positive interval does nothing.
func (s *Scheduler) Start() {
	if s.interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.logger.Info("Starting backup scheduler", zap.Duration("interval", s.interval))
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop cancels any backup in flight and waits for the loop to exit.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	close(s.stopChan)
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
	s.logger.Info("Backup scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce takes one backup and prunes, logging failures.
func (s *Scheduler) RunOnce(ctx context.Context) {
	meta, err := s.run(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("Scheduled backup failed", zap.Error(err))
		}
		return
	}
	s.logger.Info("Scheduled backup taken", zap.String("path", meta.Path))
	if s.prune == nil {
		return
	}
	removed, err := s.prune(time.Now())
	if err != nil {
		s.logger.Error("Pruning backups failed", zap.Error(err))
		return
	}
	for _, path := range removed {
		s.logger.Info("Pruned backup", zap.String("path", path))
	}
}
