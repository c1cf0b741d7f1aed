package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper runs Tracker.Sweep on its own ticker. It never touches router
// state, so a slow sweep cannot stall sends.
type Sweeper struct {
	tracker  *Tracker
	interval time.Duration
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(tracker *Tracker, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{tracker: tracker, interval: interval, logger: logger}
}

// Start begins the sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.run()

	s.logger.Info("DELIVERY_SWEEPER_STARTED", slog.Duration("interval", s.interval))
	return nil
}

// Stop waits for an in-flight sweep to finish or ctx to expire.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("DELIVERY_SWEEPER_STOPPED")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.tracker.Sweep(s.ctx, now)
		}
	}
}
