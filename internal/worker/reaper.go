package worker

import (
	"context"
	"time"

	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

const reaperLockKey = "timeout-reaper"

// Sweeper runs one timeout pass
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Locker is the cross-replica lock that keeps a single reaper active at a time
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (*redisclient.Lock, error)
	ExtendLock(ctx context.Context, lock *redisclient.Lock, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lock *redisclient.Lock) error
}

// ReaperWorker runs the timeout reaper on a fixed interval
type ReaperWorker struct {
	sweeper  Sweeper
	locker   Locker
	firstRun time.Duration
	interval time.Duration
	logger   *zap.Logger
}

// NewReaperWorker creates a reaper loop. locker may be nil on a single replica.
func NewReaperWorker(sweeper Sweeper, locker Locker, firstRun, interval time.Duration) *ReaperWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ReaperWorker{
		sweeper:  sweeper,
		locker:   locker,
		firstRun: firstRun,
		interval: interval,
		logger:   util.ComponentLogger("reaper_worker"),
	}
}

// Start blocks until ctx is done
func (w *ReaperWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting reaper",
		zap.Duration("first_run", w.firstRun),
		zap.Duration("interval", w.interval))

	timer := time.NewTimer(w.firstRun)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Reaper stopped")
			return ctx.Err()
		case <-timer.C:
			if _, _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("Reaper sweep failed", zap.Error(err))
			}
			timer.Reset(w.interval)
		}
	}
}

// RunOnce sweeps if this replica gets the lock. ran is false when another replica holds it.
func (w *ReaperWorker) RunOnce(ctx context.Context) (cancelled int, ran bool, err error) {
	if w.locker != nil {
		lock, err := w.locker.AcquireLock(ctx, reaperLockKey, w.interval)
		if err != nil {
			// Sweeping without the lock is safe, only wasteful: every cancel is guarded.
			w.logger.Warn("Reaper lock unavailable, sweeping anyway", zap.Error(err))
		} else if lock == nil {
			w.logger.Debug("Another replica holds the reaper lock")
			return 0, false, nil
		} else {
			stop := w.keepLock(ctx, lock)
			defer func() {
				stop()
				if err := w.locker.ReleaseLock(context.Background(), lock); err != nil {
					w.logger.Warn("Failed to release reaper lock", zap.Error(err))
				}
			}()
		}
	}

	cancelled, err = w.sweeper.Sweep(ctx)
	return cancelled, true, err
}

// keepLock extends the lock at half its ttl until the returned stop func is called,
// so a sweep slower than the interval does not let a second replica start one.
func (w *ReaperWorker) keepLock(ctx context.Context, lock *redisclient.Lock) func() {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(w.interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := w.locker.ExtendLock(ctx, lock, w.interval)
				if err != nil {
					w.logger.Warn("Failed to extend reaper lock", zap.Error(err))
					continue
				}
				if !ok {
					w.logger.Warn("Reaper lock lost during sweep")
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}
