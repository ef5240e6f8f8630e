// Package leaderelect gives a fleet of controller processes pointed
// at the same cloud project and CI repository a single writer, via a
// flock-held lock file, so at most one replica runs the scale-up and
// scale-down loops at a time.
//
// Grounded on the teacher's internal/leaderelection.LeaderElector:
// same non-blocking flock-retry-loop shape, generalized field names
// and trimmed of the lease/renew-deadline fields the teacher declared
// but never used (flock is all-or-nothing; there is no lease to
// renew).
package leaderelect

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"syscall"
	"time"
)

// Elector holds (or contends for) the single-writer lock.
type Elector struct {
	config   Config
	logger   *slog.Logger
	lockFd   int
	isLeader atomic.Bool
}

// Config controls whether election is enabled and how aggressively a
// non-leader retries.
type Config struct {
	Enabled      bool
	LockFilePath string
	RetryPeriod  time.Duration
}

// New returns an Elector. When cfg.Enabled is false, IsLeader always
// reports true and Run invokes onStartLeading immediately — a single
// controller process needs no coordination.
func New(cfg Config, logger *slog.Logger) *Elector {
	return &Elector{
		config: cfg,
		logger: logger.With("component", "leader-elect"),
		lockFd: -1,
	}
}

// Run blocks until ctx is canceled, calling onStartLeading each time
// leadership is acquired and onStopLeading each time it is lost (or
// on shutdown while still leading). onStartLeading is expected to run
// its own loop and respect ctx cancellation; Run does not wait for it
// to return before continuing to poll.
func (e *Elector) Run(ctx context.Context, onStartLeading, onStopLeading func(ctx context.Context)) error {
	if !e.config.Enabled {
		e.logger.Info("leader election disabled, assuming leadership")
		e.isLeader.Store(true)
		onStartLeading(ctx)
		<-ctx.Done()
		return nil
	}

	retry := e.config.RetryPeriod
	if retry <= 0 {
		retry = 5 * time.Second
	}

	e.logger.Info("starting leader election", "lock_file", e.config.LockFilePath, "retry_period", retry)

	ticker := time.NewTicker(retry)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if e.isLeader.Load() {
				e.release()
				onStopLeading(ctx)
			}
			return nil

		case <-ticker.C:
			acquired, err := e.tryAcquireLock()
			if err != nil {
				e.logger.Error("failed to acquire leader lock", "error", err)
				continue
			}

			switch {
			case acquired && !e.isLeader.Load():
				e.logger.Info("acquired leadership")
				e.isLeader.Store(true)
				go onStartLeading(ctx)
			case !acquired && e.isLeader.Load():
				e.logger.Warn("lost leadership")
				e.isLeader.Store(false)
				onStopLeading(ctx)
			}
		}
	}
}

// IsLeader reports whether this process currently holds the lock (or
// election is disabled).
func (e *Elector) IsLeader() bool {
	return e.isLeader.Load() || !e.config.Enabled
}

func (e *Elector) tryAcquireLock() (bool, error) {
	if e.lockFd >= 0 {
		// Already holding the flock; a second flock on a new fd would be
		// refused by our own lock.
		return true, nil
	}

	fd, err := syscall.Open(e.config.LockFilePath, syscall.O_CREAT|syscall.O_RDWR, 0644)
	if err != nil {
		return false, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(fd, syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		syscall.Close(fd)
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("acquire flock: %w", err)
	}

	pid := fmt.Sprintf("%d\n", os.Getpid())
	if _, err := syscall.Write(fd, []byte(pid)); err != nil {
		syscall.Close(fd)
		return false, fmt.Errorf("write pid: %w", err)
	}

	if e.lockFd >= 0 {
		syscall.Close(e.lockFd)
	}
	e.lockFd = fd
	return true, nil
}

func (e *Elector) release() {
	if e.lockFd >= 0 {
		syscall.Flock(e.lockFd, syscall.LOCK_UN)
		syscall.Close(e.lockFd)
		e.lockFd = -1
		e.logger.Info("released leadership")
	}
}
