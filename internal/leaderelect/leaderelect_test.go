package leaderelect

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestElector_DisabledAssumesLeadershipImmediately(t *testing.T) {
	e := New(Config{Enabled: false}, newTestLogger())

	var started atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		e.Run(ctx, func(ctx context.Context) { started.Store(true) }, func(ctx context.Context) {})
		close(done)
	}()

	waitForTrue(t, time.Second, started.Load)
	if !e.IsLeader() {
		t.Error("expected IsLeader() true when election disabled")
	}
	cancel()
	<-done
}

func TestElector_AcquiresLockAndCallsOnStartLeading(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "leader.lock")
	e := New(Config{Enabled: true, LockFilePath: lockPath, RetryPeriod: 10 * time.Millisecond}, newTestLogger())

	var started, stopped atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		e.Run(ctx,
			func(ctx context.Context) { started.Store(true) },
			func(ctx context.Context) { stopped.Store(true) },
		)
		close(done)
	}()

	waitForTrue(t, time.Second, started.Load)
	if !e.IsLeader() {
		t.Error("expected IsLeader() true after acquiring lock")
	}

	cancel()
	<-done
	if !stopped.Load() {
		t.Error("expected onStopLeading to run on shutdown while leading")
	}
}

func TestElector_SecondInstanceDoesNotAcquireHeldLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "leader.lock")
	first := New(Config{Enabled: true, LockFilePath: lockPath, RetryPeriod: 10 * time.Millisecond}, newTestLogger())

	var firstStarted atomic.Bool
	ctx1, cancel1 := context.WithCancel(context.Background())
	done1 := make(chan struct{})
	go func() {
		first.Run(ctx1, func(ctx context.Context) { firstStarted.Store(true) }, func(ctx context.Context) {})
		close(done1)
	}()
	waitForTrue(t, time.Second, firstStarted.Load)

	second := New(Config{Enabled: true, LockFilePath: lockPath, RetryPeriod: 10 * time.Millisecond}, newTestLogger())
	var secondStarted atomic.Bool
	ctx2, cancel2 := context.WithCancel(context.Background())
	done2 := make(chan struct{})
	go func() {
		second.Run(ctx2, func(ctx context.Context) { secondStarted.Store(true) }, func(ctx context.Context) {})
		close(done2)
	}()

	time.Sleep(100 * time.Millisecond)
	if secondStarted.Load() {
		t.Error("expected second instance to remain non-leader while first holds the lock")
	}

	cancel2()
	<-done2
	cancel1()
	<-done1
}

func waitForTrue(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
