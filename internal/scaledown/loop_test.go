package scaledown

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/runnerscale/controller/internal/bootstrap"
	"github.com/runnerscale/controller/internal/ciapi"
	"github.com/runnerscale/controller/internal/cloudapi"
	"github.com/runnerscale/controller/internal/labels"
	"github.com/runnerscale/controller/internal/metrics"
	"github.com/runnerscale/controller/internal/naming"
	"github.com/runnerscale/controller/internal/workerpool"
)

type fakeBootstrapper struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeBootstrapper) Bootstrap(ctx context.Context, addr string, setup, startup []byte, env bootstrap.Env, tokens bootstrap.TokenSource) error {
	if _, err := tokens(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, addr)
	return nil
}

func (f *fakeBootstrapper) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func noopScripts(path string) ([]byte, error) {
	return []byte("#!/bin/sh\ntrue\n"), nil
}

func newTestLoop(t *testing.T) (*Loop, *cloudapi.Fake, *ciapi.Fake, *fakeBootstrapper) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cloud := cloudapi.NewFake(func() time.Time { return time.Unix(0, 0) })
	cloud.SeedServerTypes(cloudapi.ServerType{Name: "cx22"})
	cloud.SeedLocations(cloudapi.Location{Name: "ash"})
	cloud.SeedImages(cloudapi.Image{ID: "img-1", Name: "ubuntu-22.04", Kind: cloudapi.ImageSystem, Arch: "x86"})

	catalog := cloudapi.NewCachedCatalog(cloud)
	if err := catalog.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	parser := labels.New(labels.Config{
		Defaults: labels.Defaults{
			ServerType:    "cx22",
			Image:         "x86:system:ubuntu-22.04",
			ScriptsDir:    "/scripts",
			SetupScript:   "setup.sh",
			StartupScript: "startup-{arch}.sh",
		},
	}, catalog)

	ci := ciapi.NewFake()
	pool := workerpool.New(4, 16, logger)
	t.Cleanup(pool.Close)
	mailbox := workerpool.NewMailbox(16)
	bs := &fakeBootstrapper{}

	loop := &Loop{
		Namer:                     naming.New("runner"),
		Parser:                    parser,
		Cloud:                     cloud,
		CI:                        ci,
		Pool:                      pool,
		Mailbox:                   mailbox,
		Metrics:                   metrics.New(prometheus.NewRegistry()),
		Logger:                    logger,
		Scripts:                   noopScripts,
		Bootstrap:                 bs,
		Repository:                "octo/repo",
		RunnerGroup:               "default",
		RecycleEnabled:            false,
		EndOfLife:                 50,
		MaxPoweredOffTime:         time.Minute,
		MaxUnusedRunnerTime:       time.Minute,
		MaxRunnerRegistrationTime: time.Minute,
		MaxServerReadyTime:        time.Second,
		BootstrapTimeout:          time.Second,
		PollInterval:              10 * time.Millisecond,
		Now:                       func() time.Time { return time.Unix(0, 0) },
	}
	return loop, cloud, ci, bs
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
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

func TestLoop_PoweredOffPass_DeletesAfterMaxTimeWhenRecyclingDisabled(t *testing.T) {
	loop, cloud, _, _ := newTestLoop(t)
	cloud.PutServer(cloudapi.Server{Name: "runner-1-1", Status: cloudapi.StatusOff, Labels: map[string]string{"role": "active"}})

	// First tick just starts tracking; not yet aged out.
	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	servers, _ := cloud.ListServers(context.Background())
	if len(servers) != 1 {
		t.Fatalf("expected server to survive first tick, got %d servers", len(servers))
	}

	loop.Now = func() time.Time { return time.Unix(0, 0).Add(2 * time.Minute) }
	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	servers, _ = cloud.ListServers(context.Background())
	if len(servers) != 0 {
		t.Errorf("expected aged-out powered off server to be deleted, got %d servers", len(servers))
	}
}

func TestLoop_PoweredOffPass_RecyclesActiveServerWhenRecyclingEnabled(t *testing.T) {
	loop, cloud, _, _ := newTestLoop(t)
	loop.RecycleEnabled = true
	loop.EndOfLife = 50
	cloud.PutServer(cloudapi.Server{
		Name:      "runner-1-1",
		Status:    cloudapi.StatusOff,
		CreatedAt: time.Unix(0, 0),
		Labels:    map[string]string{"role": "active"},
	})

	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	servers, _ := cloud.ListServers(context.Background())
	if len(servers) != 1 {
		t.Fatalf("expected exactly one server after recycle rename, got %d", len(servers))
	}
	if servers[0].Name == "runner-1-1" {
		t.Error("expected server to be renamed away from its active name")
	}
	if servers[0].Labels["role"] != "recycle" {
		t.Errorf("expected role=recycle after renaming, got %q", servers[0].Labels["role"])
	}
}

func TestLoop_PoweredOffPass_DeletesAtEndOfLife(t *testing.T) {
	loop, cloud, _, _ := newTestLoop(t)
	loop.RecycleEnabled = true
	loop.EndOfLife = 10
	// 15 minutes old -> minute_in_hour = 15 >= end_of_life 10.
	cloud.PutServer(cloudapi.Server{
		Name:      "runner-recycle-1",
		Status:    cloudapi.StatusOff,
		CreatedAt: time.Unix(0, 0).Add(-15 * time.Minute),
		Labels:    map[string]string{"role": "recycle"},
	})
	loop.Now = func() time.Time { return time.Unix(0, 0) }

	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	servers, _ := cloud.ListServers(context.Background())
	if len(servers) != 0 {
		t.Errorf("expected end-of-life recyclable server to be deleted, got %d", len(servers))
	}
}

func TestLoop_UnusedRunnerPass_RemovesIdleRunnerAfterMaxTime(t *testing.T) {
	loop, cloud, ci, _ := newTestLoop(t)
	cloud.PutServer(cloudapi.Server{Name: "runner-1-1", Status: cloudapi.StatusRunning, Labels: map[string]string{"role": "active"}})
	ci.SeedRunner(ciapi.Runner{Name: "runner-1-1", Status: "online", Busy: false})

	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if len(ci.Removed()) != 0 {
		t.Fatalf("expected no removal on first observation")
	}

	loop.Now = func() time.Time { return time.Unix(0, 0).Add(2 * time.Minute) }
	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if len(ci.Removed()) != 1 {
		t.Errorf("expected unused runner to be removed, got %v", ci.Removed())
	}
	servers, _ := cloud.ListServers(context.Background())
	if len(servers) != 0 {
		t.Errorf("expected unused runner's server to be deleted, got %d", len(servers))
	}
}

func TestLoop_UnusedRunnerPass_SkipsBusyAndStandbyRunners(t *testing.T) {
	loop, cloud, ci, _ := newTestLoop(t)
	cloud.PutServer(cloudapi.Server{Name: "runner-1-1", Status: cloudapi.StatusRunning, Labels: map[string]string{"role": "active"}})
	ci.SeedRunner(ciapi.Runner{Name: "runner-1-1", Status: "online", Busy: true})
	cloud.PutServer(cloudapi.Server{Name: "runner-standby-default-1", Status: cloudapi.StatusRunning, Labels: map[string]string{"role": "standby"}})
	ci.SeedRunner(ciapi.Runner{Name: "runner-standby-default-1", Status: "online", Busy: false})

	loop.Now = func() time.Time { return time.Unix(0, 0).Add(2 * time.Minute) }
	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if len(ci.Removed()) != 0 {
		t.Errorf("expected busy/standby runners to be exempt, got removed=%v", ci.Removed())
	}
}

func TestLoop_ZombiePass_DeletesRunningServerWithNoRunner(t *testing.T) {
	loop, cloud, _, _ := newTestLoop(t)
	cloud.PutServer(cloudapi.Server{Name: "runner-1-1", Status: cloudapi.StatusRunning, Labels: map[string]string{"role": "active"}})

	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	servers, _ := cloud.ListServers(context.Background())
	if len(servers) != 1 {
		t.Fatalf("expected server to survive first tick")
	}

	loop.Now = func() time.Time { return time.Unix(0, 0).Add(2 * time.Minute) }
	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	servers, _ = cloud.ListServers(context.Background())
	if len(servers) != 0 {
		t.Errorf("expected zombie server to be deleted, got %d", len(servers))
	}
}

func TestLoop_StandbyReplenishPass_CreatesUpToConfiguredCount(t *testing.T) {
	loop, cloud, _, bs := newTestLoop(t)
	loop.StandbyGroups = []StandbyGroup{
		{Name: "default", Labels: []string{"self-hosted"}, Count: 2, ReplenishImmediately: true},
	}

	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	waitFor(t, time.Second, func() bool {
		servers, _ := cloud.ListServers(context.Background())
		count := 0
		for _, s := range servers {
			role := loop.Namer.Parse(s.Name)
			if role.Kind == naming.KindStandby {
				cloud.SetStatus(s.Name, cloudapi.StatusRunning)
				count++
			}
		}
		return count == 2
	})

	waitFor(t, time.Second, func() bool { return bs.callCount() == 2 })
}

func TestLoop_StandbyReplenishPass_SkipsWhenAlreadyAtCount(t *testing.T) {
	loop, cloud, ci, bs := newTestLoop(t)
	loop.StandbyGroups = []StandbyGroup{
		{Name: "default", Labels: []string{"self-hosted"}, Count: 1, ReplenishImmediately: true},
	}
	cloud.PutServer(cloudapi.Server{Name: "runner-standby-default-1", Status: cloudapi.StatusRunning, Labels: map[string]string{"role": "standby"}})
	ci.SeedRunner(ciapi.Runner{Name: "runner-standby-default-1", Status: "online", Busy: false})

	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if bs.callCount() != 0 {
		t.Errorf("expected no new standby server when already at configured count, got %d bootstrap calls", bs.callCount())
	}
}
