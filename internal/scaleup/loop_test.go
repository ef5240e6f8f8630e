package scaleup

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
	"github.com/runnerscale/controller/internal/model"
	"github.com/runnerscale/controller/internal/naming"
	"github.com/runnerscale/controller/internal/workerpool"
)

// fakeBootstrapper records every Bootstrap call instead of dialing SSH.
type fakeBootstrapper struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (f *fakeBootstrapper) Bootstrap(ctx context.Context, addr string, setup, startup []byte, env bootstrap.Env, tokens bootstrap.TokenSource) error {
	if _, err := tokens(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return model.ErrBootstrapFailed
	}
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

func newTestLoop(t *testing.T, maxRunners int) (*Loop, *cloudapi.Fake, *ciapi.Fake, *fakeBootstrapper) {
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
		Namer:            naming.New("runner"),
		Parser:           parser,
		Cloud:            cloud,
		CI:               ci,
		Pool:             pool,
		Mailbox:          mailbox,
		Metrics:          metrics.New(prometheus.NewRegistry()),
		Logger:           logger,
		Scripts:          noopScripts,
		Bootstrap:        bs,
		Repository:       "octo/repo",
		RunnerGroup:      "default",
		MaxRunners:         maxRunners,
		MaxServerReadyTime: time.Second,
		BootstrapTimeout:   time.Second,
		PollInterval:       10 * time.Millisecond,
		Now:                func() time.Time { return time.Unix(0, 0) },
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

func markRunning(cloud *cloudapi.Fake, name string) {
	cloud.SetStatus(name, cloudapi.StatusRunning)
}

func TestLoop_CreatesServerForQueuedJob(t *testing.T) {
	loop, cloud, ci, bs := newTestLoop(t, 10)
	ci.SeedJobs(ciapi.Job{RunID: 1, JobID: 100, Status: "queued", Labels: []string{"self-hosted"}, WorkflowRunID: 1})

	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	name := loop.Namer.Active(1, 100)
	waitFor(t, time.Second, func() bool {
		servers, _ := cloud.ListServers(context.Background())
		for _, s := range servers {
			if s.Name == name {
				markRunning(cloud, name)
				return true
			}
		}
		return false
	})

	waitFor(t, 2*time.Second, func() bool { return bs.callCount() == 1 })
}

func TestLoop_SkipsAlreadyPresentServer(t *testing.T) {
	loop, cloud, ci, bs := newTestLoop(t, 10)
	name := loop.Namer.Active(1, 100)
	cloud.PutServer(cloudapi.Server{Name: name, Status: cloudapi.StatusRunning, Labels: map[string]string{"role": "active"}})
	ci.SeedJobs(ciapi.Job{RunID: 1, JobID: 100, Status: "queued", Labels: []string{"self-hosted"}})

	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if bs.callCount() != 0 {
		t.Errorf("expected no bootstrap for already-present job, got %d calls", bs.callCount())
	}
}

func TestLoop_RecyclesMatchingServerInsteadOfCreating(t *testing.T) {
	loop, cloud, ci, _ := newTestLoop(t, 1)
	cloud.PutServer(cloudapi.Server{
		Name:       "runner-recycle-1",
		Status:     cloudapi.StatusOff,
		ServerType: "cx22",
		Image:      "img-1",
		Labels:     map[string]string{"role": "recycle"},
	})
	ci.SeedJobs(ciapi.Job{RunID: 2, JobID: 200, Status: "queued", Labels: []string{"self-hosted"}})

	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	name := loop.Namer.Active(2, 200)
	waitFor(t, time.Second, func() bool {
		servers, _ := cloud.ListServers(context.Background())
		for _, s := range servers {
			if s.Name == name {
				markRunning(cloud, name)
				return true
			}
		}
		return false
	})

	servers, _ := cloud.ListServers(context.Background())
	for _, s := range servers {
		if s.Name == "runner-recycle-1" {
			t.Error("expected recycled server to be renamed away from its recycle name")
		}
	}
}

func TestLoop_PromotesStandbyServerInsteadOfCreating(t *testing.T) {
	loop, cloud, ci, bs := newTestLoop(t, 1)
	spec, extra, err := loop.Parser.Derive(model.Job{RunID: 3, JobID: 300, Labels: []string{"self-hosted"}})
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	standbyLabels := serverLabels(model.RoleStandby, spec, extra)
	cloud.PutServer(cloudapi.Server{
		Name:       "runner-standby-default-1",
		Status:     cloudapi.StatusRunning,
		ServerType: "cx22",
		Image:      "img-1",
		Labels:     standbyLabels,
	})
	ci.SeedRunner(ciapi.Runner{Name: "runner-standby-default-1", Status: "online"})
	ci.SeedJobs(ciapi.Job{RunID: 3, JobID: 300, Status: "queued", Labels: []string{"self-hosted"}})

	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	name := loop.Namer.Active(3, 300)
	waitFor(t, time.Second, func() bool {
		servers, _ := cloud.ListServers(context.Background())
		for _, s := range servers {
			if s.Name == name {
				return true
			}
		}
		return false
	})

	time.Sleep(50 * time.Millisecond)
	if bs.callCount() != 0 {
		t.Errorf("expected promoted standby to skip bootstrap, got %d calls", bs.callCount())
	}

	servers, _ := cloud.ListServers(context.Background())
	for _, s := range servers {
		if s.Name == "runner-standby-default-1" {
			t.Error("expected standby server to be renamed away from its standby name")
		}
	}
}

func TestLoop_BudgetExhaustedWithNoRecyclableSkipsJob(t *testing.T) {
	loop, cloud, ci, bs := newTestLoop(t, 1)
	cloud.PutServer(cloudapi.Server{Name: "runner-1-1", Status: cloudapi.StatusRunning, Labels: map[string]string{"role": "active"}})
	ci.SeedJobs(ciapi.Job{RunID: 2, JobID: 200, Status: "queued", Labels: []string{"self-hosted"}})

	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	name := loop.Namer.Active(2, 200)
	servers, _ := cloud.ListServers(context.Background())
	for _, s := range servers {
		if s.Name == name {
			t.Error("did not expect a new server when budget is exhausted and nothing recyclable matches")
		}
	}
	if bs.callCount() != 0 {
		t.Errorf("expected no bootstrap, got %d", bs.callCount())
	}
}

func TestLoop_IgnoresJobsWithoutConfiguredLabel(t *testing.T) {
	loop, _, ci, bs := newTestLoop(t, 10)
	loop.WithLabel = []string{"self-hosted"}
	ci.SeedJobs(ciapi.Job{RunID: 1, JobID: 1, Status: "queued", Labels: []string{"ubuntu-latest"}})

	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if bs.callCount() != 0 {
		t.Errorf("expected job without a matching label to be ignored, got %d bootstrap calls", bs.callCount())
	}
}
