// Package scaledown implements the tick loop that reaps powered-off,
// unused-runner, zombie, and end-of-life servers, and replenishes
// configured standby pools.
//
// Grounded on original_source/testflows/github/hetzner/runners/scale_down.py's
// first-observed-timestamp bookkeeping: a server or runner is tracked
// in an in-memory map from the tick it is first seen violating a
// condition, and forgotten if a later tick no longer observes it,
// exactly like that file's *_servers/unused_runners dicts keyed by
// name with an observed_interval field.
package scaledown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/runnerscale/controller/internal/bootstrap"
	"github.com/runnerscale/controller/internal/ciapi"
	"github.com/runnerscale/controller/internal/cloudapi"
	"github.com/runnerscale/controller/internal/labels"
	"github.com/runnerscale/controller/internal/metrics"
	"github.com/runnerscale/controller/internal/model"
	"github.com/runnerscale/controller/internal/naming"
	"github.com/runnerscale/controller/internal/recycle"
	"github.com/runnerscale/controller/internal/workerpool"
)

// ScriptLoader reads a setup or startup script from wherever the
// controller keeps them.
type ScriptLoader func(path string) ([]byte, error)

// Bootstrapper is the narrow SSH provisioning capability standby
// replenishment needs; satisfied by *bootstrap.Driver in production
// and a fake in tests. Declared separately from scaleup.Bootstrapper
// so the two loops stay decoupled.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, addr string, setupScript, startupScript []byte, env bootstrap.Env, tokens bootstrap.TokenSource) error
}

// StandbyGroup is one configured standby pool.
type StandbyGroup struct {
	Name                 string
	Labels               []string
	Count                int
	ReplenishImmediately bool
}

// Loop is the scale-down tick loop. A single instance owns the
// first-observed timestamp maps that turn point-in-time server/runner
// snapshots into age thresholds across ticks.
type Loop struct {
	Namer     *naming.Namer
	Parser    *labels.Parser
	Cloud     cloudapi.Cloud
	CI        ciapi.CI
	Pool      *workerpool.Pool
	Mailbox   *workerpool.Mailbox
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Scripts   ScriptLoader
	Bootstrap Bootstrapper

	Repository  string
	RunnerGroup string
	CacheDir    string

	StandbyGroups []StandbyGroup
	Prices        recycle.PriceLookup

	RecycleEnabled            bool
	EndOfLife                 int
	MaxPoweredOffTime         time.Duration
	MaxUnusedRunnerTime       time.Duration
	MaxRunnerRegistrationTime time.Duration
	MaxServerReadyTime        time.Duration
	BootstrapTimeout          time.Duration
	PollInterval              time.Duration
	TerminateTimeout          time.Duration

	Now func() time.Time

	poweredOffSince   map[string]time.Time
	zombieSince       map[string]time.Time
	unusedRunnerSince map[string]time.Time
	uidCursor         uint64
}

func (l *Loop) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Tick runs the three reaping passes in order, then the standby
// replenisher, against one fresh view of cloud/CI state.
func (l *Loop) Tick(ctx context.Context) error {
	l.Metrics.TickTotal.WithLabelValues("scale_down").Inc()
	start := l.now()
	defer func() {
		l.Metrics.TickDuration.WithLabelValues("scale_down").Observe(l.now().Sub(start).Seconds())
	}()

	cloudServers, err := l.Cloud.ListServers(ctx)
	if err != nil {
		l.Metrics.TickErrors.WithLabelValues("scale_down", "cloud_api").Inc()
		return fmt.Errorf("list servers: %w", err)
	}
	var servers []model.Server
	for _, s := range cloudServers {
		m := s.ToModel()
		if l.Namer.Owned(m.Name) {
			servers = append(servers, m)
		}
	}

	rawRunners, err := l.CI.ListRunners(ctx)
	if err != nil {
		l.Metrics.TickErrors.WithLabelValues("scale_down", "ci_api").Inc()
		return fmt.Errorf("list runners: %w", err)
	}
	var runners []model.Runner
	for _, r := range rawRunners {
		if l.Namer.Owned(r.Name) {
			runners = append(runners, model.Runner{Name: r.Name, Status: model.RunnerStatus(r.Status), Busy: r.Busy, Labels: r.Labels})
		}
	}

	rawJobs, err := l.CI.ListQueuedJobs(ctx)
	if err != nil {
		l.Metrics.TickErrors.WithLabelValues("scale_down", "ci_api").Inc()
		return fmt.Errorf("list queued jobs: %w", err)
	}
	queued := make(map[[2]int64]struct{}, len(rawJobs))
	for _, j := range rawJobs {
		queued[[2]int64{j.RunID, j.JobID}] = struct{}{}
	}

	l.uidCursor = l.maxUID(servers)

	l.poweredOffPass(ctx, servers)
	l.unusedRunnerPass(ctx, runners, queued)
	l.zombiePass(ctx, servers, runners)
	l.standbyReplenishPass(ctx, servers, runners)

	return nil
}

// maxUID scans current cloud state for the highest recycle/standby uid
// observed and returns one past it, so a freshly generated name never
// collides with a name already in use.
func (l *Loop) maxUID(servers []model.Server) uint64 {
	var max uint64
	for _, s := range servers {
		role := l.Namer.Parse(s.Name)
		if role.Kind == naming.KindRecycle || role.Kind == naming.KindStandby {
			if role.UID >= max {
				max = role.UID + 1
			}
		}
	}
	return max
}

// nextUID hands out the next uid in creation order for this tick,
// preserving the naming invariant that a uid suffix is monotonically
// increasing (spec §3) without a counter persisted across restarts —
// acceptable per §5's tick-to-tick eventual consistency design note.
func (l *Loop) nextUID() uint64 {
	uid := l.uidCursor
	l.uidCursor++
	return uid
}

// poweredOffPass implements spec §4.3 pass 1: delete or recycle every
// controller-owned server currently off, depending on how long it has
// been off, whether recycling is enabled, and the current minute in
// its billing hour.
func (l *Loop) poweredOffPass(ctx context.Context, servers []model.Server) {
	if l.poweredOffSince == nil {
		l.poweredOffSince = map[string]time.Time{}
	}
	now := l.now()
	seen := make(map[string]struct{})

	for _, s := range servers {
		if s.Status != model.ServerOff {
			continue
		}
		seen[s.Name] = struct{}{}
		firstSeen, ok := l.poweredOffSince[s.Name]
		if !ok {
			firstSeen = now
			l.poweredOffSince[s.Name] = firstSeen
		}
		ageOff := now.Sub(firstSeen)
		minuteInHour := model.MinuteInHour(model.Age(s, now))

		switch {
		case !l.RecycleEnabled:
			if ageOff > l.MaxPoweredOffTime {
				l.deleteServer(ctx, s, "powered_off")
				delete(l.poweredOffSince, s.Name)
			}
		case minuteInHour >= l.EndOfLife:
			l.deleteServer(ctx, s, "end_of_life")
			delete(l.poweredOffSince, s.Name)
		case s.Role() == model.RoleActive:
			if l.Prices != nil {
				if pricePerHour, ok := l.Prices(s.ServerType, s.Location); ok {
					remaining := float64(60-minuteInHour) * (pricePerHour / 60)
					l.Logger.Info("marking server recyclable", "server", s.Name, "unused_budget", remaining)
				}
			}
			l.recycleServer(ctx, s)
			delete(l.poweredOffSince, s.Name)
		}
	}

	for name := range l.poweredOffSince {
		if _, ok := seen[name]; !ok {
			delete(l.poweredOffSince, name)
		}
	}
}

// unusedRunnerPass implements spec §4.3 pass 2: an online, idle runner
// with no matching queued job is removed once it has stayed idle
// longer than max_unused_runner_time. Standby-named runners are exempt
// — an idle standby is doing its job.
func (l *Loop) unusedRunnerPass(ctx context.Context, runners []model.Runner, queued map[[2]int64]struct{}) {
	if l.unusedRunnerSince == nil {
		l.unusedRunnerSince = map[string]time.Time{}
	}
	now := l.now()
	seen := make(map[string]struct{})

	for _, r := range runners {
		if r.Status != model.RunnerOnline || r.Busy {
			continue
		}
		role := l.Namer.Parse(r.Name)
		if role.Kind != naming.KindActive {
			continue
		}
		if _, hasJob := queued[[2]int64{role.RunID, role.JobID}]; hasJob {
			continue
		}

		seen[r.Name] = struct{}{}
		firstSeen, ok := l.unusedRunnerSince[r.Name]
		if !ok {
			firstSeen = now
			l.unusedRunnerSince[r.Name] = firstSeen
		}
		if now.Sub(firstSeen) > l.MaxUnusedRunnerTime {
			if err := l.CI.RemoveRunner(ctx, r.Name); err != nil {
				l.Logger.Error("removing unused runner failed", "runner", r.Name, "error", err)
			}
			if err := l.Cloud.DeleteServer(ctx, r.Name); err != nil {
				l.Logger.Error("deleting unused runner's server failed", "server", r.Name, "error", err)
			} else {
				l.Metrics.ServersDeleted.WithLabelValues("unused_runner").Inc()
			}
			delete(l.unusedRunnerSince, r.Name)
		}
	}

	for name := range l.unusedRunnerSince {
		if _, ok := seen[name]; !ok {
			delete(l.unusedRunnerSince, name)
		}
	}
}

// zombiePass implements spec §4.3 pass 3: an active server that has
// been running long enough to have registered a runner, but hasn't, is
// deleted.
func (l *Loop) zombiePass(ctx context.Context, servers []model.Server, runners []model.Runner) {
	if l.zombieSince == nil {
		l.zombieSince = map[string]time.Time{}
	}
	registered := make(map[string]struct{}, len(runners))
	for _, r := range runners {
		registered[r.Name] = struct{}{}
	}

	now := l.now()
	seen := make(map[string]struct{})

	for _, s := range servers {
		if s.Status != model.ServerRunning {
			continue
		}
		if l.Namer.Parse(s.Name).Kind != naming.KindActive {
			continue
		}
		if _, ok := registered[s.Name]; ok {
			continue
		}

		seen[s.Name] = struct{}{}
		firstSeen, ok := l.zombieSince[s.Name]
		if !ok {
			firstSeen = now
			l.zombieSince[s.Name] = firstSeen
		}
		if now.Sub(firstSeen) > l.MaxRunnerRegistrationTime {
			l.deleteServer(ctx, s, "zombie")
			delete(l.zombieSince, s.Name)
		}
	}

	for name := range l.zombieSince {
		if _, ok := seen[name]; !ok {
			delete(l.zombieSince, name)
		}
	}
}

func (l *Loop) deleteServer(ctx context.Context, s model.Server, reason string) {
	timeout := l.TerminateTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := l.Cloud.DeleteServer(ctx, s.Name); err != nil {
		l.Logger.Error("deleting server failed", "server", s.Name, "reason", reason, "error", err)
		return
	}
	l.Metrics.ServersDeleted.WithLabelValues(reason).Inc()
	l.Mailbox.Post(model.Event{ID: uuid.NewString(), Kind: model.EventServerDeleted, ServerName: s.Name, Message: reason, At: l.now()})
}

// recycleServer renames a powered-off active server into the recycle
// naming pattern, preserving every cloud label but the role, which
// must flip to recycle so the recycle pool's snapshot classification
// (model.Server.Role) picks it up on the next scale-up tick.
func (l *Loop) recycleServer(ctx context.Context, s model.Server) {
	newName := l.Namer.Recycle(l.nextUID())
	if err := l.Cloud.RenameServer(ctx, s.Name, newName); err != nil {
		l.Logger.Error("renaming server for recycling failed", "server", s.Name, "error", err)
		return
	}
	lbls := make(map[string]string, len(s.Labels)+1)
	for k, v := range s.Labels {
		lbls[k] = v
	}
	lbls["role"] = string(model.RoleRecycle)
	if err := l.Cloud.SetLabels(ctx, newName, lbls); err != nil {
		l.Logger.Error("relabeling recycled server failed", "server", newName, "error", err)
		return
	}
	l.Metrics.ServersRenamed.WithLabelValues("recycle").Inc()
	l.Mailbox.Post(model.Event{ID: uuid.NewString(), Kind: model.EventServerRecycled, ServerName: newName, At: l.now()})
}

func stageOf(err error) string {
	switch {
	case errors.Is(err, model.ErrTimeout):
		return "timeout"
	case errors.Is(err, model.ErrBootstrapFailed):
		return "script"
	default:
		return "server"
	}
}
