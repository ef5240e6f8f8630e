package scaleup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
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

// LabelCap is a per-label-set cap on concurrently active servers.
type LabelCap struct {
	Labels []string
	Max    int
}

// ScriptLoader reads a setup/startup script by path.
type ScriptLoader func(path string) ([]byte, error)

// Bootstrapper is the capability *bootstrap.Driver provides; narrowed
// to an interface here so tests can substitute a fake instead of
// dialing real SSH.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, addr string, setupScript, startupScript []byte, env bootstrap.Env, tokens bootstrap.TokenSource) error
}

// Loop owns one scale-up tick: list jobs, list servers, decide, and
// dispatch per-server provisioning onto the worker pool.
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
	WithLabel   []string
	CacheDir    string

	MaxRunners              int
	MaxRunnersInWorkflowRun int
	LabelCaps               []LabelCap

	Prices       recycle.PriceLookup
	DeleteRandom bool

	MaxServerReadyTime time.Duration
	BootstrapTimeout   time.Duration
	PollInterval       time.Duration // defaults to 2s

	Now func() time.Time

	capIndex map[string]int
}

// decision is the outcome of applying spec §4.2's four-way choice to a
// single job.
type decision struct {
	outcome      outcome
	recycleFrom  model.Server
	promoteFrom  model.Server
	evicted      model.Server
}

type outcome int

const (
	outcomeCreate outcome = iota
	outcomeRecycle
	outcomePromoteStandby
	outcomeEvictAndCreate
	outcomeBudgetExhausted
)

func (l *Loop) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Loop) capsIndex() map[string]int {
	if l.capIndex == nil {
		l.capIndex = make(map[string]int, len(l.LabelCaps))
		for _, c := range l.LabelCaps {
			l.capIndex[labelSetKey(c.Labels)] = c.Max
		}
	}
	return l.capIndex
}

func labelSetKey(labels []string) string {
	sorted := append([]string(nil), labels...)
	for i := range sorted {
		sorted[i] = strings.ToLower(sorted[i])
	}
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// Tick runs one scale-up pass: it lists queued jobs and current
// servers once, builds a Snapshot, and dispatches one provisioning
// task per job that needs a new active server.
func (l *Loop) Tick(ctx context.Context) error {
	start := l.now()
	defer func() {
		l.Metrics.TickDuration.WithLabelValues("scale_up").Observe(l.now().Sub(start).Seconds())
	}()
	l.Metrics.TickTotal.WithLabelValues("scale_up").Inc()

	rawJobs, err := l.CI.ListQueuedJobs(ctx)
	if err != nil {
		l.Metrics.TickErrors.WithLabelValues("scale_up", "ci_api").Inc()
		return fmt.Errorf("list queued jobs: %w", err)
	}

	cloudServers, err := l.Cloud.ListServers(ctx)
	if err != nil {
		l.Metrics.TickErrors.WithLabelValues("scale_up", "cloud_api").Inc()
		return fmt.Errorf("list servers: %w", err)
	}
	servers := make([]model.Server, 0, len(cloudServers))
	for _, s := range cloudServers {
		servers = append(servers, s.ToModel())
	}

	rawRunners, err := l.CI.ListRunners(ctx)
	if err != nil {
		l.Metrics.TickErrors.WithLabelValues("scale_up", "ci_api").Inc()
		return fmt.Errorf("list runners: %w", err)
	}
	runners := make([]model.Runner, 0, len(rawRunners))
	for _, r := range rawRunners {
		runners = append(runners, model.Runner{Name: r.Name, Status: model.RunnerStatus(r.Status), Busy: r.Busy, Labels: r.Labels})
	}

	jobs := l.filterJobs(rawJobs)
	snap := BuildSnapshot(jobs, servers, runners)
	l.Metrics.RecyclePoolSize.Set(float64(len(snap.Pool.All())))

	for _, job := range snap.Jobs {
		name := l.Namer.Active(job.RunID, job.JobID)
		if _, exists := snap.ServerByName(name); exists {
			continue
		}

		spec, extra, err := l.Parser.Derive(job)
		if err != nil {
			l.Logger.Warn("skipping job with unresolvable runner spec", "run_id", job.RunID, "job_id", job.JobID, "error", err)
			l.Metrics.TickErrors.WithLabelValues("scale_up", "precondition").Inc()
			continue
		}

		if l.runsInWorkflowRun(snap, job.RunID) >= l.effectiveWorkflowRunCap() {
			l.Logger.Info("workflow run cap reached", "run_id", job.RunID)
			l.Metrics.TickErrors.WithLabelValues("scale_up", "budget_exhausted").Inc()
			continue
		}

		d := l.decide(&snap, spec, extra)
		if d.outcome == outcomeBudgetExhausted {
			l.Logger.Info("scaling budget exhausted", "run_id", job.RunID, "job_id", job.JobID, "server_type", spec.ServerType)
			l.Metrics.TickErrors.WithLabelValues("scale_up", "budget_exhausted").Inc()
			continue
		}

		// Reserve the slot in this tick's view immediately so later
		// jobs in the same tick see the updated counts; the actual
		// cloud-side effect happens asynchronously on the pool.
		snap.Servers = append(snap.Servers, model.Server{
			Name:   name,
			Labels: serverLabels(model.RoleActive, spec, extra),
		})

		job := job
		l.Pool.Go(ctx, name, func(ctx context.Context) error {
			l.provision(ctx, job, name, spec, extra, d)
			return nil
		})
	}

	return nil
}

func (l *Loop) effectiveWorkflowRunCap() int {
	if l.MaxRunnersInWorkflowRun <= 0 {
		return int(^uint(0) >> 1) // no cap configured
	}
	return l.MaxRunnersInWorkflowRun
}

func (l *Loop) runsInWorkflowRun(snap Snapshot, runID int64) int {
	count := 0
	for _, s := range snap.Servers {
		role := l.Namer.Parse(s.Name)
		if role.Kind == naming.KindActive && role.RunID == runID {
			count++
		}
	}
	return count
}

// filterJobs keeps only queued jobs carrying at least one of the
// configured with_label values; an empty WithLabel list matches
// everything.
func (l *Loop) filterJobs(raw []ciapi.Job) []model.Job {
	want := make(map[string]struct{}, len(l.WithLabel))
	for _, w := range l.WithLabel {
		want[strings.ToLower(w)] = struct{}{}
	}

	var out []model.Job
	for _, j := range raw {
		if j.Status != "queued" {
			continue
		}
		if len(want) > 0 && !anyLabelMatches(j.Labels, want) {
			continue
		}
		out = append(out, model.Job{RunID: j.RunID, JobID: j.JobID, Status: model.JobStatus(j.Status), Labels: j.Labels, WorkflowRunID: j.WorkflowRunID})
	}
	return out
}

func anyLabelMatches(labels []string, want map[string]struct{}) bool {
	for _, lbl := range labels {
		if _, ok := want[strings.ToLower(lbl)]; ok {
			return true
		}
	}
	return false
}

// decide applies the choice, cheapest first: promote a ready standby
// server (already running, already registered), then a recycle match
// (same server type, image and SSH keys, and location when the spec
// names one; just needs a rebuild), then create-new if under
// the caps, then evict-then-create as a last resort, then budget
// exhaustion.
func (l *Loop) decide(snap *Snapshot, spec model.RunnerSpec, extra []string) decision {
	key := labelSetKey(extra)

	if srv, ok := snap.MatchStandby(key); ok {
		snap.RemoveStandby(key)
		return decision{outcome: outcomePromoteStandby, promoteFrom: srv}
	}

	if srv, ok := snap.Pool.Match(spec); ok {
		snap.Pool.Remove(srv.Name)
		return decision{outcome: outcomeRecycle, recycleFrom: srv}
	}

	if max, capped := l.capsIndex()[key]; capped && snap.CountForLabels(key) >= max {
		return decision{outcome: outcomeBudgetExhausted}
	}

	if snap.ServerCount() < l.MaxRunners {
		return decision{outcome: outcomeCreate}
	}

	if victim, ok := snap.Pool.Evict(l.DeleteRandom, l.Prices, l.now()); ok {
		return decision{outcome: outcomeEvictAndCreate, evicted: victim}
	}

	return decision{outcome: outcomeBudgetExhausted}
}

// serverLabels builds the cloud-side labels a server is tagged with at
// creation or recycling time: role, the recycle-match fingerprint
// inputs, and the extra labels a scale-down pass needs to enforce
// max_runners_for_label without re-deriving the RunnerSpec.
func serverLabels(role model.ServerRole, spec model.RunnerSpec, extra []string) map[string]string {
	return map[string]string{
		"role":               string(role),
		"runner_labels_hash": fmt.Sprintf("%x", spec.Fingerprint()),
		"extra_labels_key":   labelSetKey(extra),
	}
}

// provision drives one server through NEW -> CREATE_SERVER ->
// WAIT_RUNNING -> BOOTSTRAP_SSH -> RUN_SETUP -> FETCH_RUNNER_TOKEN ->
// RUN_STARTUP -> DONE, or MARK_FAILED -> DELETE on any failure. The
// setup/token-fetch/startup sequence lives inside bootstrap.Driver.Bootstrap;
// this function owns everything around it.
func (l *Loop) provision(ctx context.Context, job model.Job, name string, spec model.RunnerSpec, extra []string, d decision) {
	bootstrapStart := l.now()
	err := l.provisionServer(ctx, name, spec, extra, d)
	l.Metrics.BootstrapDuration.Observe(l.now().Sub(bootstrapStart).Seconds())

	if err != nil {
		l.Logger.Error("provisioning failed", "server", name, "run_id", job.RunID, "job_id", job.JobID, "error", err)
		l.Metrics.BootstrapFailures.WithLabelValues(stageOf(err)).Inc()
		l.Metrics.TickErrors.WithLabelValues("scale_up", "bootstrap").Inc()

		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if delErr := l.Cloud.DeleteServer(cleanupCtx, name); delErr != nil {
			l.Logger.Error("cleanup after failed provisioning also failed", "server", name, "error", delErr)
		} else {
			l.Metrics.ServersDeleted.WithLabelValues("bootstrap_failed").Inc()
		}

		l.Mailbox.Post(model.Event{ID: uuid.NewString(), Kind: model.EventServerFailed, ServerName: name, RunID: job.RunID, JobID: job.JobID, Message: err.Error(), At: l.now()})
		return
	}

	if d.outcome != outcomePromoteStandby {
		l.Metrics.ServersCreated.WithLabelValues(spec.ServerType).Inc()
	}
	l.Mailbox.Post(model.Event{ID: uuid.NewString(), Kind: model.EventServerReady, ServerName: name, RunID: job.RunID, JobID: job.JobID, At: l.now()})
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

func (l *Loop) provisionServer(ctx context.Context, name string, spec model.RunnerSpec, extra []string, d decision) error {
	lbls := serverLabels(model.RoleActive, spec, extra)

	switch d.outcome {
	case outcomeEvictAndCreate:
		if err := l.Cloud.DeleteServer(ctx, d.evicted.Name); err != nil {
			l.Logger.Warn("evicting recycle candidate failed, continuing anyway", "server", d.evicted.Name, "error", err)
		} else {
			l.Metrics.EvictionsTotal.WithLabelValues(evictionPolicyLabel(l.DeleteRandom)).Inc()
		}
		fallthrough
	case outcomeCreate:
		if _, err := l.Cloud.CreateServer(ctx, cloudapi.CreateServerRequest{
			Name:       name,
			ServerType: spec.ServerType,
			Location:   spec.Location,
			Image:      spec.Image,
			SSHKeyIDs:  spec.SSHKeyIDs,
			Labels:     lbls,
		}); err != nil {
			if errors.Is(err, model.ErrNameCollision) {
				// Another worker already created this active server;
				// the naming invariant means this is the same job.
				return nil
			}
			return fmt.Errorf("create server: %w", err)
		}

	case outcomeRecycle:
		if err := l.Cloud.RenameServer(ctx, d.recycleFrom.Name, name); err != nil {
			return fmt.Errorf("rename recycled server: %w", err)
		}
		if err := l.Cloud.RebuildServer(ctx, name, spec.Image); err != nil {
			return fmt.Errorf("rebuild recycled server: %w", err)
		}
		if err := l.Cloud.SetLabels(ctx, name, lbls); err != nil {
			return fmt.Errorf("relabel recycled server: %w", err)
		}
		l.Metrics.ServersRenamed.WithLabelValues("active").Inc()

	case outcomePromoteStandby:
		if err := l.Cloud.RenameServer(ctx, d.promoteFrom.Name, name); err != nil {
			return fmt.Errorf("rename standby server: %w", err)
		}
		if err := l.Cloud.SetLabels(ctx, name, lbls); err != nil {
			return fmt.Errorf("relabel promoted standby server: %w", err)
		}
		l.Metrics.ServersRenamed.WithLabelValues("active").Inc()
		// A standby server is already running with a registered
		// runner; renaming it is the entire job, no boot pipeline.
		return nil
	}

	readyCtx, readyCancel := context.WithTimeout(ctx, l.MaxServerReadyTime)
	ready, err := l.waitRunning(readyCtx, name)
	readyCancel()
	if err != nil {
		return err
	}

	setupScript, err := l.Scripts(spec.SetupScriptPath)
	if err != nil {
		return fmt.Errorf("load setup script: %w", err)
	}
	startupScript, err := l.Scripts(spec.StartupScriptPath)
	if err != nil {
		return fmt.Errorf("load startup script: %w", err)
	}

	env := bootstrap.Env{
		Repository:         l.Repository,
		RunnerGroup:        l.RunnerGroup,
		RunnerLabels:       extra,
		ServerTypeName:     spec.ServerType,
		ServerLocationName: spec.Location,
		CacheDir:           l.CacheDir,
	}

	bootstrapCtx, cancel := context.WithTimeout(ctx, l.BootstrapTimeout)
	defer cancel()

	addr := net.JoinHostPort(ready.PublicIPv4, "22")
	return l.Bootstrap.Bootstrap(bootstrapCtx, addr, setupScript, startupScript, env, func(ctx context.Context) (string, error) {
		tok, err := l.CI.CreateRegistrationToken(ctx)
		if err != nil {
			return "", fmt.Errorf("fetch registration token: %w", err)
		}
		return tok.Token, nil
	})
}

// waitRunning polls the cloud until name is running or ctx is done;
// the caller bounds ctx with max_server_ready_time.
func (l *Loop) waitRunning(ctx context.Context, name string) (model.Server, error) {
	interval := l.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		servers, err := l.Cloud.ListServers(ctx)
		if err != nil {
			return model.Server{}, fmt.Errorf("poll server status: %w", err)
		}
		for _, s := range servers {
			if s.Name == name && s.Status == cloudapi.StatusRunning {
				return s.ToModel(), nil
			}
		}

		select {
		case <-ctx.Done():
			return model.Server{}, fmt.Errorf("%w: waiting for %s to become running", model.ErrTimeout, name)
		case <-ticker.C:
		}
	}
}

func evictionPolicyLabel(deleteRandom bool) string {
	if deleteRandom {
		return "delete_random"
	}
	return "lowest_unused_budget"
}
