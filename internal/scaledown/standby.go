package scaledown

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/runnerscale/controller/internal/bootstrap"
	"github.com/runnerscale/controller/internal/cloudapi"
	"github.com/runnerscale/controller/internal/model"
	"github.com/runnerscale/controller/internal/naming"
)

// standbyReplenishPass implements spec §4.3 pass 4: for each configured
// standby group, create enough new servers to bring the ready count up
// to the configured size. Promotion of a standby into an active server
// happens in the scale-up loop, on the appearance of a matching job.
func (l *Loop) standbyReplenishPass(ctx context.Context, servers []model.Server, runners []model.Runner) {
	if len(l.StandbyGroups) == 0 {
		return
	}

	runnerByName := make(map[string]model.Runner, len(runners))
	for _, r := range runners {
		runnerByName[r.Name] = r
	}

	for _, group := range l.StandbyGroups {
		spec, extra, err := l.Parser.Derive(model.Job{Labels: group.Labels})
		if err != nil {
			l.Logger.Error("standby group has unresolvable labels", "group", group.Name, "error", err)
			l.Metrics.TickErrors.WithLabelValues("scale_down", "precondition").Inc()
			continue
		}

		current := 0
		for _, s := range servers {
			role := l.Namer.Parse(s.Name)
			if role.Kind != naming.KindStandby || role.Group != group.Name {
				continue
			}
			r, ok := runnerByName[s.Name]
			if !ok || r.Status != model.RunnerOnline {
				continue
			}
			if !r.Busy || !group.ReplenishImmediately {
				current++
			}
		}

		deficit := group.Count - current
		for i := 0; i < deficit; i++ {
			name := l.Namer.Standby(group.Name, l.nextUID())
			spec, extra := spec, extra
			l.Pool.Go(ctx, name, func(ctx context.Context) error {
				l.provisionStandby(ctx, name, spec, extra)
				return nil
			})
		}
	}
}

func standbyLabels(spec model.RunnerSpec, extra []string) map[string]string {
	sorted := append([]string(nil), extra...)
	for i := range sorted {
		sorted[i] = strings.ToLower(sorted[i])
	}
	sort.Strings(sorted)
	return map[string]string{
		"role":               string(model.RoleStandby),
		"runner_labels_hash": fmt.Sprintf("%x", spec.Fingerprint()),
		"extra_labels_key":   strings.Join(sorted, ","),
	}
}

func (l *Loop) provisionStandby(ctx context.Context, name string, spec model.RunnerSpec, extra []string) {
	bootstrapStart := l.now()
	err := l.createAndBootstrap(ctx, name, spec, extra)
	l.Metrics.BootstrapDuration.Observe(l.now().Sub(bootstrapStart).Seconds())

	if err != nil {
		l.Logger.Error("standby provisioning failed", "server", name, "error", err)
		l.Metrics.BootstrapFailures.WithLabelValues(stageOf(err)).Inc()
		l.Metrics.TickErrors.WithLabelValues("scale_down", "bootstrap").Inc()

		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if delErr := l.Cloud.DeleteServer(cleanupCtx, name); delErr != nil {
			l.Logger.Error("cleanup after failed standby provisioning also failed", "server", name, "error", delErr)
		} else {
			l.Metrics.ServersDeleted.WithLabelValues("bootstrap_failed").Inc()
		}
		l.Mailbox.Post(model.Event{ID: uuid.NewString(), Kind: model.EventServerFailed, ServerName: name, Message: err.Error(), At: l.now()})
		return
	}

	l.Metrics.ServersCreated.WithLabelValues(spec.ServerType).Inc()
	l.Mailbox.Post(model.Event{ID: uuid.NewString(), Kind: model.EventServerReady, ServerName: name, At: l.now()})
}

func (l *Loop) createAndBootstrap(ctx context.Context, name string, spec model.RunnerSpec, extra []string) error {
	if _, err := l.Cloud.CreateServer(ctx, cloudapi.CreateServerRequest{
		Name:       name,
		ServerType: spec.ServerType,
		Location:   spec.Location,
		Image:      spec.Image,
		SSHKeyIDs:  spec.SSHKeyIDs,
		Labels:     standbyLabels(spec, extra),
	}); err != nil {
		return fmt.Errorf("create standby server: %w", err)
	}

	readyCtx, cancel := context.WithTimeout(ctx, l.MaxServerReadyTime)
	ready, err := l.waitRunning(readyCtx, name)
	cancel()
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
			return model.Server{}, fmt.Errorf("%w: waiting for %s to run", model.ErrTimeout, name)
		case <-ticker.C:
		}
	}
}
