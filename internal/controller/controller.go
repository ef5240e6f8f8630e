// Package controller wires the controller's components together and
// owns the top-level Run loop: leader election gating the scale-up
// and scale-down tickers, with the HTTP status surface, the CI
// rate-limit watcher, and the event store running on every replica
// regardless of leadership.
//
// Grounded on the teacher's cmd/zeno/main.go construction sequence
// (config -> logger -> metrics -> provider -> store -> controller ->
// api server -> leader election) and internal/controller/controller.go's
// ticker-plus-reconcile Run shape, generalized from a single reconcile
// step into the scale-up/scale-down pair this domain needs.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/runnerscale/controller/internal/apiwatch"
	"github.com/runnerscale/controller/internal/bootstrap"
	"github.com/runnerscale/controller/internal/ciapi"
	"github.com/runnerscale/controller/internal/cloudapi"
	"github.com/runnerscale/controller/internal/config"
	"github.com/runnerscale/controller/internal/eventstore"
	"github.com/runnerscale/controller/internal/httpapi"
	"github.com/runnerscale/controller/internal/labels"
	"github.com/runnerscale/controller/internal/leaderelect"
	"github.com/runnerscale/controller/internal/metrics"
	"github.com/runnerscale/controller/internal/naming"
	"github.com/runnerscale/controller/internal/scaledown"
	"github.com/runnerscale/controller/internal/scaleup"
	"github.com/runnerscale/controller/internal/workerpool"
)

// Controller owns every long-running component and their lifecycle.
type Controller struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	cloud   cloudapi.Cloud
	ci      ciapi.CI
	catalog *cloudapi.CachedCatalog
	prices  *cloudapi.PriceCatalog

	pool    *workerpool.Pool
	mailbox *workerpool.Mailbox
	events  *eventstore.Store

	scaleUp   *scaleup.Loop
	scaleDown *scaledown.Loop
	apiWatch  *apiwatch.Loop
	http      *httpapi.Server
	leader    *leaderelect.Elector
}

// New constructs every component from cfg but does not start
// anything; call Run to start serving. met is constructed by the
// caller so it can set ControllerInfo before the first tick.
func New(cfg *config.Config, logger *slog.Logger, met *metrics.Metrics, registry *prometheus.Registry) (*Controller, error) {
	cloudClient := cloudapi.New(cfg.Cloud.Token, cfg.Cloud.BaseURL, logger)

	var cache *ciapi.Cache
	if cfg.CI.CacheDir != "" {
		cache = ciapi.NewCache(cfg.CI.CacheDir)
	}
	ciClient := ciapi.New(cfg.CI.Token, cfg.CI.BaseURL, cfg.CI.Repository, cache, logger)

	catalog := cloudapi.NewCachedCatalog(cloudClient)
	prices := cloudapi.NewPriceCatalog(cloudClient)

	sshKeyIDs, err := resolveSSHKeyIDs(context.Background(), cloudClient, cfg.Cloud.SSHKeyPath, cfg.Cloud.AdditionalSSHKeys)
	if err != nil {
		return nil, fmt.Errorf("resolve ssh keys: %w", err)
	}

	parser := labels.New(labels.Config{
		LabelPrefix: cfg.Labels.Prefix,
		MetaLabels:  cfg.Labels.Meta,
		SSHKeyIDs:   sshKeyIDs,
		Defaults: labels.Defaults{
			ServerType:    cfg.Cloud.DefaultServerType,
			Location:      cfg.Cloud.DefaultLocation,
			Image:         cfg.Cloud.DefaultImage,
			ScriptsDir:    cfg.Labels.ScriptsDir,
			SetupScript:   cfg.Labels.DefaultSetupScript,
			StartupScript: cfg.Labels.DefaultStartupScript,
		},
	}, catalog)

	namer := naming.New(cfg.Naming.Prefix)
	pool := workerpool.New(cfg.Workers, cfg.Workers*4, logger)
	mailbox := workerpool.NewMailbox(256)

	events, err := eventstore.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("create event store: %w", err)
	}

	privateKey, err := os.ReadFile(expandHome(cfg.Bootstrap.PrivateKeyPath))
	if err != nil {
		return nil, fmt.Errorf("read bootstrap private key: %w", err)
	}
	driver, err := bootstrap.New(cfg.Bootstrap.User, privateKey, logger)
	if err != nil {
		return nil, fmt.Errorf("create bootstrap driver: %w", err)
	}

	scripts := scriptLoader(cfg.Labels.ScriptsDir)

	labelCaps := make([]scaleup.LabelCap, 0, len(cfg.Labels.MaxRunnersForLabel))
	for _, c := range cfg.Labels.MaxRunnersForLabel {
		labelCaps = append(labelCaps, scaleup.LabelCap{Labels: c.Labels, Max: c.Max})
	}

	standbyGroups := make([]scaledown.StandbyGroup, 0, len(cfg.Standby))
	for _, g := range cfg.Standby {
		standbyGroups = append(standbyGroups, scaledown.StandbyGroup{
			Name: g.Name, Labels: g.Labels, Count: g.Count, ReplenishImmediately: g.ReplenishImmediately,
		})
	}

	up := &scaleup.Loop{
		Namer:                   namer,
		Parser:                  parser,
		Cloud:                   cloudClient,
		CI:                      ciClient,
		Pool:                    pool,
		Mailbox:                 mailbox,
		Metrics:                 met,
		Logger:                  logger,
		Scripts:                 scripts,
		Bootstrap:               driver,
		Repository:              cfg.CI.Repository,
		RunnerGroup:             cfg.CI.RunnerGroup,
		WithLabel:               cfg.CI.WithLabel,
		CacheDir:                cfg.Bootstrap.CacheDir,
		MaxRunners:              cfg.Scaling.MaxRunners,
		MaxRunnersInWorkflowRun: cfg.Scaling.MaxRunnersInWorkflowRun,
		LabelCaps:               labelCaps,
		Prices:                  prices.PricePerHour,
		DeleteRandom:            cfg.Recycle.DeleteRandom,
		MaxServerReadyTime:      cfg.Scaling.MaxServerReadyTime,
		BootstrapTimeout:        cfg.Bootstrap.Timeout,
		PollInterval:            cfg.Scaling.PollInterval,
	}

	down := &scaledown.Loop{
		Namer:                     namer,
		Parser:                    parser,
		Cloud:                     cloudClient,
		CI:                        ciClient,
		Pool:                      pool,
		Mailbox:                   mailbox,
		Metrics:                   met,
		Logger:                    logger,
		Scripts:                   scripts,
		Bootstrap:                 driver,
		Repository:                cfg.CI.Repository,
		RunnerGroup:               cfg.CI.RunnerGroup,
		CacheDir:                  cfg.Bootstrap.CacheDir,
		StandbyGroups:             standbyGroups,
		Prices:                    prices.PricePerHour,
		RecycleEnabled:            cfg.Recycle.Enabled,
		EndOfLife:                 cfg.Recycle.EndOfLife,
		MaxPoweredOffTime:         cfg.Scaling.MaxPoweredOffTime,
		MaxUnusedRunnerTime:       cfg.Scaling.MaxUnusedRunnerTime,
		MaxRunnerRegistrationTime: cfg.Scaling.MaxRunnerRegistrationTime,
		MaxServerReadyTime:        cfg.Scaling.MaxServerReadyTime,
		BootstrapTimeout:          cfg.Bootstrap.Timeout,
		PollInterval:              cfg.Scaling.PollInterval,
		TerminateTimeout:          cfg.Scaling.TerminateTimeout,
	}

	watch := &apiwatch.Loop{CI: ciClient, Metrics: met, Logger: logger}

	httpServer := httpapi.New(cfg, cloudClient, ciClient, events, met, registry, logger)

	leader := leaderelect.New(leaderelect.Config{
		Enabled:      cfg.Leader.Enabled,
		LockFilePath: cfg.Leader.LockFilePath,
		RetryPeriod:  cfg.Leader.RetryPeriod,
	}, logger)

	return &Controller{
		cfg:       cfg,
		logger:    logger,
		metrics:   met,
		cloud:     cloudClient,
		ci:        ciClient,
		catalog:   catalog,
		prices:    prices,
		pool:      pool,
		mailbox:   mailbox,
		events:    events,
		scaleUp:   up,
		scaleDown: down,
		apiWatch:  watch,
		http:      httpServer,
		leader:    leader,
	}, nil
}

// Run blocks until ctx is canceled. The HTTP surface, event store, and
// API watcher run on every replica; the scale-up/scale-down tickers
// run only while this replica holds leadership.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.catalog.Refresh(ctx); err != nil {
		return fmt.Errorf("initial catalog refresh: %w", err)
	}
	if err := c.prices.Refresh(ctx); err != nil {
		return fmt.Errorf("initial price refresh: %w", err)
	}
	defer c.pool.Close()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.http.Start(ctx); err != nil {
			c.logger.Error("http api error", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.apiWatch.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.events.Run(ctx, c.mailbox)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := c.leader.Run(ctx,
			func(ctx context.Context) {
				c.logger.Info("became leader, starting scaling loops")
				c.metrics.LeaderElection.Set(1)
				c.runScaling(ctx)
			},
			func(ctx context.Context) {
				c.logger.Info("stopped being leader")
				c.metrics.LeaderElection.Set(0)
			},
		)
		if err != nil {
			c.logger.Error("leader election error", "error", err)
		}
	}()

	wg.Wait()
	return nil
}

// runScaling ticks the scale-up and scale-down loops on their own
// intervals until ctx is canceled (leadership lost or shutdown).
func (c *Controller) runScaling(ctx context.Context) {
	upTicker := time.NewTicker(c.cfg.Scaling.ScaleUpInterval)
	downTicker := time.NewTicker(c.cfg.Scaling.ScaleDownInterval)
	defer upTicker.Stop()
	defer downTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-upTicker.C:
			if err := c.scaleUp.Tick(ctx); err != nil {
				c.logger.Error("scale up tick failed", "error", err)
			}
		case <-downTicker.C:
			if err := c.scaleDown.Tick(ctx); err != nil {
				c.logger.Error("scale down tick failed", "error", err)
			}
		}
	}
}

// resolveSSHKeyIDs maps configured SSH key names to the numeric IDs
// the cloud API expects on server creation.
func resolveSSHKeyIDs(ctx context.Context, cloud cloudapi.Cloud, primary string, additional []string) ([]int64, error) {
	names := make(map[string]bool)
	if primary != "" {
		names[filepath.Base(primary)] = true
	}
	for _, a := range additional {
		names[a] = true
	}
	if len(names) == 0 {
		return nil, nil
	}

	keys, err := cloud.ListSSHKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ssh keys: %w", err)
	}

	var ids []int64
	for _, k := range keys {
		if names[k.Name] {
			ids = append(ids, k.ID)
		}
	}
	return ids, nil
}

func scriptLoader(dir string) func(path string) ([]byte, error) {
	return func(path string) ([]byte, error) {
		return os.ReadFile(filepath.Join(dir, path))
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/"))
}
