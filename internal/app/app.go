// Package app wires the pipeline's components together and dispatches on
// the serve/migrate/janitor modes of §6.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/meridianmsp/posturepipe/internal/config"
	"github.com/meridianmsp/posturepipe/internal/httpserver"
	"github.com/meridianmsp/posturepipe/internal/platform"
	"github.com/meridianmsp/posturepipe/internal/seed"
	"github.com/meridianmsp/posturepipe/internal/telemetry"
	"github.com/meridianmsp/posturepipe/pkg/adapter"
	"github.com/meridianmsp/posturepipe/pkg/alertmanager"
	"github.com/meridianmsp/posturepipe/pkg/analyzer"
	"github.com/meridianmsp/posturepipe/pkg/catalog"
	"github.com/meridianmsp/posturepipe/pkg/connector"
	"github.com/meridianmsp/posturepipe/pkg/connector/demo"
	"github.com/meridianmsp/posturepipe/pkg/entity"
	"github.com/meridianmsp/posturepipe/pkg/job"
	"github.com/meridianmsp/posturepipe/pkg/linker"
	"github.com/meridianmsp/posturepipe/pkg/processor"
	"github.com/meridianmsp/posturepipe/pkg/queue"
	"github.com/meridianmsp/posturepipe/pkg/relationship"
	"github.com/meridianmsp/posturepipe/pkg/repository"
	"github.com/meridianmsp/posturepipe/pkg/repository/postgres"
	"github.com/meridianmsp/posturepipe/pkg/scheduler"
	"github.com/meridianmsp/posturepipe/pkg/snapshot"
	"github.com/meridianmsp/posturepipe/pkg/heartbeat"
	"github.com/meridianmsp/posturepipe/pkg/workerpool"
)

// allRoles lists every pipeline worker a "serve" process can run (§6).
// An empty Role runs all of them in one process, which is how the demo/seed
// deployment and small installs operate; larger deployments set Role to run
// exactly one per process.
var allRoles = []string{"scheduler", "adapter", "processor", "linker", "analyzer", "alerts", "heartbeat"}

// Per-job timeouts (§5 "Cancellation and timeouts").
const (
	adapterJobTimeout    = 10 * time.Minute
	processorJobTimeout  = 2 * time.Minute
	linkerJobTimeout     = 2 * time.Minute
	analyzerJobTimeout   = 5 * time.Minute
	alertManagerTimeout  = 2 * time.Minute
)

// Run is the application entry point: it reads infrastructure from cfg and
// dispatches to the serve/migrate/janitor mode (§6 CLI surface).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting posturepipe", "mode", cfg.Mode, "role", cfg.Role)

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "posturepipe", "0.1.0")
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	switch cfg.Mode {
	case "migrate":
		if err := platform.RunMigrations(cfg.StoreURL, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("migrations applied")
		return nil
	case "janitor":
		return runJanitor(ctx, cfg, logger)
	case "serve", "":
		return runServe(ctx, cfg, logger)
	default:
		return fmt.Errorf("unknown mode %q", cfg.Mode)
	}
}

// runJanitor hard-deletes soft-deleted rows past the retention window (§3,
// supplemented "Janitor" CLI, mirroring the teacher's one-shot internal/seed
// command shape).
func runJanitor(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pool, err := platform.NewPostgresPool(ctx, cfg.StoreURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	store := postgres.New(pool)
	cutoff := time.Now().AddDate(0, 0, -cfg.SoftDeleteRetentionDays)

	entities, err := store.Entities().PurgeDeletedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purging entities: %w", err)
	}
	relationships, err := store.Relationships().PurgeDeletedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purging relationships: %w", err)
	}
	alerts, err := store.Alerts().PurgeResolvedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purging alerts: %w", err)
	}

	logger.Info("janitor run complete",
		"cutoff", cutoff,
		"entities_purged", entities,
		"relationships_purged", relationships,
		"alerts_purged", alerts,
	)
	return nil
}

// runServe connects to infrastructure, mounts the operator HTTP surface, and
// runs every role cfg.Role selects (or all of them) until ctx is canceled.
func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pool, err := platform.NewPostgresPool(ctx, cfg.StoreURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	queueClient, err := platform.NewRedisClient(ctx, cfg.QueueURL)
	if err != nil {
		return fmt.Errorf("connecting to queue redis: %w", err)
	}
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Error("closing queue redis", "error", err)
		}
	}()

	cacheClient, err := platform.NewRedisClient(ctx, cfg.CacheURL)
	if err != nil {
		return fmt.Errorf("connecting to cache redis: %w", err)
	}
	defer func() {
		if err := cacheClient.Close(); err != nil {
			logger.Error("closing cache redis", "error", err)
		}
	}()

	store := postgres.New(pool)
	broker := queue.New(queueClient)
	metricsReg := telemetry.NewMetricsRegistry()

	catalogReg := catalog.NewRegistry(catalog.Microsoft365())
	connectorReg := connector.NewRegistry()
	connectorReg.Register(demo.Slug, demo.Factory)

	if err := seed.Run(ctx, store, catalogReg, logger); err != nil {
		return fmt.Errorf("seeding demo data: %w", err)
	}

	srv := httpserver.NewServer(httpserver.Config{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger, pool, queueClient, metricsReg)
	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("operator http server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpserver.Shutdown(shutdownCtx, httpSrv)
	})

	roles := rolesToRun(cfg.Role)
	logger.Info("running pipeline roles", "roles", roles)

	deps := &roleDeps{
		store:      store,
		broker:     broker,
		cache:      cacheClient,
		catalog:    catalogReg,
		connectors: connectorReg,
		logger:     logger,
		cfg:        cfg,
	}

	for _, role := range roles {
		role := role
		g.Go(func() error {
			if err := runRole(gctx, role, deps); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("role %s: %w", role, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}

func rolesToRun(role string) []string {
	if role == "" {
		return allRoles
	}
	return []string{role}
}

// roleDeps bundles the infrastructure every role's runner needs.
type roleDeps struct {
	store      repository.Store
	broker     *queue.Broker
	cache      *redis.Client
	catalog    *catalog.Registry
	connectors *connector.Registry
	logger     *slog.Logger
	cfg        *config.Config
}

func runRole(ctx context.Context, role string, d *roleDeps) error {
	switch role {
	case "scheduler":
		return runScheduler(ctx, d)
	case "adapter":
		return runAdapter(ctx, d)
	case "processor":
		return runProcessor(ctx, d)
	case "linker":
		return runLinker(ctx, d)
	case "analyzer":
		return runAnalyzer(ctx, d)
	case "alerts":
		return runAlerts(ctx, d)
	case "heartbeat":
		return runHeartbeat(ctx, d)
	default:
		return fmt.Errorf("unknown role %q", role)
	}
}

// runScheduler drives scheduler.Tick on a cron-ticked interval (§4.3).
func runScheduler(ctx context.Context, d *roleDeps) error {
	sched := scheduler.New(d.store, d.broker, d.catalog, d.logger)

	c := cron.New()
	if _, err := c.AddFunc("@every 1m", func() {
		if err := sched.Tick(ctx); err != nil {
			d.logger.Error("scheduler tick failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduling tick: %w", err)
	}
	c.Start()
	defer c.Stop()

	<-ctx.Done()
	return ctx.Err()
}

// runAdapter drains every integration's sync-job queues with a bounded
// worker pool (§4.4, §5 AdapterConcurrency).
func runAdapter(ctx context.Context, d *roleDeps) error {
	// MarkOutcome only needs store+broker, so a Scheduler built here (without
	// ever calling Tick) is the cheapest way to reuse its retry/backoff
	// policy rather than duplicating it.
	outcomer := scheduler.New(d.store, d.broker, d.catalog, d.logger)
	runtime := adapter.New(d.store, d.broker, outcomer, d.connectors, d.catalog, d.logger)

	var queues []string
	for _, integ := range d.catalog.All() {
		for _, st := range integ.SupportedTypes {
			queues = append(queues, job.Queue(integ.Slug, st.Type))
		}
	}

	pool := workerpool.New(
		d.cfg.AdapterConcurrency,
		2*time.Second,
		queues,
		d.broker.Dequeue,
		func(j *job.Job) bool { return j == nil },
		func(ctx context.Context, j *job.Job) error {
			jobCtx, cancel := context.WithTimeout(ctx, adapterJobTimeout)
			defer cancel()
			if err := runtime.RunJob(jobCtx, j); err != nil {
				d.logger.Error("adapter job failed", "jobId", j.ID, "dataSourceId", j.DataSourceID, "entityType", j.EntityType, "error", err)
			}
			return nil // a failed job is recorded via MarkOutcome; the pool keeps polling
		},
	)
	return pool.Run(ctx)
}

// entityTypeTopics builds the deduplicated "<prefix>.<type>" topic list
// across every catalog-registered entity type.
func entityTypeTopics(prefix string, reg *catalog.Registry) []string {
	seen := map[string]bool{}
	var topics []string
	for _, integ := range reg.All() {
		for _, st := range integ.SupportedTypes {
			topic := prefix + "." + st.Type
			if !seen[topic] {
				seen[topic] = true
				topics = append(topics, topic)
			}
		}
	}
	return topics
}

// runProcessor subscribes to fetched.<type> and applies each batch (§4.5).
func runProcessor(ctx context.Context, d *roleDeps) error {
	proc := processor.New(d.store, d.broker)
	topics := entityTypeTopics("fetched", d.catalog)
	ch, closeSub := d.broker.Subscribe(ctx, topics...)
	defer closeSub()

	for payload := range ch {
		var ev processor.FetchedEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			d.logger.Error("processor: decoding fetched event", "error", err)
			continue
		}
		func() {
			jobCtx, cancel := context.WithTimeout(ctx, processorJobTimeout)
			defer cancel()
			if err := proc.ApplyBatch(jobCtx, ev); err != nil {
				d.logger.Error("processor: apply batch failed", "dataSourceId", ev.DataSourceID, "entityType", ev.EntityType, "error", err)
			}
		}()
	}
	return ctx.Err()
}

// runLinker subscribes to processed.<type> and materializes relationship
// edges (§4.6). It resolves the data source's integration slug before
// dispatching, since processor.ProcessedEvent doesn't carry one.
func runLinker(ctx context.Context, d *roleDeps) error {
	extractors := microsoft365Extractors(d.store)
	l := linker.New(d.store, d.broker, extractors)
	topics := entityTypeTopics("processed", d.catalog)
	ch, closeSub := d.broker.Subscribe(ctx, topics...)
	defer closeSub()

	for payload := range ch {
		var raw processor.ProcessedEvent
		if err := json.Unmarshal(payload, &raw); err != nil {
			d.logger.Error("linker: decoding processed event", "error", err)
			continue
		}
		func() {
			jobCtx, cancel := context.WithTimeout(ctx, linkerJobTimeout)
			defer cancel()

			slug := ""
			if ds, err := d.store.DataSources().Get(jobCtx, raw.DataSourceID); err == nil {
				slug = ds.IntegrationSlug
			}

			ev := linker.ProcessedEvent{
				SyncID:           raw.SyncID,
				TenantID:         raw.TenantID,
				DataSourceID:     raw.DataSourceID,
				IntegrationSlug:  slug,
				EntityType:       raw.EntityType,
				ChangedEntityIDs: raw.ChangedEntityIDs,
			}
			if err := l.HandleProcessed(jobCtx, ev); err != nil {
				d.logger.Error("linker: handle processed failed", "dataSourceId", ev.DataSourceID, "entityType", ev.EntityType, "error", err)
			}
		}()
	}
	return ctx.Err()
}

// microsoft365Extractors builds the linker.Extractor set for the reference
// integration, reading the groupIds/roleIds/licenseSkuIds and
// includeGroupIds/includeUserIds normalizedData fields the demo connector
// emits (group membership, role assignment, license assignment, policy
// targeting).
func microsoft365Extractors(store repository.Store) map[entity.Type]linker.Extractor {
	extractStrings := func(raw map[string]any, key string) []string {
		switch v := raw[key].(type) {
		case []string:
			return v
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
			return out
		default:
			return nil
		}
	}

	// resolveID maps one connector-supplied external id to the internal
	// entity id within the same data source. A live lookup rather than a
	// precomputed map, since linker.Extractor carries no context parameter
	// and production must reflect entities created earlier in the same sync.
	resolveID := func(e *entity.Entity, externalID string) (uuid.UUID, bool) {
		found, err := store.Entities().GetByExternalID(context.Background(), e.DataSourceID, externalID)
		if err != nil {
			return uuid.UUID{}, false
		}
		return found.ID, true
	}

	return map[entity.Type]linker.Extractor{
		entity.TypeIdentities: func(e *entity.Entity) []linker.DesiredEdge {
			var edges []linker.DesiredEdge
			for _, gid := range extractStrings(e.NormalizedData, "groupIds") {
				if g, ok := resolveID(e, gid); ok {
					edges = append(edges, linker.DesiredEdge{ParentEntityID: g, ChildEntityID: e.ID, Type: relationship.TypeMemberOf})
				}
			}
			for _, rid := range extractStrings(e.NormalizedData, "roleIds") {
				if r, ok := resolveID(e, rid); ok {
					edges = append(edges, linker.DesiredEdge{ParentEntityID: r, ChildEntityID: e.ID, Type: relationship.TypeAssignedRole})
				}
			}
			for _, lid := range extractStrings(e.NormalizedData, "licenseSkuIds") {
				if lic, ok := resolveID(e, lid); ok {
					edges = append(edges, linker.DesiredEdge{ParentEntityID: lic, ChildEntityID: e.ID, Type: relationship.TypeHasLicense})
				}
			}
			return edges
		},
		entity.TypePolicies: func(e *entity.Entity) []linker.DesiredEdge {
			var edges []linker.DesiredEdge
			for _, gid := range extractStrings(e.NormalizedData, "includeGroupIds") {
				if g, ok := resolveID(e, gid); ok {
					edges = append(edges, linker.DesiredEdge{ParentEntityID: e.ID, ChildEntityID: g, Type: relationship.TypeAppliesTo})
				}
			}
			for _, uid := range extractStrings(e.NormalizedData, "includeUserIds") {
				if u, ok := resolveID(e, uid); ok {
					edges = append(edges, linker.DesiredEdge{ParentEntityID: e.ID, ChildEntityID: u, Type: relationship.TypeAppliesTo})
				}
			}
			return edges
		},
	}
}

// runAnalyzer subscribes to linked.<type> and, after coalescing events for
// the same (tenantId, dataSourceId) within a 5-minute window (§5
// "Debouncing"), loads a snapshot, runs the analyzer, and publishes
// analysis.unified.
func runAnalyzer(ctx context.Context, d *roleDeps) error {
	topics := entityTypeTopics("linked", d.catalog)
	ch, closeSub := d.broker.Subscribe(ctx, topics...)
	defer closeSub()

	loader := snapshot.New(d.store)
	az := analyzer.New()
	deb := newAnalyzerDebouncer(ctx, 5*time.Minute, func(scope scopeKey, ev linker.LinkedEvent) {
		jobCtx, cancel := context.WithTimeout(context.Background(), analyzerJobTimeout)
		defer cancel()

		snap, err := loader.Load(jobCtx, scope.tenantID, scope.dataSourceID, ev.IntegrationSlug)
		if err != nil {
			d.logger.Error("analyzer: loading snapshot failed", "dataSourceId", scope.dataSourceID, "error", err)
			return
		}
		snap.SyncID = ev.SyncID
		res := az.Run(snap)
		if err := d.broker.Publish(jobCtx, "analysis.unified", res); err != nil {
			d.logger.Error("analyzer: publishing result failed", "dataSourceId", scope.dataSourceID, "error", err)
		}
	})
	defer deb.stop()

	for payload := range ch {
		var ev linker.LinkedEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			d.logger.Error("analyzer: decoding linked event", "error", err)
			continue
		}
		deb.observe(scopeKey{tenantID: ev.TenantID, dataSourceID: ev.DataSourceID}, ev)
	}
	return ctx.Err()
}

// runAlerts subscribes to analysis.unified and reconciles findings into
// alert rows (§4.9). A single sequential consumer loop already serializes
// every reconcile call, which satisfies (and exceeds) the §5 requirement
// that reconciliation serialize per (dataSourceId, analysisTypes).
func runAlerts(ctx context.Context, d *roleDeps) error {
	mgr := alertmanager.New(d.store)
	ch, closeSub := d.broker.Subscribe(ctx, "analysis.unified")
	defer closeSub()

	for payload := range ch {
		var res analyzer.Result
		if err := json.Unmarshal(payload, &res); err != nil {
			d.logger.Error("alerts: decoding analysis result", "error", err)
			continue
		}
		func() {
			jobCtx, cancel := context.WithTimeout(ctx, alertManagerTimeout)
			defer cancel()
			counts, err := mgr.Reconcile(jobCtx, res)
			if err != nil {
				d.logger.Error("alerts: reconcile failed", "dataSourceId", res.DataSourceID, "error", err)
				return
			}
			d.logger.Info("alerts: reconciled", "dataSourceId", res.DataSourceID, "counts", counts)
		}()
	}
	return ctx.Err()
}

// runHeartbeat seeds the in-memory agent cache and runs the stale-check and
// sync workers until ctx is canceled, flushing pending writes on stop (§4.10).
func runHeartbeat(ctx context.Context, d *roleDeps) error {
	cache := heartbeat.NewRedisCache(d.cache)
	mgr := heartbeat.New(d.store, cache, d.logger)
	if err := mgr.Seed(ctx); err != nil {
		return fmt.Errorf("seeding heartbeat manager: %w", err)
	}
	mgr.Start(ctx)
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return mgr.Stop(stopCtx)
}

// scopeKey groups linked.* events for the analyzer's coalescing window (§5).
type scopeKey struct {
	tenantID     uuid.UUID
	dataSourceID uuid.UUID
}

// analyzerDebouncer coalesces events for the same scope arriving within
// window into a single fire, per §5's "Debouncing" rule.
type analyzerDebouncer struct {
	ctx     context.Context
	window  time.Duration
	fire    func(scopeKey, linker.LinkedEvent)
	mu      sync.Mutex
	pending map[scopeKey]*time.Timer
	wg      sync.WaitGroup
}

func newAnalyzerDebouncer(ctx context.Context, window time.Duration, fire func(scopeKey, linker.LinkedEvent)) *analyzerDebouncer {
	return &analyzerDebouncer{
		ctx:     ctx,
		window:  window,
		fire:    fire,
		pending: map[scopeKey]*time.Timer{},
	}
}

func (a *analyzerDebouncer) observe(scope scopeKey, ev linker.LinkedEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.pending[scope]; exists {
		return // window already open for this scope; the first event's timer will fire
	}
	a.wg.Add(1)
	a.pending[scope] = time.AfterFunc(a.window, func() {
		defer a.wg.Done()
		a.mu.Lock()
		delete(a.pending, scope)
		a.mu.Unlock()
		a.fire(scope, ev)
	})
}

func (a *analyzerDebouncer) stop() {
	a.mu.Lock()
	for _, t := range a.pending {
		t.Stop()
	}
	a.mu.Unlock()
}
