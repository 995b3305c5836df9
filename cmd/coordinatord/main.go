package main

import (
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/arl/statsviz"
	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/automaxprocs/maxprocs"

	appcoordination "github.com/ahrav/taskward/internal/app/coordination"
	"github.com/ahrav/taskward/internal/config"
	"github.com/ahrav/taskward/internal/domain/coordination"
	"github.com/ahrav/taskward/internal/infra/cluster/kubernetes"
	"github.com/ahrav/taskward/internal/infra/eventbus/kafka"
	registrymemory "github.com/ahrav/taskward/internal/infra/registry/memory"
	coordstore "github.com/ahrav/taskward/internal/infra/storage/coordination/postgres"
	"github.com/ahrav/taskward/pkg/common/logger"
	"github.com/ahrav/taskward/pkg/common/otel"
)

const serviceType = "coordinator"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	cfg, err := config.Load(os.Getenv("TASKWARD_CONFIG"))
	if err != nil {
		stdlog.Fatalf("failed to load config: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("COORDINATOR-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"node":     cfg.Node.Name,
		"app":      serviceType,
	}

	log := logger.NewWithMetadata(os.Stdout, logger.LevelDebug, svcName, traceIDFn, logEvents, metadata)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Telemetry.ServiceName,
		ExporterEndpoint: cfg.Telemetry.ExporterEndpoint,
		Probability:      cfg.Telemetry.SamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"node.name":        cfg.Node.Name,
			"host.name":        hostname,
		},
		InsecureExporter: true,
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(ctx)

	tracer := tp.Tracer(cfg.Telemetry.ServiceName)

	ready := &atomic.Bool{}
	go runDebugServer(ctx, log, ready)

	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.ConnString())
	if err != nil {
		log.Error(ctx, "failed to parse db config", "error", err)
		os.Exit(1)
	}
	poolCfg.MinConns = 5
	poolCfg.MaxConns = 20
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runMigrations(pool); err != nil {
		log.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}
	log.Info(ctx, "Migrations applied successfully. Starting coordinator...")

	documentStore := coordstore.NewDocumentStore(pool, tracer)
	resultStore := coordstore.NewResultStore(pool, tracer)

	registry := registrymemory.NewTaskRegistry(cfg.Node.Name)

	metrics, err := appcoordination.NewCoordinationMetrics(otel.GetMeterProvider())
	if err != nil {
		log.Error(ctx, "failed to create metrics collector", "error", err)
		os.Exit(1)
	}

	eventBus, err := kafka.ConnectWithRetry(&kafka.Config{
		Brokers:           cfg.Kafka.Brokers,
		JobLifecycleTopic: cfg.Kafka.JobLifecycleTopic,
		JobProgressTopic:  cfg.Kafka.JobProgressTopic,
		GroupID:           cfg.Kafka.GroupID,
		ClientID:          cfg.Kafka.ClientID,
	}, log, metrics, tracer)
	if err != nil {
		log.Error(ctx, "failed to connect event bus", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := eventBus.Close(); err != nil {
			log.Error(ctx, "Failed to close event bus", "error", err)
		}
	}()

	publisher := kafka.NewDomainEventPublisher(eventBus)

	// Domain executors register here by job type before the supervisor
	// starts claiming work.
	executors := appcoordination.NewExecutorRegistry()

	supervisor := appcoordination.NewSupervisor(
		cfg.Node.Name,
		registry,
		documentStore,
		executors,
		publisher,
		log,
		tracer,
		appcoordination.WithPollInterval(cfg.Jobs.PollInterval),
		appcoordination.WithStaleAfter(cfg.Jobs.StaleAfter),
		appcoordination.WithSupervisorResultStore(resultStore),
		appcoordination.WithSupervisorMetrics(metrics),
	)

	k8sCfg := &kubernetes.K8sConfig{
		Name:         serviceType,
		Namespace:    cfg.Cluster.Namespace,
		LeaderLockID: cfg.Cluster.LeaderLockName,
		Identity:     cfg.Node.Name,
		KubeConfig:   cfg.Cluster.KubeConfig,
		Context:      cfg.Cluster.Context,
	}
	leaderCoord, err := kubernetes.NewCoordinator(cfg.Node.Name, k8sCfg, log, tracer)
	if err != nil {
		log.Error(ctx, "failed to create leader coordinator", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := leaderCoord.Stop(); err != nil {
			log.Error(ctx, "Failed to stop leader coordinator", "error", err)
		}
	}()

	leaderCoord.OnLeadershipChange(func(isLeader bool) {
		metrics.SetLeaderStatus(ctx, isLeader)
		supervisor.OnLeadershipChange(isLeader)
	})
	if err := leaderCoord.Start(ctx); err != nil {
		log.Error(ctx, "failed to start leader election", "error", err)
		os.Exit(1)
	}

	jobService := appcoordination.NewJobService(documentStore, registry, publisher, log, tracer)
	scheduler := appcoordination.NewSchedulerEngine(log)
	scheduler.Start(ctx)

	if specPath := os.Getenv("TASKWARD_JOBS_FILE"); specPath != "" {
		if err := seedJobs(ctx, specPath, jobService, scheduler, log); err != nil {
			log.Error(ctx, "failed to seed jobs", "error", err)
			os.Exit(1)
		}
	}

	log.Info(ctx, "Coordinator initialized", "node", cfg.Node.Name)
	ready.Store(true)

	errCh := make(chan error, 1)
	go func() {
		if err := supervisor.Run(ctx); err != nil {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		log.Info(ctx, "Received shutdown signal", "signal", sig)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		select {
		case err := <-errCh:
			if err != nil && err != context.Canceled {
				log.Error(shutdownCtx, "Supervisor stopped with error", "error", err)
			}
		case <-shutdownCtx.Done():
			log.Error(shutdownCtx, "Timed out waiting for supervisor to stop")
		}

	case err := <-errCh:
		log.Error(ctx, "Supervisor error", "error", err)
		os.Exit(1)
	}
}

// seedJobs submits the jobs declared in the seed file. One-shot specs are
// submitted immediately; recurring specs register a scheduler trigger that
// submits a fresh job each interval.
func seedJobs(
	ctx context.Context,
	path string,
	jobs *appcoordination.JobService,
	scheduler *appcoordination.SchedulerEngine,
	log *logger.Logger,
) error {
	specs, err := config.LoadJobSpecs(path)
	if err != nil {
		return err
	}

	for _, spec := range specs {
		params, err := specParams(spec)
		if err != nil {
			return fmt.Errorf("job spec %q: %w", spec.Name, err)
		}

		if spec.Interval.Std() <= 0 {
			jobID := coordination.JobID(spec.Name)
			if _, err := jobs.Submit(ctx, jobID, params, spec.Options); err != nil {
				log.Warn(ctx, "Failed to submit seeded job", "job_id", jobID, "error", err)
			}
			continue
		}

		spec := spec
		err = scheduler.Register(spec.Name, appcoordination.FixedInterval{Interval: spec.Interval.Std()}, func(ctx context.Context, scheduledAt time.Time) {
			jobID := coordination.JobID(fmt.Sprintf("%s-%d", spec.Name, scheduledAt.Unix()))
			if _, err := jobs.Submit(ctx, jobID, params, spec.Options); err != nil {
				log.Warn(ctx, "Failed to submit scheduled job", "job_id", jobID, "error", err)
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// specParams folds the spec's type into its params blob so the executor
// registry can dispatch on it.
func specParams(spec config.JobSpec) (json.RawMessage, error) {
	params := make(map[string]any, len(spec.Params)+1)
	for k, v := range spec.Params {
		params[k] = v
	}
	params["type"] = spec.Type
	return json.Marshal(params)
}

// runDebugServer serves health probes and runtime statistics.
func runDebugServer(ctx context.Context, log *logger.Logger, ready *atomic.Bool) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/v1/readiness", func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
	if err := statsviz.Register(mux); err != nil {
		log.Error(ctx, "failed to register statsviz", "error", err)
	}

	addr := os.Getenv("TASKWARD_DEBUG_ADDR")
	if addr == "" {
		addr = ":6060"
	}
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error(ctx, "debug server stopped", "error", err)
	}
}

// runMigrations uses golang-migrate to apply all up migrations from
// db/migrations before the node starts claiming work.
func runMigrations(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	migrationsPath := os.Getenv("TASKWARD_MIGRATIONS_URL")
	if migrationsPath == "" {
		migrationsPath = "file://db/migrations"
	}
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}
