package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"specd/pkg/bus"
	"specd/pkg/config"
	"specd/pkg/db"
	"specd/pkg/render"
	gos3 "specd/pkg/s3"
	"specd/pkg/telemetry"
	"specd/services/orchestrator"
	"specd/services/specworker/internal/agentconfig"
	"specd/services/specworker/internal/archive"
	"specd/services/specworker/internal/gitops"
	"specd/services/specworker/internal/jobcontainer"
	"specd/services/specworker/internal/pipeline"
	"specd/services/specworker/internal/secrets"
	"specd/services/specworker/internal/skills"
	"specd/services/specworker/internal/workspace"
)

const serviceName = "specworker"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "specworker",
		Short:         "Worker that turns queued automation runs into pushed branches and review requests",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newPurgeCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume run dispatches and execute the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(listenAddr)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", ":8080", "Address for health and metrics endpoints")
	return cmd
}

func serve(listenAddr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownTelemetry != nil {
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
			}
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pool, err := db.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	orm, err := db.OpenORM(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open orm: %w", err)
	}

	store, err := orchestrator.NewStore(orm, pool)
	if err != nil {
		return err
	}

	queue, err := bus.New(cfg.Queue.NATSURL)
	if err != nil {
		return fmt.Errorf("connect message bus: %w", err)
	}
	defer queue.Close()

	executor, workspaces, containers, metrics, err := buildExecutor(ctx, cfg, store, logger)
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	worker, err := pipeline.NewWorker(queue, executor,
		cfg.Queue.DispatchSubject, serviceName, cfg.Queue.QueueGroup, hostname, logger)
	if err != nil {
		return err
	}
	sub, err := worker.Start(ctx)
	if err != nil {
		return fmt.Errorf("subscribe dispatches: %w", err)
	}
	defer sub.Close()

	scheduler, err := startPurgeScheduler(ctx, cfg, store, workspaces, containers, metrics, logger)
	if err != nil {
		return err
	}
	if scheduler != nil {
		defer scheduler.Stop()
	}

	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context(), pool); err != nil {
			http.Error(w, "database not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    listenAddr,
		Handler: middleware(router),
	}

	errCh := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: http shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("level=info msg=\"worker listening\" addr=%q subject=%q group=%q",
		server.Addr, cfg.Queue.DispatchSubject, cfg.Queue.QueueGroup)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// buildExecutor wires every pipeline dependency from configuration.
func buildExecutor(ctx context.Context, cfg config.Workflow, store *orchestrator.Store, logger *log.Logger) (*pipeline.Executor, *workspace.Manager, *jobcontainer.Manager, *orchestrator.Metrics, error) {
	workspaces, err := workspace.NewManager(cfg.Workspace.Root, cfg.Workspace.RunsDirname, logger)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("workspace manager: %w", err)
	}
	containers, err := jobcontainer.NewManager(cfg.Container.CLI, cfg.TestMode, logger)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("container manager: %w", err)
	}
	pusher, err := gitops.NewPusher(cfg.Git.Remote, cfg.Git.MaxAttempts, cfg.TestMode, logger)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("git pusher: %w", err)
	}
	selector, err := agentconfig.NewSelector(agentconfig.Params{
		DefaultBackend:  cfg.Agent.Backend,
		Version:         cfg.Agent.Version,
		PromptPack:      cfg.Agent.PromptPackVersion,
		AllowedBackends: cfg.Agent.AllowedBackends,
		RuntimeEnvKeys:  cfg.Agent.RuntimeEnvKeys,
	})
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("agent selector: %w", err)
	}
	policy, err := skills.NewPolicy(cfg.Skills.Enabled, cfg.Skills.CanaryPercent,
		cfg.Skills.DefaultSkill, skills.PolicyMode(cfg.Skills.PolicyMode),
		cfg.Skills.StageSkills, cfg.Skills.AllowedSkills,
		cfg.Skills.FallbackEnabled, cfg.Skills.ShadowMode)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("skills policy: %w", err)
	}
	skillsRunner, err := skills.NewRunner(policy, skills.DefaultRegistry(), logger)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("skills runner: %w", err)
	}

	gates, err := orchestrator.NewGateCache(store, 30*time.Second, logger)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("gate cache: %w", err)
	}
	if err := gates.Start(ctx); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("start gate cache: %w", err)
	}

	configured := map[string]string{}
	if cfg.Container.SourceControlToken != "" {
		configured["GITHUB_TOKEN"] = cfg.Container.SourceControlToken
	}
	if cfg.Container.AgentModel != "" {
		configured["SPEC_AGENT_MODEL"] = cfg.Container.AgentModel
	}
	if cfg.Container.AgentProfile != "" {
		configured["SPEC_AGENT_PROFILE"] = cfg.Container.AgentProfile
	}
	collector := secrets.NewCollector(
		secrets.WithConfigured(configured),
		secrets.WithExtraKeys(cfg.Container.ExtraEnvKeys),
	)

	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		s3Client, err := gos3.NewClientFromEnv()
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("s3 client: %w", err)
		}
		archiver, err = archive.NewArchiver(s3Client, cfg.Archive.Bucket, cfg.Archive.AgeRecipient, logger)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("archiver: %w", err)
		}
	}

	renderer, err := render.New()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("template engine: %w", err)
	}

	hostname, _ := os.Hostname()
	metrics := orchestrator.NewMetrics(prometheus.DefaultRegisterer)
	params := pipeline.Params{
		Config:     cfg,
		Store:      store,
		Workspaces: workspaces,
		Containers: containers,
		Git:        pusher,
		Selector:   selector,
		Skills:     skillsRunner,
		Gates:      gates,
		Renderer:   renderer,
		Metrics:    metrics,
		Collector:  collector,
		Hostname:   hostname,
		Logger:     logger,
	}
	if archiver != nil {
		params.Archiver = archiver
	}
	executor, err := pipeline.NewExecutor(params)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return executor, workspaces, containers, metrics, nil
}

func startPurgeScheduler(ctx context.Context, cfg config.Workflow, store *orchestrator.Store, workspaces *workspace.Manager, containers *jobcontainer.Manager, metrics *orchestrator.Metrics, logger *log.Logger) (*cron.Cron, error) {
	if cfg.Workspace.PurgeCron == "" {
		return nil, nil
	}
	scheduler := cron.New()
	_, err := scheduler.AddFunc(cfg.Workspace.PurgeCron, func() {
		purged, err := workspaces.PurgeExpiredWorkspaces(ctx, cfg.Workspace.Retention, time.Now(), containers.RemoveByRunID)
		if err != nil {
			logger.Printf("level=warn msg=\"retention sweep failed\" error=%q", err)
			return
		}
		if len(purged) > 0 {
			metrics.WorkspacesPurged.Add(float64(len(purged)))
			logger.Printf("level=info msg=\"retention sweep removed workspaces\" count=%d", len(purged))
		}
		removed, err := sweepExpiredArtifacts(ctx, store, logger)
		if err != nil {
			logger.Printf("level=warn msg=\"artifact sweep failed\" error=%q", err)
			return
		}
		if removed > 0 {
			metrics.ArtifactsPurged.Add(float64(removed))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule retention sweep %q: %w", cfg.Workspace.PurgeCron, err)
	}
	scheduler.Start()
	go func() {
		<-ctx.Done()
		scheduler.Stop()
	}()
	return scheduler, nil
}

// sweepExpiredArtifacts drops artifact records past their expiry and removes
// any file still on local disk. Files already gone (workspace purge runs
// first) are fine.
func sweepExpiredArtifacts(ctx context.Context, store *orchestrator.Store, logger *log.Logger) (int, error) {
	expired, err := store.ExpiredArtifacts(ctx, time.Now(), 200)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, artifact := range expired {
		if err := os.Remove(artifact.StoragePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Printf("level=warn msg=\"remove artifact file\" path=%q error=%q", artifact.StoragePath, err)
			continue
		}
		if err := store.DeleteArtifact(ctx, artifact.ID); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		logger.Printf("level=info msg=\"retention sweep removed artifacts\" count=%d", removed)
	}
	return removed, nil
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			pool, err := db.Open(ctx, cfg.Database.DSN)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer pool.Close()
			return db.Migrate(ctx, pool)
		},
	}
}

func newPurgeCommand() *cobra.Command {
	var retention time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove expired run workspaces and their containers once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if retention == 0 {
				retention = cfg.Workspace.Retention
			}
			logger := log.New(os.Stderr, "", log.LstdFlags)
			workspaces, err := workspace.NewManager(cfg.Workspace.Root, cfg.Workspace.RunsDirname, logger)
			if err != nil {
				return err
			}
			containers, err := jobcontainer.NewManager(cfg.Container.CLI, cfg.TestMode, logger)
			if err != nil {
				return err
			}
			purged, err := workspaces.PurgeExpiredWorkspaces(ctx, retention, time.Now(), containers.RemoveByRunID)
			if err != nil {
				return err
			}
			pool, err := db.Open(ctx, cfg.Database.DSN)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer pool.Close()
			orm, err := db.OpenORM(cfg.Database.DSN)
			if err != nil {
				return fmt.Errorf("open orm: %w", err)
			}
			store, err := orchestrator.NewStore(orm, pool)
			if err != nil {
				return err
			}
			removed, err := sweepExpiredArtifacts(ctx, store, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "purged %d workspaces, %d artifacts\n", len(purged), removed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "Override the configured retention window")
	return cmd
}
