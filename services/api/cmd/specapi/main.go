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
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"specd/pkg/bus"
	"specd/pkg/config"
	"specd/pkg/db"
	"specd/pkg/telemetry"
	"specd/services/api"
	"specd/services/audit"
	"specd/services/orchestrator"
)

func main() {
	if err := run("specapi"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	_ = godotenv.Load()

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

	auditLog := zerolog.New(os.Stdout).With().Timestamp().Str("service", serviceName).Logger()
	recorder, err := audit.NewRecorder(pool, queue, auditLog)
	if err != nil {
		return fmt.Errorf("audit recorder: %w", err)
	}
	if err := recorder.Start(ctx); err != nil {
		return fmt.Errorf("start audit recorder: %w", err)
	}
	defer recorder.Close()

	controlPlane, err := api.New(store, queue, api.Config{
		DispatchSubject: cfg.Queue.DispatchSubject,
	}, logger)
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}
	routes, err := controlPlane.Routes()
	if err != nil {
		return err
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
	router.Mount("/", routes)

	listenAddr := os.Getenv("SPEC_API_LISTEN")
	if listenAddr == "" {
		listenAddr = ":8081"
	}
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

	logger.Printf("level=info msg=\"control plane listening\" addr=%q subject=%q",
		server.Addr, cfg.Queue.DispatchSubject)

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
