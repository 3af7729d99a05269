// Command latticerun runs the function runtime daemon: it opens the
// Metadata and Queue Stores, starts the scheduler's poll loop, and
// serves the HTTP Surface until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/latticerun/core/internal/apierr"
	"github.com/latticerun/core/internal/audit"
	"github.com/latticerun/core/internal/bus"
	"github.com/latticerun/core/internal/config"
	"github.com/latticerun/core/internal/gateway"
	"github.com/latticerun/core/internal/policy"
	"github.com/latticerun/core/internal/sandbox"
	"github.com/latticerun/core/internal/sandbox/process"
	"github.com/latticerun/core/internal/sandbox/wasm"
	"github.com/latticerun/core/internal/scheduler"
	"github.com/latticerun/core/internal/store"
	"github.com/latticerun/core/internal/subscriber"
	"github.com/latticerun/core/internal/telemetry"
	"github.com/latticerun/core/internal/tracing"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s [flags]          Start the runtime daemon

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  LATTICERUN_HOME                Data directory (default: ~/.latticerun)
  LATTICERUN_BIND_ADDR           HTTP listen address (default: 127.0.0.1:8089)
  LATTICERUN_LOG_LEVEL           debug, info, warn, error (default: info)
  LATTICERUN_POLL_INTERVAL_MS    Scheduler poll cadence in milliseconds
  LATTICERUN_TASK_TIMEOUT_SECONDS Default handler timeout in seconds
  JWT_SECRET                     Seeds the jwt_secret config row on first boot
`)
}

func main() {
	policyPath := flag.String("policy", "", "path to a policy.yaml file (empty = allow-all)")
	version := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *version {
		fmt.Println(Version)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *policyPath); err != nil {
		slog.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, policyPath string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Mirror stdout to the log file only when attached to a terminal;
	// under a service manager stdout is already captured elsewhere, so
	// keep the process's own output file-only.
	cfg.Quiet = !isatty.IsTerminal(os.Stdout.Fd())
	logger, logFile, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logFile.Close()
	slog.SetDefault(logger)

	if err := audit.Init(cfg.HomeDir); err != nil {
		return fmt.Errorf("init audit log: %w", err)
	}
	defer audit.Close()

	tracingProvider, err := tracing.Init(ctx, tracing.Config{Exporter: "none"})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tracingProvider.Shutdown(context.Background())

	db, err := store.Open(ctx, filepath.Join(cfg.HomeDir, "db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	if cfg.JWTSecret != "" {
		if _, err := db.GetConfig(ctx, "jwt_secret"); err != nil {
			if err := db.PutConfig(ctx, "jwt_secret", cfg.JWTSecret); err != nil {
				return fmt.Errorf("seed jwt_secret: %w", err)
			}
		}
	}

	initial, err := policy.Load(policyPath)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	livePolicy := policy.NewLivePolicy(initial, policyPath)
	if err := livePolicy.Watch(ctx, logger); err != nil {
		logger.Warn("policy file watch disabled", "error", err)
	}

	eventBus := bus.NewWithLogger(logger)

	execTimeout := executionTimeout(ctx, db, cfg.DefaultTaskTimeout, logger)

	processExecutor := process.New(process.Config{
		WorkspaceDir: filepath.Join(cfg.HomeDir, "workspace"),
		Timeout:      execTimeout,
		Policy:       livePolicy,
	})
	wasmExecutor := wasm.New(ctx, wasm.Config{
		Policy:  livePolicy,
		Logger:  logger,
		Timeout: execTimeout,
	})
	defer wasmExecutor.Close(context.Background())

	dispatcher := sandbox.Dispatcher{Process: processExecutor, WASM: wasmExecutor}

	sched := scheduler.New(scheduler.Config{
		Store:        db,
		Dispatcher:   dispatcher,
		Bus:          eventBus,
		Logger:       logger,
		Tracer:       tracingProvider.Tracer,
		PollInterval: time.Duration(cfg.PollIntervalMillis) * time.Millisecond,
	})

	sub := subscriber.New(db, time.Duration(cfg.PollIntervalMillis)*time.Millisecond)

	srv := gateway.New(gateway.Config{
		Store:        db,
		Bus:          eventBus,
		Subscriber:   sub,
		Logger:       logger,
		AuthRequired: cfg.JWTSecret != "",
	})

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("scheduler starting", "poll_interval_ms", cfg.PollIntervalMillis)
		errCh <- sched.Run(ctx)
	}()
	go func() {
		logger.Info("http surface listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// executionTimeout prefers the operator-tunable function_execution_timeout
// config row (milliseconds, per the Metadata Store's config table) over the
// env-derived static default, since an admin can lower or raise it at
// runtime without a restart's worth of flag changes. It seeds the row with
// the static default on first boot so later reads (and API listings of
// config) see a concrete value rather than an absent key.
func executionTimeout(ctx context.Context, db *store.Store, defaultSeconds int, logger *slog.Logger) time.Duration {
	fallback := time.Duration(defaultSeconds) * time.Second
	raw, err := db.GetConfig(ctx, "function_execution_timeout")
	if err != nil {
		var nf *apierr.NotFoundError
		if !errors.As(err, &nf) {
			logger.Warn("read function_execution_timeout config failed, using default", "error", err)
			return fallback
		}
		seeded := strconv.FormatInt(fallback.Milliseconds(), 10)
		if err := db.PutConfig(ctx, "function_execution_timeout", seeded); err != nil {
			logger.Warn("seed function_execution_timeout config failed", "error", err)
		}
		return fallback
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		logger.Warn("invalid function_execution_timeout config value, using default", "value", raw)
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
