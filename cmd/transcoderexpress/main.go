package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"transcoderexpress/internal/committer"
	"transcoderexpress/internal/database"
	"transcoderexpress/internal/encoder"
	"transcoderexpress/internal/events"
	"transcoderexpress/internal/filesystem"
	"transcoderexpress/internal/handlers"
	"transcoderexpress/internal/job"
	"transcoderexpress/internal/logging"
	"transcoderexpress/internal/memory"
	"transcoderexpress/internal/metrics"
	"transcoderexpress/internal/orchestrator"
	"transcoderexpress/internal/queue"
	"transcoderexpress/internal/registry"
	"transcoderexpress/internal/scanner"
	"transcoderexpress/internal/startup"
	"transcoderexpress/internal/workers"
)

const httpShutdownTimeout = 5 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		startup.LogFatal("%v", err)
	}
}

// run wires SIGINT/SIGTERM to cancellation and runs the agent until it stops.
func run(args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			startup.LogShutdownInitiated(sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	return runWithContext(ctx, args)
}

func runWithContext(ctx context.Context, args []string) error {
	startTime := time.Now()

	config, err := startup.LoadConfig(args)
	switch {
	case errors.Is(err, flag.ErrHelp):
		return nil
	case errors.Is(err, startup.ErrVersion):
		fmt.Println(startup.VersionString())
		return nil
	case err != nil:
		return fmt.Errorf("configuration error: %w", err)
	}

	startup.LogMemoryConfig(memory.ConfigureFromEnv(), config.Concurrency)

	filesystem.SetObserver(metrics.NewFilesystemObserver())
	filesystem.SetDefaultVolumeResolver(filesystem.NewVolumeResolver(map[string]string{
		"input":  config.InputDir,
		"output": config.OutputDir,
		"state":  config.StateDir,
	}))
	metrics.InitializeMetrics()
	metrics.SetAppInfo(startup.Version, startup.Commit, startup.GoVersion)

	return runAgent(ctx, config, startTime)
}

func runAgent(ctx context.Context, config *startup.Config, startTime time.Time) error {
	reporter := events.Multi(events.NewLogReporter(), metrics.NewEventReporter())

	// Registry, rehydrated from the state database
	stateStart := time.Now()
	db, err := database.New(ctx, config.DatabasePath, nil)
	if err != nil {
		return fmt.Errorf("failed to open state database: %w", err)
	}

	reg, err := registry.New(ctx, registry.Options{
		RetryLimit:     config.RetryLimit,
		InitialBackoff: config.InitialBackoff,
		MaxBackoff:     config.MaxBackoff,
		Naming: job.Naming{
			Root:   config.OutputDir,
			Suffix: config.OutputSuffix,
			Ext:    config.OutputExt,
		},
		Store:    db,
		Reporter: reporter,
	})
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close database: %v", closeErr)
		}
		return fmt.Errorf("failed to load job registry: %w", err)
	}
	startup.LogStateInit(db.Path(), reg.Len(), countsByName(reg.Counts()), time.Since(stateStart))

	orch, err := buildPipeline(ctx, config, reg, reporter)
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if closeErr := reg.Close(closeCtx); closeErr != nil {
			logging.Error("failed to close registry: %v", closeErr)
		}
		return err
	}

	collector := metrics.NewCollector(orch, config.DatabasePath, config.MetricsInterval)
	collector.Start()
	defer collector.Stop()

	g, gctx := errgroup.WithContext(ctx)

	var srv *http.Server
	if config.HTTPAddr != "" {
		h := handlers.New(reg, orch)
		router := h.Router()
		startup.LogHTTPRoutes(router, config.LogHealthChecks)

		ln, err := net.Listen("tcp", config.HTTPAddr)
		if err != nil {
			// Nothing has run yet; the registry still needs its final flush.
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if closeErr := reg.Close(closeCtx); closeErr != nil {
				logging.Error("failed to close registry: %v", closeErr)
			}
			return fmt.Errorf("failed to listen on %s: %w", config.HTTPAddr, err)
		}

		srv = &http.Server{
			Handler: handlers.Wrap(router, handlers.Config{
				LogHealthChecks: config.LogHealthChecks,
				CORSOrigins:     config.CORSOrigins,
			}),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status API: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			startup.LogShutdownStep("Shutting down HTTP server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), httpShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logging.Warn("Server shutdown error: %v", err)
				return nil
			}
			startup.LogShutdownStepComplete("HTTP server stopped")
			return nil
		})

		config.HTTPAddr = ln.Addr().String()
	}

	g.Go(func() error {
		return orch.Run(gctx)
	})

	startup.LogAgentStarted(startup.AgentInfo{
		HTTPAddr:        config.HTTPAddr,
		Workers:         config.Concurrency,
		StartupDuration: time.Since(startTime),
	})

	err = g.Wait()
	startup.LogShutdownComplete()
	return err
}

// buildPipeline assembles everything between the registry and the
// orchestrator.
func buildPipeline(ctx context.Context, config *startup.Config, reg *registry.Registry, reporter events.Reporter) (*orchestrator.Orchestrator, error) {
	enc, err := encoder.New(encoder.Config{
		Command: config.EncoderCommand,
		Timeout: config.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid encoder command: %w", err)
	}
	_ = startup.LogEncoderCheck(ctx, enc)

	retry := filesystem.DefaultRetryConfig()

	sc, err := scanner.New(scanner.Options{
		InputRoot:  config.InputDir,
		OutputRoot: config.OutputDir,
		Extensions: config.Extensions,
		Quiescence: config.Quiescence,
		Reporter:   reporter,
		Retry:      retry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create scanner: %w", err)
	}

	q := queue.New(config.QueueSize, config.QueuePolicy)
	com := committer.New(retry)

	pool := workers.NewPool(workers.PoolOptions{
		Size:      config.Concurrency,
		Registry:  reg,
		Queue:     q,
		Encoder:   enc,
		Committer: com,
		Reporter:  reporter,
	})

	opts := orchestrator.Options{
		Scanner:       sc,
		Registry:      reg,
		Queue:         q,
		Pool:          pool,
		Encoder:       enc,
		Sweeper:       com,
		OutputRoot:    config.OutputDir,
		ScanInterval:  config.ScanInterval,
		ShutdownGrace: config.ShutdownGrace,
		Reporter:      reporter,
	}

	if config.Watch {
		w, err := scanner.NewWatcher(config.InputDir, config.OutputDir)
		if err != nil {
			logging.Warn("Filesystem watcher unavailable, relying on periodic scans: %v", err)
		} else {
			opts.Watcher = w
		}
	}
	startup.LogPipelineInit(pool.Size(), opts.Watcher != nil)

	return orchestrator.New(opts)
}

func countsByName(counts map[job.State]int) map[string]int {
	out := make(map[string]int, len(counts))
	for state, n := range counts {
		out[string(state)] = n
	}
	return out
}
