// Command faasd is the platform entrypoint: it wires the registry, both
// executors, the orchestrator, the autoscaler, the reaper, and the
// management façade together and runs until it receives a termination
// signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/faas/pkg/api"
	"github.com/cuemby/faas/pkg/autoscaler"
	"github.com/cuemby/faas/pkg/config"
	"github.com/cuemby/faas/pkg/executor"
	"github.com/cuemby/faas/pkg/executor/container"
	"github.com/cuemby/faas/pkg/executor/process"
	"github.com/cuemby/faas/pkg/log"
	"github.com/cuemby/faas/pkg/orchestrator"
	"github.com/cuemby/faas/pkg/reaper"
	"github.com/cuemby/faas/pkg/registry"
	"github.com/cuemby/faas/pkg/storage"
	"github.com/cuemby/faas/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML system config (defaults are used if omitted)")
	facadeAddr := flag.String("addr", "", "override the facade_host:facade_port from config")
	disableContainer := flag.Bool("no-container-executor", false, "skip starting the container executor even if containerd is reachable")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "faasd: %v\n", err)
		os.Exit(1)
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("faasd")

	store, err := storage.NewBoltStore(cfg.RegistryStorePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open registry store")
	}
	defer store.Close()

	reg, err := registry.New(store)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load function registry")
	}

	ctx := context.Background()
	executors := map[types.ExecutionMode]executor.Executor{
		types.ExecutionModeProcess: process.NewExecutor(cfg.RuntimeHostPath, cfg.CgroupRoot, cfg.ProcessPortRangeStart, cfg.ProcessPortRangeEnd),
	}

	// The container executor is an optional deployment: it needs a reachable
	// containerd socket, absent on many development hosts. Its failure to
	// start never stops the process executor from serving (§9:
	// ExecutorUnavailable is fatal for that executor only).
	if !*disableContainer {
		containerExec, err := container.NewExecutor(ctx, cfg.ContainerRuntimeSocket, cfg.ContainerBaseImage, cfg.ProcessPortRangeStart, cfg.ProcessPortRangeEnd)
		if err != nil {
			logger.Warn().Err(err).Msg("container executor unavailable, continuing with process executor only")
		} else {
			executors[types.ExecutionModeContainer] = containerExec
		}
	}

	for mode, exec := range executors {
		if !exec.HealthCheck(ctx) {
			logger.Warn().Str("mode", string(mode)).Msg("executor failed its startup health check")
		}
	}

	orch := orchestrator.New(reg, executors, cfg)
	orch.PreWarm(ctx)

	scaler := autoscaler.New(orch)
	scaler.Start()

	reap := reaper.New(orch, time.Duration(cfg.WarmInstanceTTLSeconds)*time.Second)
	reap.Start()

	addr := fmt.Sprintf("%s:%d", cfg.FacadeHost, cfg.FacadePort)
	if *facadeAddr != "" {
		addr = *facadeAddr
	}
	facade := api.NewServer(addr, reg, orch)

	errCh := make(chan error, 1)
	go func() { errCh <- facade.ListenAndServe() }()
	logger.Info().Str("addr", addr).Msg("management facade listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("facade server exited unexpectedly")
		}
	}

	scaler.Stop()
	reap.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := facade.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("facade shutdown did not complete cleanly")
	}
	orch.Shutdown(shutdownCtx)

	logger.Info().Msg("shutdown complete")
}
