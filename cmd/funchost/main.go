// Command funchost is the reference runtime-host binary: every process
// instance execs this as its entrypoint, reads its configuration
// from the runtime-host contract's environment variables, and serves
// invocations until it receives a termination signal.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cuemby/faas/pkg/log"
	"github.com/cuemby/faas/pkg/runtimehost"
	"github.com/cuemby/faas/pkg/types"
)

func main() {
	log.Init(log.Config{Level: log.Level(getenv(types.EnvLogLevel, "info"))})
	logger := log.WithComponent("runtimehost")

	port, err := strconv.Atoi(getenv(types.EnvRuntimePort, "8000"))
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid RUNTIME_PORT")
	}
	host := getenv(types.EnvRuntimeHost, "0.0.0.0")
	functionPath := getenv(types.EnvFunctionPath, "/tmp/user_function.so")
	handlerSymbol := getenv(types.EnvHandlerSymbol, "Handle")
	timeoutSeconds, err := strconv.Atoi(getenv(types.EnvFunctionTime, "30"))
	if err != nil {
		timeoutSeconds = 30
	}
	mode := getenv(types.EnvExecutionMode, "unknown")
	runtimeID := getenv(types.EnvRuntimeID, "unknown")

	logger = logger.With().Str("runtime_id", runtimeID).Str("execution_mode", mode).Logger()
	logger.Info().Str("function_path", functionPath).Int("port", port).Msg("runtime host starting")

	loader := runtimehost.NewFunctionLoader(functionPath, handlerSymbol)
	if _, err := loader.Load(); err != nil {
		logger.Error().Err(err).Msg("function validation failed")
	} else {
		logger.Info().Msg("function validation successful")
	}

	srv := runtimehost.NewServer(host, port, loader, time.Duration(timeoutSeconds)*time.Second, mode)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("runtime host exited unexpectedly")
		}
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
