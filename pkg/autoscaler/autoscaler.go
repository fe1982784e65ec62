// Package autoscaler runs the hysteresis-gated control loop that keeps each
// function's warm instance count matched to its recent load.
package autoscaler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/faas/pkg/log"
	"github.com/cuemby/faas/pkg/orchestrator"
)

const (
	scaleUpThreshold   = 0.8
	scaleDownThreshold = 0.3
	minScaleInterval   = 30 * time.Second
	tickInterval       = 10 * time.Second
	errorBackoff       = 30 * time.Second
)

// Autoscaler ticks over every registered function, comparing the fraction
// of healthy instances against scaleUpThreshold/scaleDownThreshold and
// acting at most once per function per minScaleInterval.
type Autoscaler struct {
	orch   *orchestrator.Orchestrator
	logger zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// New creates an Autoscaler over orch. Call Start to begin ticking.
func New(orch *orchestrator.Orchestrator) *Autoscaler {
	return &Autoscaler{
		orch:   orch,
		logger: log.WithComponent("autoscaler"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the scaling loop on its own goroutine.
func (a *Autoscaler) Start() {
	go a.run()
}

// Stop ends the scaling loop.
func (a *Autoscaler) Stop() {
	close(a.stopCh)
}

func (a *Autoscaler) run() {
	wait := tickInterval
	for {
		select {
		case <-time.After(wait):
			if err := a.tick(); err != nil {
				a.logger.Error().Err(err).Msg("scaling cycle failed")
				wait = errorBackoff
			} else {
				wait = tickInterval
			}
		case <-a.stopCh:
			return
		}
	}
}

// tick runs one scaling pass over every registered function.
func (a *Autoscaler) tick() error {
	ctx := context.Background()

	for _, cfg := range a.orch.RegisteredFunctions() {
		total := len(a.orch.FunctionInstances(cfg.Name))
		if total == 0 {
			continue
		}

		if time.Since(a.orch.LastScaleEvent(cfg.Name)) < minScaleInterval {
			continue
		}

		healthy, total := a.orch.HealthyCount(ctx, cfg.Name)
		if total == 0 {
			continue
		}
		load := float64(healthy) / float64(total)

		switch {
		case healthy > 0 && load > scaleUpThreshold && total < cfg.MaxInstances:
			a.logger.Info().Str("function_name", cfg.Name).Float64("load", load).Msg("scaling up")
			if err := a.orch.ScaleUp(ctx, cfg); err != nil {
				a.logger.Error().Err(err).Str("function_name", cfg.Name).Msg("scale up failed")
			}
		case total > cfg.MinInstances && load < scaleDownThreshold:
			a.logger.Info().Str("function_name", cfg.Name).Float64("load", load).Msg("scaling down")
			if err := a.orch.ScaleDown(ctx, cfg.Name); err != nil {
				a.logger.Error().Err(err).Str("function_name", cfg.Name).Msg("scale down failed")
			}
		}
	}
	return nil
}
