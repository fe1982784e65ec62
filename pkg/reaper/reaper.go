// Package reaper runs the background sweep that evicts instances idle past
// their TTL and repairs the orchestrator's tracking when an executor loses
// an instance without going through the normal stop path.
package reaper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/faas/pkg/log"
	"github.com/cuemby/faas/pkg/orchestrator"
)

// tickInterval mirrors the source implementation's 60s cleanup loop.
const tickInterval = 60 * time.Second

// Reaper periodically stops instances idle past ttl and reconciles orphaned
// tracking entries.
type Reaper struct {
	orch   *orchestrator.Orchestrator
	ttl    time.Duration
	logger zerolog.Logger
	stopCh chan struct{}
}

// New creates a Reaper that evicts instances idle longer than ttl.
func New(orch *orchestrator.Orchestrator, ttl time.Duration) *Reaper {
	return &Reaper{
		orch:   orch,
		ttl:    ttl,
		logger: log.WithComponent("reaper"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the sweep loop on its own goroutine.
func (r *Reaper) Start() {
	go r.run()
}

// Stop ends the sweep loop.
func (r *Reaper) Stop() {
	close(r.stopCh)
}

func (r *Reaper) run() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	r.logger.Info().Dur("ttl", r.ttl).Msg("reaper started")

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			return
		}
	}
}

// sweep runs one cleanup pass: TTL eviction via every executor, then orphan
// reconciliation against the orchestrator's indices. Grounded on the
// source's _cleanup_loop, which does both in the same 60s tick.
func (r *Reaper) sweep() {
	ctx := context.Background()
	r.orch.CleanupExpired(ctx, r.ttl)
}
