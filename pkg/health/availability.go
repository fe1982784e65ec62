package health

import (
	"context"
	"fmt"
	"time"
)

// AvailabilityProbeTimeout is the fixed timeout for the orchestrator's
// instance-availability probe. Not configurable: a short, fixed probe is
// what keeps dispatch latency bounded.
const AvailabilityProbeTimeout = 2 * time.Second

// Available reports whether the instance at the given loopback port answers
// GET /health with exactly 200 within AvailabilityProbeTimeout. This is a
// narrower check than HTTPChecker's configurable status range: the dispatch
// and autoscale paths require an exact 200, not merely a 2xx/3xx.
func Available(ctx context.Context, port int) bool {
	checker := NewHTTPChecker(fmt.Sprintf("http://127.0.0.1:%d/health", port)).
		WithStatusRange(200, 200).
		WithTimeout(AvailabilityProbeTimeout)
	return checker.Check(ctx).Healthy
}
