package types

import "errors"

// Sentinel errors routed to specific HTTP statuses at the façade boundary.
// Callers use errors.Is against these; wrapped forms keep the underlying
// cause for logging via %w.
var (
	ErrFunctionNotFound     = errors.New("function not found")
	ErrFunctionExists       = errors.New("function already exists")
	ErrSandboxStartFailed   = errors.New("sandbox start failed")
	ErrSandboxHealthTimeout = errors.New("sandbox did not become healthy in time")
	ErrUpstreamTimeout      = errors.New("upstream timeout")
	ErrUpstreamUnavailable  = errors.New("upstream unavailable")
	ErrUpstreamProtocol     = errors.New("unexpected upstream response")
	ErrExecutorUnavailable  = errors.New("executor unavailable")
	ErrConfigInvalid        = errors.New("invalid configuration")
	ErrInstanceNotFound     = errors.New("instance not found")
)
