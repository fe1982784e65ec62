/*
Package api implements the management HTTP façade: the public surface used
to register functions, invoke them, and inspect instances and platform
stats. It is a thin translation layer — all provisioning and dispatch logic
lives in pkg/orchestrator; this package only decodes requests, calls through,
and encodes responses.

Routing is plain net/http.ServeMux with Go's method-and-path patterns
("GET /functions/{fn}"). No router library is used, matching the rest of
this codebase.

# Routes

	GET    /health               liveness
	POST   /invoke/{fn}          dispatch, merging request metadata into the body
	GET    /functions            list registered functions
	POST   /functions            register a function
	GET    /functions/{fn}       function info
	PUT    /functions/{fn}       update config and/or code
	DELETE /functions/{fn}       stop instances, remove registration
	GET    /instances            list live instances
	DELETE /instances/{rid}      stop one instance
	GET    /stats                platform and per-function stats

All responses are JSON; errors are `{"error": "<msg>"}`.
*/
package api
