/*
Package metrics instruments the orchestrator with Prometheus collectors:
instance counts, invocation outcomes and latency, cold starts, and scale
events. ReapedInstancesTotal is registered as well, but no component
increments it. Collectors are registered against the default
Prometheus registry at package init so an embedder can scrape them, but this
package itself never starts an HTTP server — there is no bundled /metrics
route.
*/
package metrics
