// Package observability runs the optional HTTP side channel: Prometheus
// /metrics, /healthz and, when enabled, net/http/pprof.
package observability
