// Package metrics exposes router telemetry both as Prometheus collectors
// and as a JSON snapshot for the /metrics HTTP surface.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "llm_router"

// Registry is the Prometheus registry all collectors in this package
// register against. It is deliberately not the global DefaultRegisterer so
// that multiple router instances in the same process (tests) don't collide.
var Registry = prometheus.NewRegistry()
