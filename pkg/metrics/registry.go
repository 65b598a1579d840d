// Package metrics defines the metrics interfaces used across entitygraph
// and the process-global Prometheus registry gate.
//
// Components accept a nil metrics collector; a nil collector means zero
// overhead. The Prometheus implementations live in pkg/metrics/prometheus
// and are only constructed when InitRegistry has been called.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registryMu sync.RWMutex
	registry   *prometheus.Registry
)

// InitRegistry creates the global Prometheus registry with the standard Go
// and process collectors. Call once at startup, before constructing any
// store or worker. Calling it again is a no-op.
func InitRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()

	if registry != nil {
		return
	}
	registry = prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// IsEnabled reports whether the registry has been initialized. When false,
// metrics constructors return nil and components run without metrics.
func IsEnabled() bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry != nil
}

// GetRegistry returns the global registry, or nil when metrics are disabled.
func GetRegistry() *prometheus.Registry {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry
}

// Handler returns the /metrics HTTP handler. Returns http.NotFoundHandler
// when metrics are disabled so the route can be mounted unconditionally.
func Handler() http.Handler {
	reg := GetRegistry()
	if reg == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
