package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MuxMiddleware counts every request reaching the mux, including requests
// for routes the service does not serve. Comparing its totals against the
// endpoint counters shows how much unroutable traffic the service receives.
type MuxMiddleware struct {
	registry prometheus.Registerer
}

// NewMuxMiddleware creates a new MuxMiddleware instance with the provided registry.
func NewMuxMiddleware(registry prometheus.Registerer) *MuxMiddleware {
	return &MuxMiddleware{
		registry: registry,
	}
}

// Wrap instruments handler with a method and status code counter registered
// under handlerName.
func (m *MuxMiddleware) Wrap(handlerName string, handler http.Handler) http.HandlerFunc {
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"handler": handlerName}, m.registry)

	requestsTotal := promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_mux_requests_total",
			Help: "Tracks the number of HTTP requests to the mux.",
		}, []string{"method", "code"},
	)

	return promhttp.InstrumentHandlerCounter(
		requestsTotal,
		handler,
	)
}
