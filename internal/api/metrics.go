package api

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/adjutant-project/adjutant/internal/events"
)

// Prometheus collectors, registered on the default registry at
// package init and served by /metrics.
var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adjutant",
		Name:      "http_requests_total",
		Help:      "HTTP requests served, by method, route and status.",
	}, []string{"method", "path", "status"})

	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adjutant",
		Name:      "commands_total",
		Help:      "Console commands executed, by server and outcome.",
	}, []string{"server", "outcome"})

	commandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "adjutant",
		Name:      "command_duration_seconds",
		Help:      "Whole-operation console command duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"server"})
)

// RequestMetrics counts requests per matched route. The route template
// is used rather than the raw path to keep label cardinality bounded.
func RequestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status()),
		).Inc()
	}
}

// subscribeMetrics feeds the command collectors from the event bus,
// so commands issued from the CLI and the scheduler are counted, not
// just the ones that came in over HTTP.
func (s *Server) subscribeMetrics() {
	record := func(ctx context.Context, ev events.Event) error {
		payload, ok := ev.Payload.(events.CommandPayload)
		if !ok {
			return nil
		}
		commandsTotal.WithLabelValues(payload.Server, payload.Outcome.String()).Inc()
		commandDuration.WithLabelValues(payload.Server).Observe(float64(payload.DurationMS) / 1000)
		return nil
	}

	s.eventBus.Subscribe(events.EventCommandExecuted, "api.metrics.commandExecuted", record)
	s.eventBus.Subscribe(events.EventCommandFailed, "api.metrics.commandFailed", record)
}
