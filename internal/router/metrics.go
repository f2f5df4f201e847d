package router

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the runtime-measurement tap appended to every assembled chain.
type Metrics struct {
	duration *prometheus.HistogramVec
	inflight prometheus.Gauge
}

// NewMetrics creates and registers the chain metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apiforge_request_duration_seconds",
			Help:    "Request duration through the full controller chain.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "method", "status"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "apiforge_requests_in_flight",
			Help: "Requests currently inside a controller chain.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.duration, m.inflight)
	}
	return m
}

// tap returns the pair of middlewares bracketing the chain: the head stamps
// the start time, the tail observes duration and status after the last
// controller ran.
func (m *Metrics) head() gin.HandlerFunc {
	return func(c *gin.Context) {
		m.inflight.Inc()
		c.Set(ctxChainStart, time.Now())
		c.Next()
	}
}

func (m *Metrics) tail(serviceID, method string) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer m.inflight.Dec()
		start, ok := c.Get(ctxChainStart)
		if !ok {
			return
		}
		startedAt, ok := start.(time.Time)
		if !ok {
			return
		}
		m.duration.WithLabelValues(serviceID, method, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(startedAt).Seconds())
	}
}
