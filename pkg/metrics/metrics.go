package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/amoylab/polyroom/internal/common/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the session collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	connectAttempts prometheus.Counter
	reconnects      prometheus.Counter
	exhausted       prometheus.Counter
	framesReceived  *prometheus.CounterVec
	framesDropped   prometheus.Counter
	framesSent      *prometheus.CounterVec
	sessionState    *prometheus.GaugeVec
	rosterSize      prometheus.Gauge
	rosterFetch     *prometheus.CounterVec
	rosterFetchDur  prometheus.Histogram
	httpReqCnt      *prometheus.CounterVec
	httpDur         *prometheus.HistogramVec
}

func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry:        r,
		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "connect_attempts_total"}),
		reconnects:      prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "reconnects_scheduled_total"}),
		exhausted:       prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "reconnects_exhausted_total"}),
		framesReceived:  prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "frames_received_total"}, []string{"type"}),
		framesDropped:   prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "frames_dropped_total"}),
		framesSent:      prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "frames_sent_total"}, []string{"type"}),
		sessionState:    prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "session_state"}, []string{"state"}),
		rosterSize:      prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "roster_size"}),
		rosterFetch:     prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "roster_fetch_total"}, []string{"result"}),
		rosterFetchDur:  prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: ns, Name: "roster_fetch_duration_seconds", Buckets: buckets}),
		httpReqCnt:      prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "status_http_requests_total"}, []string{"method", "route", "status"}),
		httpDur:         prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "status_http_request_duration_seconds", Buckets: buckets}, []string{"method", "route", "status"}),
	}
	r.MustRegister(m.connectAttempts, m.reconnects, m.exhausted)
	r.MustRegister(m.framesReceived, m.framesDropped, m.framesSent)
	r.MustRegister(m.sessionState, m.rosterSize, m.rosterFetch, m.rosterFetchDur)
	r.MustRegister(m.httpReqCnt, m.httpDur)
	return m
}

func (m *Metrics) ConnectAttempt() {
	if m == nil {
		return
	}
	m.connectAttempts.Inc()
}

func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) ReconnectsExhausted() {
	if m == nil {
		return
	}
	m.exhausted.Inc()
}

func (m *Metrics) FrameReceived(msgType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) FrameDropped() {
	if m == nil {
		return
	}
	m.framesDropped.Inc()
}

func (m *Metrics) FrameSent(msgType string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(msgType).Inc()
}

// SetState marks state as the only active state
func (m *Metrics) SetState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.sessionState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) SetRosterSize(n int) {
	if m == nil {
		return
	}
	m.rosterSize.Set(float64(n))
}

// RosterFetchDone records one snapshot fetch; result is applied, ignored, stale or error
func (m *Metrics) RosterFetchDone(result string, since time.Time) {
	if m == nil {
		return
	}
	m.rosterFetch.WithLabelValues(result).Inc()
	m.rosterFetchDur.Observe(time.Since(since).Seconds())
}

func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
