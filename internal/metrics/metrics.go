// Package metrics collects and exposes Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what services and middleware report to.
type Recorder interface {
	RecordHTTP(route, method string, status int, d time.Duration)
	RecordAttendance(method, status string)
	RecordAICall(flow, outcome string, d time.Duration)
	RecordAICost(usd float64)
	RecordCheckinJob(outcome string)
}

// Collector is the Prometheus implementation of Recorder.
type Collector struct {
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
	attendance   *prometheus.CounterVec
	aiCalls      *prometheus.CounterVec
	aiLatency    *prometheus.HistogramVec
	aiCost       prometheus.Counter
	checkinJobs  *prometheus.CounterVec
}

// NewCollector creates a Collector and registers it on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendx_http_requests_total",
			Help: "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "attendx_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		attendance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendx_attendance_records_total",
			Help: "Attendance records written by method and status.",
		}, []string{"method", "status"}),
		aiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendx_ai_calls_total",
			Help: "Generative AI calls by flow and outcome.",
		}, []string{"flow", "outcome"}),
		aiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "attendx_ai_call_duration_seconds",
			Help:    "Generative AI call latency.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}, []string{"flow"}),
		aiCost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attendx_ai_cost_usd_total",
			Help: "Estimated generative AI spend in USD.",
		}),
		checkinJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendx_checkin_jobs_total",
			Help: "Asynchronous check-in jobs by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.httpRequests,
		c.httpLatency,
		c.attendance,
		c.aiCalls,
		c.aiLatency,
		c.aiCost,
		c.checkinJobs,
	)
	return c
}

func (c *Collector) RecordHTTP(route, method string, status int, d time.Duration) {
	c.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	c.httpLatency.WithLabelValues(route).Observe(d.Seconds())
}

func (c *Collector) RecordAttendance(method, status string) {
	c.attendance.WithLabelValues(method, status).Inc()
}

func (c *Collector) RecordAICall(flow, outcome string, d time.Duration) {
	c.aiCalls.WithLabelValues(flow, outcome).Inc()
	c.aiLatency.WithLabelValues(flow).Observe(d.Seconds())
}

func (c *Collector) RecordAICost(usd float64) {
	if usd > 0 {
		c.aiCost.Add(usd)
	}
}

func (c *Collector) RecordCheckinJob(outcome string) {
	c.checkinJobs.WithLabelValues(outcome).Inc()
}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordHTTP(string, string, int, time.Duration) {}
func (Nop) RecordAttendance(string, string) {}
func (Nop) RecordAICall(string, string, time.Duration) {}
func (Nop) RecordAICost(float64) {}
func (Nop) RecordCheckinJob(string) {}
