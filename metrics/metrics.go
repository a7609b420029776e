// Package metrics registers the engine's Prometheus collectors.
//
// Recording functions are safe to call before Init; they do nothing until the
// collectors are registered, so calculation packages and tests need no setup.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "lease_engine_"

	ResultSuccess = "success"
	ResultError   = "error"
	ResultPassed  = "passed"
	ResultFailed  = "failed"
)

var (
	registerOnce sync.Once

	scheduleBuildTotal   *prometheus.CounterVec
	scheduleBuildLatency *prometheus.HistogramVec

	remeasurementTotal *prometheus.CounterVec

	impairmentTotal *prometheus.CounterVec

	postingTotal *prometheus.CounterVec

	reconciliationTotal *prometheus.CounterVec

	httpRequestsTotal  *prometheus.CounterVec
	httpRequestLatency *prometheus.HistogramVec
)

// Init registers the collectors with reg (prometheus.DefaultRegisterer when nil).
func Init(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		scheduleBuildTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "schedule_builds_total",
				Help: "Total schedule builds by mode and result",
			},
			[]string{"mode", "result"},
		)
		scheduleBuildLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "schedule_build_latency_seconds",
				Help:    "Schedule build latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode"},
		)
		remeasurementTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "remeasurements_total",
				Help: "Total applied remeasurements by kind and result",
			},
			[]string{"kind", "result"},
		)
		impairmentTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "impairment_assessments_total",
				Help: "Total impairment assessments by level and result",
			},
			[]string{"level", "result"},
		)
		postingTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "postings_total",
				Help: "Total GL postings by source and result",
			},
			[]string{"source", "result"},
		)
		reconciliationTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reconciliations_total",
				Help: "Total reconciliation checks by outcome",
			},
			[]string{"outcome"},
		)

		httpRequestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "http_requests_total",
				Help: "Total HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		)
		httpRequestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		)

		reg.MustRegister(
			scheduleBuildTotal,
			scheduleBuildLatency,
			remeasurementTotal,
			impairmentTotal,
			postingTotal,
			reconciliationTotal,
			httpRequestsTotal,
			httpRequestLatency,
		)
	})
}

// Result maps an error to a result label.
func Result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}

func ObserveScheduleBuild(mode string, started time.Time, err error) {
	if scheduleBuildTotal == nil {
		return
	}
	scheduleBuildTotal.WithLabelValues(mode, Result(err)).Inc()
	scheduleBuildLatency.WithLabelValues(mode).Observe(time.Since(started).Seconds())
}

func RecordRemeasurement(kind string, err error) {
	if remeasurementTotal == nil {
		return
	}
	remeasurementTotal.WithLabelValues(kind, Result(err)).Inc()
}

func RecordImpairment(level string, err error) {
	if impairmentTotal == nil {
		return
	}
	impairmentTotal.WithLabelValues(level, Result(err)).Inc()
}

func RecordPosting(source string, err error) {
	if postingTotal == nil {
		return
	}
	postingTotal.WithLabelValues(source, Result(err)).Inc()
}

func RecordReconciliation(passed bool) {
	if reconciliationTotal == nil {
		return
	}
	outcome := ResultFailed
	if passed {
		outcome = ResultPassed
	}
	reconciliationTotal.WithLabelValues(outcome).Inc()
}

func ObserveHTTPRequest(method, route string, status int, started time.Time) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestLatency.WithLabelValues(method, route).Observe(time.Since(started).Seconds())
}
