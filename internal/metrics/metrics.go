// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus metrics for the playground pipeline and server.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	playground "github.com/buke/playground-go"
)

// Collector records pipeline and server metrics. It implements playground.Observer.
type Collector struct {
	gatherer prometheus.Gatherer

	compileRequestsTotal  prometheus.Counter
	compileResultsTotal   *prometheus.CounterVec
	compileDuration       prometheus.Histogram
	resultsDroppedTotal   prometheus.Counter
	previewBuildsTotal    *prometheus.CounterVec
	previewLatency        prometheus.Histogram
	workerRestartsTotal   prometheus.Counter
	storeChangesTotal     *prometheus.CounterVec
	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	websocketClientsGauge prometheus.Gauge
}

// New registers the playground metrics with reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Collector{
		gatherer: reg,

		compileRequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "playground_compile_requests_total",
			Help: "Total number of compile requests issued",
		}),
		compileResultsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "playground_compile_results_total",
			Help: "Total number of settled compile requests by outcome",
		}, []string{"result"}),
		compileDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "playground_compile_duration_seconds",
			Help:    "Time from issuing a compile request to its settlement",
			Buckets: prometheus.DefBuckets,
		}),
		resultsDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "playground_results_dropped_total",
			Help: "Total number of compile results discarded as stale",
		}),
		previewBuildsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "playground_preview_builds_total",
			Help: "Total number of preview documents published by outcome",
		}, []string{"outcome"}),
		previewLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "playground_preview_latency_seconds",
			Help:    "Time from issuing a compile request to publishing its preview",
			Buckets: prometheus.DefBuckets,
		}),
		workerRestartsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "playground_worker_restarts_total",
			Help: "Total number of compile worker teardowns",
		}),
		storeChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "playground_store_changes_total",
			Help: "Total number of project mutations by kind",
		}, []string{"kind"}),
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "playground_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "playground_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		websocketClientsGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "playground_websocket_clients",
			Help: "Number of connected preview websocket clients",
		}),
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// CompileIssued implements playground.Observer.
func (c *Collector) CompileIssued(seq uint64) {
	c.compileRequestsTotal.Inc()
}

// CompileSettled implements playground.Observer.
func (c *Collector) CompileSettled(seq uint64, elapsed time.Duration, err error) {
	c.compileDuration.Observe(elapsed.Seconds())
	c.compileResultsTotal.WithLabelValues(resultLabel(err)).Inc()
}

// ResultDropped implements playground.Observer.
func (c *Collector) ResultDropped(seq uint64) {
	c.resultsDroppedTotal.Inc()
}

// PreviewPublished implements playground.Observer.
func (c *Collector) PreviewPublished(doc *playground.PreviewDocument, elapsed time.Duration) {
	outcome := "previewing"
	if doc.Blocked {
		outcome = "blocked"
	}
	c.previewBuildsTotal.WithLabelValues(outcome).Inc()
	c.previewLatency.Observe(elapsed.Seconds())
}

// WorkerRestarted is a bridge restart hook, see playground.WithRestartHook.
func (c *Collector) WorkerRestarted(reason error) {
	c.workerRestartsTotal.Inc()
}

// StoreChanged is a file store listener.
func (c *Collector) StoreChanged(ev playground.ChangeEvent) {
	c.storeChangesTotal.WithLabelValues(ev.Kind.String()).Inc()
}

// WebsocketConnected adjusts the connected client gauge by delta.
func (c *Collector) WebsocketConnected(delta int) {
	c.websocketClientsGauge.Add(float64(delta))
}

// RecordHTTPRequest records an HTTP request metric.
func (c *Collector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Instrument wraps next so every request is recorded under route.
func (c *Collector) Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		c.RecordHTTPRequest(r.Method, route, sw.status, time.Since(start))
	})
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, playground.ErrSuperseded):
		return "superseded"
	case errors.Is(err, playground.ErrWorkerTimeout):
		return "timeout"
	case errors.Is(err, playground.ErrWorkerRestarted):
		return "restarted"
	default:
		return "error"
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer, which websocket
// upgrades need.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
