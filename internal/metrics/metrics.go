package metrics

/*
ctingest — load Certificate Transparency logs into analytical stores
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry           = prometheus.NewRegistry()
	defaultRegisterer  = promauto.With(registry)
	metricsInitialized sync.Once
	metricsEnabled     bool
	metricsServer      *http.Server
)

// Metrics contains all the Prometheus metrics for the pipeline.
type Metrics struct {
	// Fetch side
	FetchRequestsTotal  *prometheus.CounterVec
	FetchDuration       *prometheus.HistogramVec
	FetchRetriesTotal   *prometheus.CounterVec
	EntriesFetchedTotal *prometheus.CounterVec
	DroppedRangesTotal  *prometheus.CounterVec
	DroppedEntriesTotal *prometheus.CounterVec
	FetchersInFlight    prometheus.Gauge

	// Buffer
	BufferDepth prometheus.Gauge

	// Load side
	BatchesLoadedTotal    prometheus.Counter
	EntriesProcessedTotal prometheus.Counter
	DecodeFailuresTotal   *prometheus.CounterVec
	RowsWrittenTotal      *prometheus.CounterVec
	SinkWriteDuration     *prometheus.HistogramVec
	SinkErrorsTotal       *prometheus.CounterVec
}

var globalMetrics *Metrics
var metricsOnce sync.Once

// GetMetrics returns the global metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = newMetrics()
	})
	return globalMetrics
}

// EnableMetrics enables metrics collection.
func EnableMetrics() {
	metricsEnabled = true
}

// IsMetricsEnabled returns whether metrics collection is enabled.
func IsMetricsEnabled() bool {
	return metricsEnabled
}

func newMetrics() *Metrics {
	buckets := []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

	return &Metrics{
		FetchRequestsTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctingest_fetch_requests_total",
				Help: "get-entries and get-sth requests by outcome",
			},
			[]string{"log_url", "endpoint", "status"},
		),
		FetchDuration: defaultRegisterer.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ctingest_fetch_duration_seconds",
				Help:    "Latency of requests to the CT log",
				Buckets: buckets,
			},
			[]string{"log_url", "endpoint"},
		),
		FetchRetriesTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctingest_fetch_retries_total",
				Help: "Failed get-entries attempts that were retried",
			},
			[]string{"log_url"},
		),
		EntriesFetchedTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctingest_entries_fetched_total",
				Help: "Raw entries pushed into the buffer",
			},
			[]string{"log_url"},
		),
		DroppedRangesTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctingest_dropped_ranges_total",
				Help: "Index ranges abandoned after exhausting retries",
			},
			[]string{"log_url"},
		),
		DroppedEntriesTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctingest_dropped_entries_total",
				Help: "Entries inside abandoned ranges",
			},
			[]string{"log_url"},
		),
		FetchersInFlight: defaultRegisterer.NewGauge(
			prometheus.GaugeOpts{
				Name: "ctingest_fetchers_in_flight",
				Help: "Outstanding range claims",
			},
		),
		BufferDepth: defaultRegisterer.NewGauge(
			prometheus.GaugeOpts{
				Name: "ctingest_buffer_depth",
				Help: "Batches waiting in the buffer",
			},
		),
		BatchesLoadedTotal: defaultRegisterer.NewCounter(
			prometheus.CounterOpts{
				Name: "ctingest_batches_loaded_total",
				Help: "Batches decoded and written",
			},
		),
		EntriesProcessedTotal: defaultRegisterer.NewCounter(
			prometheus.CounterOpts{
				Name: "ctingest_entries_processed_total",
				Help: "Raw entries consumed by load workers, including ones that failed to decode",
			},
		),
		DecodeFailuresTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctingest_decode_failures_total",
				Help: "Entries dropped by the decoder",
			},
			[]string{"reason"},
		),
		RowsWrittenTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctingest_rows_written_total",
				Help: "Certificate rows persisted",
			},
			[]string{"sink"},
		),
		SinkWriteDuration: defaultRegisterer.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ctingest_sink_write_duration_seconds",
				Help:    "Latency of one bulk write",
				Buckets: buckets,
			},
			[]string{"sink"},
		),
		SinkErrorsTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctingest_sink_errors_total",
				Help: "Failed bulk write attempts",
			},
			[]string{"sink"},
		),
	}
}

// StartMetricsServer starts an HTTP server exposing /metrics. It is a no-op unless metrics are enabled.
func StartMetricsServer(addr string) error {
	if !metricsEnabled {
		return nil
	}

	metricsInitialized.Do(func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

		metricsServer = &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			log.Printf("Starting metrics server on %s", addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	})
	return nil
}

// ShutdownMetricsServer gracefully shuts down the metrics server.
func ShutdownMetricsServer(ctx context.Context) error {
	if metricsServer != nil {
		log.Println("Shutting down metrics server...")
		return metricsServer.Shutdown(ctx)
	}
	return nil
}

// MeasureDuration starts a timer; the returned func observes the elapsed time.
func MeasureDuration(histogram *prometheus.HistogramVec, labels ...string) func() {
	if !metricsEnabled {
		return func() {}
	}
	start := time.Now()
	return func() {
		histogram.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
	}
}

// RecordFetch counts one request to the log.
func (m *Metrics) RecordFetch(logURL, endpoint, status string) {
	if !metricsEnabled {
		return
	}
	m.FetchRequestsTotal.WithLabelValues(logURL, endpoint, status).Inc()
}

// RecordRetry counts one retried get-entries attempt.
func (m *Metrics) RecordRetry(logURL string) {
	if !metricsEnabled {
		return
	}
	m.FetchRetriesTotal.WithLabelValues(logURL).Inc()
}

// RecordFetched counts entries pushed into the buffer.
func (m *Metrics) RecordFetched(logURL string, n int) {
	if !metricsEnabled {
		return
	}
	m.EntriesFetchedTotal.WithLabelValues(logURL).Add(float64(n))
}

// RecordDropped counts one abandoned range of n entries.
func (m *Metrics) RecordDropped(logURL string, n uint64) {
	if !metricsEnabled {
		return
	}
	m.DroppedRangesTotal.WithLabelValues(logURL).Inc()
	m.DroppedEntriesTotal.WithLabelValues(logURL).Add(float64(n))
}

// SetInFlight sets the outstanding claim gauge.
func (m *Metrics) SetInFlight(n int) {
	if !metricsEnabled {
		return
	}
	m.FetchersInFlight.Set(float64(n))
}

// SetBufferDepth sets the buffer depth gauge.
func (m *Metrics) SetBufferDepth(n int) {
	if !metricsEnabled {
		return
	}
	m.BufferDepth.Set(float64(n))
}

// RecordDecodeFailure counts one entry the decoder rejected.
func (m *Metrics) RecordDecodeFailure(reason string) {
	if !metricsEnabled {
		return
	}
	m.DecodeFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordBatchLoaded counts one written batch of raw entries and rows.
func (m *Metrics) RecordBatchLoaded(sink string, rawEntries, rows int) {
	if !metricsEnabled {
		return
	}
	m.BatchesLoadedTotal.Inc()
	m.EntriesProcessedTotal.Add(float64(rawEntries))
	m.RowsWrittenTotal.WithLabelValues(sink).Add(float64(rows))
}

// RecordSinkError counts one failed write attempt.
func (m *Metrics) RecordSinkError(sink string) {
	if !metricsEnabled {
		return
	}
	m.SinkErrorsTotal.WithLabelValues(sink).Inc()
}
