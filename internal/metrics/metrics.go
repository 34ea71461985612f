package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wispedge_http_requests_total",
		Help: "Total HTTP requests by hostname class and status code.",
	}, []string{"host_class", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wispedge_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds by hostname class.",
		Buckets: prometheus.DefBuckets,
	}, []string{"host_class"})

	ingestEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wispedge_ingest_events_total",
		Help: "Total firehose commit events by operation and outcome.",
	}, []string{"operation", "outcome"})

	snapshotSwaps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wispedge_snapshot_swaps_total",
		Help: "Total successful snapshot materializations.",
	})

	snapshotDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "wispedge_snapshot_duration_seconds",
		Help:    "Wall time to materialize one snapshot.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms → ~3.4min
	})

	blobDownloads = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wispedge_blob_downloads_total",
		Help: "Total blob downloads from upstream PDSes.",
	})

	blobBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wispedge_blob_download_bytes_total",
		Help: "Total bytes downloaded from upstream PDSes.",
	})

	cacheEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wispedge_cache_events_total",
		Help: "In-memory cache hits and misses by cache name.",
	}, []string{"cache", "event"})

	dnsChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wispedge_dns_verifications_total",
		Help: "Custom domain DNS verification results.",
	}, []string{"result"})

	streamConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wispedge_stream_connected",
		Help: "Whether the firehose connection is currently up.",
	})
)

func init() {
	prometheus.MustRegister(
		httpRequests,
		httpDuration,
		ingestEvents,
		snapshotSwaps,
		snapshotDuration,
		blobDownloads,
		blobBytes,
		cacheEvents,
		dnsChecks,
		streamConnected,
	)
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records an HTTP request against a hostname class.
func ObserveRequest(hostClass string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(hostClass, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(hostClass).Observe(duration.Seconds())
}

// CountIngestEvent records one firehose commit by operation and outcome.
func CountIngestEvent(operation, outcome string) {
	ingestEvents.WithLabelValues(operation, outcome).Inc()
}

// ObserveSnapshot records a completed materialization.
func ObserveSnapshot(duration time.Duration) {
	snapshotSwaps.Inc()
	snapshotDuration.Observe(duration.Seconds())
}

// CountBlobDownload records one upstream blob transfer.
func CountBlobDownload(sizeBytes int64) {
	blobDownloads.Inc()
	blobBytes.Add(float64(sizeBytes))
}

// CountCacheEvent records a hit or miss for a named in-memory cache.
func CountCacheEvent(cache string, hit bool) {
	event := "miss"
	if hit {
		event = "hit"
	}
	cacheEvents.WithLabelValues(cache, event).Inc()
}

// CountDNSCheck records one custom domain verification result.
func CountDNSCheck(result string) {
	dnsChecks.WithLabelValues(result).Inc()
}

// SetStreamConnected flips the firehose connectivity gauge.
func SetStreamConnected(up bool) {
	if up {
		streamConnected.Set(1)
	} else {
		streamConnected.Set(0)
	}
}
