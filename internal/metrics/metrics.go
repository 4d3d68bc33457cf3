// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cdmhls"

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Player and admin requests by route and status code.",
	}, []string{"route", "code"})

	SegmentsTransmuxedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segments_transmuxed_total",
		Help:      "Transmux jobs by outcome (ok, not_found, decrypt_unavailable, error).",
	}, []string{"outcome"})

	TransmuxDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "transmux_duration_seconds",
		Help:      "Wall time to fetch, decrypt and repackage one segment.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	TransmuxResetsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transmux_continuity_resets_total",
		Help:      "Timestamp continuity resets caused by non-consecutive segment requests.",
	})

	DownloadBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "download_bytes_total",
		Help:      "Bytes received from origin or local storage.",
	}, []string{"source"})

	DownloadJoinsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "download_joins_total",
		Help:      "Fetches that joined an identical transfer already in flight.",
	})

	DownloadRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "download_retries_total",
		Help:      "Origin requests retried after a transient failure.",
	})

	OutputCacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "output_cache_bytes",
		Help:      "Bytes of transmuxed TS held in memory.",
	})

	LicenseSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "license_sessions",
		Help:      "License sessions by state.",
	}, []string{"state"})

	LicenseExchangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "license_exchanges_total",
		Help:      "License server round trips by outcome.",
	}, []string{"outcome"})
)
