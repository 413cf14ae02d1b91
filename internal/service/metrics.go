package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	relaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spoolrelay_relays_total",
		Help: "Relays finished, by outcome and failure kind",
	}, []string{"outcome", "kind"})

	relayDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spoolrelay_relay_duration_seconds",
		Help:    "Wall time of a relay from first part to cleanup",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 16), // 50ms to ~27min
	}, []string{"outcome"})

	bytesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spoolrelay_bytes_relayed_total",
		Help: "Bytes acknowledged by the object store",
	})

	relaysInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spoolrelay_relays_in_flight",
		Help: "Relays currently between ingest and cleanup",
	})

	spoolLeaked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spoolrelay_spool_artifacts_kept_total",
		Help: "Spool artifacts left on disk after a failed relay",
	})
)
