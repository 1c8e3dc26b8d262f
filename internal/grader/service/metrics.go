package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querylab_attempts_total",
		Help: "Attempts by terminal status and outcome",
	}, []string{"status", "outcome"})

	sandboxDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "querylab_sandbox_duration_seconds",
		Help:    "Wall-clock duration of query shell runs",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 8},
	}, []string{"status"})

	probeRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querylab_probe_runs_total",
		Help: "Diagnostic probes run after empty results",
	}, []string{"result"})

	ledgerDegradedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querylab_ledger_degraded_total",
		Help: "Terminal attempt writes that were partial or lost",
	}, []string{"kind"})
)
