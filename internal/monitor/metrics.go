package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// scansTotal counts scanner runs by result
	scansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calwatch_scans_total",
		Help: "Total scanner runs by result",
	}, []string{"result"})

	scanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "calwatch_scan_duration_seconds",
		Help:    "Scanner run duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	// alertsDispatched counts alerts handed to the notifier by path
	alertsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calwatch_alerts_dispatched_total",
		Help: "Alerts handed to the notifier, by path (scan or broadcast)",
	}, []string{"path"})

	firstScanSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calwatch_first_scan_suppressed_total",
		Help: "Alerts recorded as handled without notification on the first scan",
	})

	// instancesSkipped counts occurrences dropped before storage, by reason
	instancesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calwatch_instances_skipped_total",
		Help: "Alert occurrences skipped, by reason",
	}, []string{"reason"})

	broadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calwatch_broadcasts_total",
		Help: "Reminder broadcasts handled, by result",
	}, []string{"result"})

	// alarmDecisions counts wake-up scheduling outcomes by action
	alarmDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calwatch_alarm_decisions_total",
		Help: "Wake-up scheduling decisions, by action",
	}, []string{"action"})

	passesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calwatch_orchestrator_passes_total",
		Help: "Orchestrator passes, by trigger",
	}, []string{"trigger"})
)
