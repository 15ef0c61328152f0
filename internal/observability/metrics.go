// Package observability holds the Prometheus collectors shared across the bot.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ddlbot"

var (
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "run",
		Name:      "total",
		Help:      "Completed runs by trigger and result (success, partial, failed, busy).",
	}, []string{"trigger", "result"})

	runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "run",
		Name:      "duration_seconds",
		Help:      "Wall time of one fetch-filter-deliver-record cycle.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"trigger"})

	runFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "run",
		Name:      "failures_total",
		Help:      "Failed runs by the step that failed.",
	}, []string{"step"})

	lastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "run",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the most recent run that recorded its items.",
	})

	fetchedItems = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "source",
		Name:      "outstanding_items",
		Help:      "Items returned by the most recent successful fetch.",
	})

	unseenItems = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "unseen_items_total",
		Help:      "Items found to be new across all runs.",
	})

	ledgerStatements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "statements_total",
		Help:      "Statements sent to the ledger backend by driver and operation.",
	}, []string{"driver", "op"})

	deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sink",
		Name:      "deliveries_total",
		Help:      "Sink outcomes by sink and status (delivered, skipped, failed).",
	}, []string{"sink", "status"})

	deliveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sink",
		Name:      "push_duration_seconds",
		Help:      "Time spent in one sink push.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"sink"})

	goroutinePanics = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runtime",
		Name:      "goroutine_panics_total",
		Help:      "Recovered panics in supervised goroutines.",
	}, []string{"name"})
)

func init() {
	prometheus.MustRegister(
		runsTotal, runDuration, runFailures, lastSuccess,
		fetchedItems, unseenItems, ledgerStatements,
		deliveries, deliveryDuration, goroutinePanics,
	)
}

// RecordRun counts a finished run and its duration.
func RecordRun(trigger, result string, took time.Duration) {
	runsTotal.WithLabelValues(trigger, result).Inc()
	if took > 0 {
		runDuration.WithLabelValues(trigger).Observe(took.Seconds())
	}
}

func RecordRunFailure(step string) { runFailures.WithLabelValues(step).Inc() }

// RecordSuccess moves the last-success watermark.
func RecordSuccess(ts time.Time) {
	if ts.IsZero() {
		return
	}
	lastSuccess.Set(float64(ts.Unix()))
}

func RecordFetched(n int) { fetchedItems.Set(float64(n)) }

func RecordUnseen(n int) {
	if n > 0 {
		unseenItems.Add(float64(n))
	}
}

// RecordLedgerStatement matches ledger.Config.Observe.
func RecordLedgerStatement(driver, op string) { ledgerStatements.WithLabelValues(driver, op).Inc() }

func RecordDelivery(sink, status string, took time.Duration) {
	deliveries.WithLabelValues(sink, status).Inc()
	if status != "skipped" {
		deliveryDuration.WithLabelValues(sink).Observe(took.Seconds())
	}
}

// RecordPanic matches supervisor.WithPanicHook.
func RecordPanic(name string) { goroutinePanics.WithLabelValues(name).Inc() }
