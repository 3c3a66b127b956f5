package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ═══════════════════════════════════════════════════════════════════════════════
// METRICS - Prometheus counters for the execution engine
// ═══════════════════════════════════════════════════════════════════════════════

var (
	webhooksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratex_webhooks_total",
		Help: "Webhook admissions by outcome",
	}, []string{"outcome"})

	ordersPlacedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratex_orders_placed_total",
		Help: "Orders submitted to an exchange",
	}, []string{"exchange", "side"})

	ordersFilledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratex_orders_filled_total",
		Help: "Orders observed fully filled",
	}, []string{"exchange", "side"})

	ordersFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratex_orders_failed_total",
		Help: "Order submissions rejected or errored",
	}, []string{"exchange"})

	tpPlacedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratex_tp_orders_placed_total",
		Help: "Take-profit orders placed, by TP mode",
	}, []string{"mode"})

	riskClosesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratex_risk_closes_total",
		Help: "Risk engine close actions by type",
	}, []string{"action"})

	closingRecoveriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratex_closing_recoveries_total",
		Help: "Stuck CLOSING groups reverted to ACTIVE",
	})

	promotionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratex_queue_promotions_total",
		Help: "Queued signals promoted into the execution pool",
	})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stratex_queue_depth",
		Help: "Signals currently waiting for a pool slot",
	})

	liveGroups = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stratex_live_groups",
		Help: "Position groups in a non-terminal status",
	})

	monitorCycleSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stratex_monitor_cycle_seconds",
		Help:    "Wall time of one fill-monitor pass",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(
		webhooksTotal,
		ordersPlacedTotal,
		ordersFilledTotal,
		ordersFailedTotal,
		tpPlacedTotal,
		riskClosesTotal,
		closingRecoveriesTotal,
		promotionsTotal,
		queueDepth,
		liveGroups,
		monitorCycleSeconds,
	)
}

// Webhook outcomes.
const (
	WebhookAccepted  = "accepted"
	WebhookQueued    = "queued"
	WebhookExit      = "exit"
	WebhookPyramid   = "pyramid"
	WebhookDuplicate = "duplicate"
	WebhookRejected  = "rejected"
	WebhookLocked    = "locked"
	WebhookError     = "error"
)

func Webhook(outcome string)              { webhooksTotal.WithLabelValues(outcome).Inc() }
func OrderPlaced(exchange, side string)   { ordersPlacedTotal.WithLabelValues(exchange, side).Inc() }
func OrderFilled(exchange, side string)   { ordersFilledTotal.WithLabelValues(exchange, side).Inc() }
func OrderFailed(exchange string)         { ordersFailedTotal.WithLabelValues(exchange).Inc() }
func TPPlaced(mode string)                { tpPlacedTotal.WithLabelValues(mode).Inc() }
func RiskClose(action string)             { riskClosesTotal.WithLabelValues(action).Inc() }
func ClosingRecovered()                   { closingRecoveriesTotal.Inc() }
func Promotion()                          { promotionsTotal.Inc() }
func SetQueueDepth(n int64)               { queueDepth.Set(float64(n)) }
func SetLiveGroups(n int64)               { liveGroups.Set(float64(n)) }
func MonitorCycle(elapsed time.Duration)  { monitorCycleSeconds.Observe(elapsed.Seconds()) }
