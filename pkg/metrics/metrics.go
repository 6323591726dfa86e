package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersCreated counts checkouts by listing kind (fixed/auction)
var OrdersCreated = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "quill_orders_created_total",
		Help: "Total number of orders created at checkout",
	},
	[]string{"kind"},
)

// OrderTransitions counts lifecycle transitions by new status
var OrderTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "quill_order_transitions_total",
		Help: "Total number of order status transitions",
	},
	[]string{"status"},
)

// OrdersByLane tracks the current size of each ops lane
var OrdersByLane = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "quill_orders_by_lane",
		Help: "Number of open orders per operations lane",
	},
	[]string{"lane"},
)

// WebhooksProcessed counts payment webhook deliveries by outcome
var WebhooksProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "quill_payment_webhooks_total",
		Help: "Total number of payment processor webhook deliveries",
	},
	[]string{"event", "outcome"},
)

// MailSent counts outbound mail deliveries by outcome
var MailSent = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "quill_mail_sent_total",
		Help: "Total number of notification mails sent",
	},
	[]string{"outcome"},
)

// TicketFallbackQueries counts degraded ticket-list queries
var TicketFallbackQueries = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "quill_ticket_fallback_queries_total",
		Help: "Ticket list requests served by the unindexed fallback path",
	},
)

// RemindersSent counts deadline reminders by kind
var RemindersSent = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "quill_reminders_sent_total",
		Help: "Total number of deadline reminders sent",
	},
	[]string{"kind"},
)

// HTTPRequestDuration records request latency by route and status
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "quill_http_request_duration_seconds",
		Help:    "Latency in seconds of HTTP requests",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"route", "status"},
)

// Database connection pool metrics
var (
	DBOpenConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quill_db_open_connections",
			Help: "Number of open connections in the DB pool",
		},
		[]string{"db"},
	)

	DBIdleConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quill_db_idle_connections",
			Help: "Number of idle connections in the DB pool",
		},
		[]string{"db"},
	)

	DBInUseConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quill_db_in_use_connections",
			Help: "Number of in-use connections in the DB pool",
		},
		[]string{"db"},
	)
)

func init() {
	prometheus.MustRegister(OrdersCreated, OrderTransitions, OrdersByLane)
	prometheus.MustRegister(WebhooksProcessed, MailSent, TicketFallbackQueries, RemindersSent)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(DBOpenConns, DBIdleConns, DBInUseConns)
}
