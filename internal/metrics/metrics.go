package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsRaisedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayhook_events_raised_total",
			Help: "Total number of domain events raised, by kind.",
		},
		[]string{"kind"},
	)

	FanoutTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayhook_fanout_tasks_total",
			Help: "Total number of delivery tasks enqueued by fan-out, by kind.",
		},
		[]string{"kind"},
	)

	DispatchFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayhook_dispatch_failures_total",
			Help: "Total number of fan-out failures by stage.",
		},
		[]string{"stage"}, // registry, enqueue
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayhook_deliveries_total",
			Help: "Total number of delivery attempts by outcome.",
		},
		[]string{"outcome"}, // delivered, retry_scheduled, abandoned, internal_error
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayhook_delivery_latency_seconds",
			Help:    "Latency of outbound webhook HTTP calls.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status_class"}, // 2xx, 3xx, 4xx, 5xx, error
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayhook_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // timeout, connection_refused, dns_error, network, snapshot
	)

	AbandonedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relayhook_abandoned_total",
			Help: "Total number of delivery tasks abandoned after exhausting retries.",
		},
	)

	EndpointsDeactivatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relayhook_endpoints_deactivated_total",
			Help: "Total number of endpoints deactivated after sustained failure.",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relayhook_queue_depth",
			Help: "Messages waiting in an NSQ channel.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsRaisedTotal,
		FanoutTasksTotal,
		DispatchFailuresTotal,
		DeliveriesTotal,
		DeliveryLatency,
		RetriesTotal,
		AbandonedTotal,
		EndpointsDeactivatedTotal,
		QueueDepth,
	)
}

func RecordEventRaised(kind string) {
	EventsRaisedTotal.WithLabelValues(kind).Inc()
}

func RecordFanout(kind string, tasks int) {
	FanoutTasksTotal.WithLabelValues(kind).Add(float64(tasks))
}

func RecordDispatchFailure(stage string) {
	DispatchFailuresTotal.WithLabelValues(stage).Inc()
}

func RecordDelivery(outcome string) {
	DeliveriesTotal.WithLabelValues(outcome).Inc()
}

// RecordHTTPCall observes the latency of one outbound call. status 0 means
// the call failed below HTTP.
func RecordHTTPCall(status int, latency time.Duration) {
	DeliveryLatency.WithLabelValues(StatusClass(status)).Observe(latency.Seconds())
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordAbandoned() {
	AbandonedTotal.Inc()
	EndpointsDeactivatedTotal.Inc()
}

func UpdateQueueDepth(topic, channel string, depth float64) {
	QueueDepth.WithLabelValues(topic, channel).Set(depth)
}

// StatusClass buckets an HTTP status code; 0 is a transport error.
func StatusClass(status int) string {
	switch {
	case status <= 0:
		return "error"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
