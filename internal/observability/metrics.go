package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	RidesCreated     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_created_total", Help: "Rides persisted as PENDING"})
	DispatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_outcomes_total", Help: "Dispatch runs by outcome"}, []string{"outcome"})
	DispatchLatency  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "dispatch_duration_seconds", Help: "Time from dispatch start to outcome", Buckets: []float64{.01, .1, .5, 1, 5, 15, 30, 60, 120, 300}})
	DispatchRetries  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_retries_total", Help: "Retries after transient backend errors"}, []string{"stage"})
	OffersTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "offers_total", Help: "Offers by result"}, []string{"result"})
	RacesLost        = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accept_races_lost_total", Help: "Acceptances that lost the conditional write"})

	DriverHeartbeats = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "driver_heartbeats_total", Help: "Driver availability updates"}, []string{"online"})

	FeedEvents          = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "feed_events_total", Help: "Change events published"}, []string{"type"})
	FeedSubscribers     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "feed_subscribers", Help: "Open change feed subscriptions"})
	FeedSlowConsumers   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "feed_slow_consumers_total", Help: "Subscriptions closed because their buffer filled"})
	PushNotifications   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "push_notifications_total", Help: "Push sends by result"}, []string{"result"})
	FareHolds           = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "fare_holds_total", Help: "Payment hold operations by action and result"}, []string{"action", "result"})
	ChangeMirrorErrors  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "change_mirror_errors_total", Help: "Change events that failed to reach Kafka"})
	LocationPublishErrs = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_publish_errors_total", Help: "Driver locations that failed to reach Kafka"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
