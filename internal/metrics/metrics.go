package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	MessagesReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "hugin_messages_received_total", Help: "Inbound frames by kind"}, []string{"kind"})
	ProtocolErrorsTotal   = prometheus.NewCounter(prometheus.CounterOpts{Name: "hugin_protocol_errors_total", Help: "Malformed or unexpected inbound frames"})
	RequestsSentTotal     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "hugin_requests_sent_total", Help: "Outbound requests by method"}, []string{"method"})
	RequestsFailedTotal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "hugin_requests_failed_total", Help: "Requests completed with an error by method and reason"}, []string{"method", "reason"})
	UnmatchedResponses    = prometheus.NewCounter(prometheus.CounterOpts{Name: "hugin_unmatched_responses_total", Help: "Responses without a pending request"})
	PendingRequests       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "hugin_pending_requests", Help: "Requests awaiting a response"})
	RequestLatencyMs      = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "hugin_request_latency_ms", Help: "Request round trip", Buckets: prometheus.ExponentialBuckets(1, 2, 14)}, []string{"method"})

	BookUpdatesTotal  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "hugin_book_updates_total", Help: "Applied book updates by kind"}, []string{"kind"})
	BookResyncsTotal  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "hugin_book_resyncs_total", Help: "Book resyncs by instrument and reason"}, []string{"instrument", "reason"})
	BookDeltasDropped = prometheus.NewCounter(prometheus.CounterOpts{Name: "hugin_book_deltas_dropped_total", Help: "Deltas discarded while awaiting a snapshot"})

	OrdersSubmittedTotal    = prometheus.NewCounter(prometheus.CounterOpts{Name: "hugin_orders_submitted_total", Help: "Orders sent to the exchange"})
	OrderTransitionsTotal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "hugin_order_transitions_total", Help: "Order state transitions by target state"}, []string{"status"})
	UnknownOrderEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "hugin_unknown_order_events_total", Help: "Order events for orders not placed by this session"})

	AuthAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "hugin_auth_attempts_total", Help: "Login attempts by outcome"}, []string{"outcome"})
	DisconnectsTotal  = prometheus.NewCounter(prometheus.CounterOpts{Name: "hugin_disconnects_total", Help: "Transport disconnects"})
)

func Init(logger zerolog.Logger) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	toRegister := []prometheus.Collector{
		MessagesReceivedTotal, ProtocolErrorsTotal, RequestsSentTotal, RequestsFailedTotal,
		UnmatchedResponses, PendingRequests, RequestLatencyMs,
		BookUpdatesTotal, BookResyncsTotal, BookDeltasDropped,
		OrdersSubmittedTotal, OrderTransitionsTotal, UnknownOrderEventsTotal,
		AuthAttemptsTotal, DisconnectsTotal,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range toRegister {
		if err := reg.Register(c); err != nil {
			logger.Warn().Err(err).Msg("registering collector")
		}
	}
	logger.Info().Msg("prometheus metrics initialized")
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
