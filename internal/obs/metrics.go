package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "relaygate_active_sessions", Help: "Tunnel sessions currently registered"})
	AvailablePorts         = promauto.NewGauge(prometheus.GaugeOpts{Name: "relaygate_available_ports", Help: "Local ports left in the pool"})
	RelayMessagesTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relaygate_relay_messages_total", Help: "Relay messages by direction"}, []string{"direction"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relaygate_errors_total", Help: "Errors by type"}, []string{"type"})
	TeardownRetriesTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "relaygate_teardown_retries_total", Help: "Relay teardowns postponed because a peer was still subscribed"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relaygate_session_duration_seconds", Help: "Tunnel session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
	PollExchangesTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relaygate_poll_exchanges_total", Help: "Gatekeeper poll exchanges by outcome"}, []string{"outcome"})
	BatchedRequestsTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "relaygate_batched_requests_total", Help: "HTTP requests reassembled into a single relay message"})
)
