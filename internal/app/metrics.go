package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DeliveryOK      = "ok"
	DeliveryDropped = "dropped"
	DeliveryClosed  = "closed"
	DeliveryEvicted = "evicted"
)

type Metrics struct {
	Sessions          prometheus.Gauge
	Rooms             prometheus.Gauge
	Broadcasts        prometheus.Counter
	Deliveries        *prometheus.CounterVec
	HeartbeatTimeouts prometheus.Counter
}

// NewMetrics registers the collectors with reg. A nil reg yields working,
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "salefeed",
			Name:      "sessions",
			Help:      "Sessions currently registered.",
		}),
		Rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "salefeed",
			Name:      "rooms",
			Help:      "Rooms with at least one member.",
		}),
		Broadcasts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "salefeed",
			Name:      "broadcasts_total",
			Help:      "Sale events dispatched to a room.",
		}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "salefeed",
			Name:      "deliveries_total",
			Help:      "Per-session delivery attempts by result.",
		}, []string{"result"}),
		HeartbeatTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "salefeed",
			Name:      "heartbeat_timeouts_total",
			Help:      "Sessions closed because the client stopped answering pings.",
		}),
	}
}
