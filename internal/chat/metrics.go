package chat

import "github.com/prometheus/client_golang/prometheus"

const (
	deliveryDelivered = "delivered"
	deliveryOffline   = "offline"
	deliveryFailed    = "failed"
	deliveryPeer      = "peer"
)

type Metrics struct {
	persisted       prometheus.Counter
	persistFailures prometheus.Counter
	rejected        prometheus.Counter
	deliveries      *prometheus.CounterVec
	online          prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		persisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_persisted_total",
			Help: "Messages stored by the relay.",
		}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_persist_failures_total",
			Help: "Messages the store refused or could not reach.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_rejected_total",
			Help: "send_message events dropped before persistence.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_deliveries_total",
			Help: "Receiver delivery attempts by result.",
		}, []string{"result"}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_presence_online",
			Help: "Users with a registered live connection on this instance.",
		}),
	}
	reg.MustRegister(m.persisted, m.persistFailures, m.rejected, m.deliveries, m.online)
	return m
}
