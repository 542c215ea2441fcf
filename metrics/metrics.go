package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	nodesInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nodebbs",
			Subsystem: "registry",
			Name:      "nodes_in_use",
			Help:      "Nodes currently assigned to a connection.",
		},
	)
	connections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodebbs",
			Subsystem: "registry",
			Name:      "connections_total",
			Help:      "Connection attempts by outcome.",
		},
		[]string{"outcome"},
	)
	chats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodebbs",
			Subsystem: "chat",
			Name:      "sessions_total",
			Help:      "Paired chats by terminal status.",
		},
		[]string{"status"},
	)
	chatMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nodebbs",
			Subsystem: "chat",
			Name:      "messages_total",
			Help:      "Chat messages relayed.",
		},
	)
	olms = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodebbs",
			Subsystem: "olm",
			Name:      "messages_total",
			Help:      "Online messages by delivery outcome.",
		},
		[]string{"outcome"},
	)
)

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(nodesInUse, connections, chats, chatMessages, olms)
	})
}

func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

func SetNodesInUse(n int) {
	Register()
	nodesInUse.Set(float64(n))
}

// RecordConnection counts one connection attempt; outcome is "accepted",
// "rate_limited" or "capacity".
func RecordConnection(outcome string) {
	Register()
	connections.WithLabelValues(outcome).Inc()
}

func RecordChat(status string) {
	Register()
	chats.WithLabelValues(status).Inc()
}

func RecordChatMessage() {
	Register()
	chatMessages.Inc()
}

// RecordOLM counts one logical message; outcome is "delivered", "queued"
// or "suppressed".
func RecordOLM(outcome string) {
	Register()
	olms.WithLabelValues(outcome).Inc()
}
