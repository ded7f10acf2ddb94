package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ryanbastic/go-cosync/internal/connection"
)

const namespace = "cosync"

var (
	changesPushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_pushed_total",
			Help:      "Changes handed to the connection, by outbound method.",
		},
		[]string{"method"},
	)

	changesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_received_total",
			Help:      "Inbound Changes scheduled for application, by change type.",
		},
		[]string{"type"},
	)

	pushFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_failures_total",
			Help:      "Changes surfaced back to the caller after a failed stream send.",
		},
	)

	reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect attempts.",
		},
	)

	idleQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "idle_queue_depth",
			Help:      "Actions waiting on the idle queue.",
		},
	)

	connectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Connection state: 0 disconnected, 1 connecting, 2 connected, 3 reconnecting.",
		},
	)

	relayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connections",
			Help:      "Open client streams on the relay.",
		},
	)
)

// Engine records sync engine traffic. It satisfies the observer interfaces
// of the dispatcher, the connection and the session.
type Engine struct{}

func (Engine) ChangePushed(method string)       { changesPushed.WithLabelValues(method).Inc() }
func (Engine) ChangeReceived(changeType string) { changesReceived.WithLabelValues(changeType).Inc() }
func (Engine) PushFailed(n int)                 { pushFailures.Add(float64(n)) }
func (Engine) Reconnecting(int)                 { reconnects.Inc() }
func (Engine) QueueDepth(n int)                 { idleQueueDepth.Set(float64(n)) }

func (Engine) StateChanged(s connection.State) { connectionState.Set(float64(s)) }

// Relay records relay server connections.
type Relay struct{}

func (Relay) ConnectionOpened() { relayConnections.Inc() }
func (Relay) ConnectionClosed() { relayConnections.Dec() }
