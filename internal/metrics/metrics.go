// Package metrics registers the process-wide prometheus collectors for the
// rendezvous relay. Counters are package-level because there is exactly one
// registry per process; tests exercise the core without asserting on them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rendezvous",
		Name:      "connections_total",
		Help:      "Websocket connections accepted since start.",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rendezvous",
		Name:      "connections_active",
		Help:      "Websocket connections currently open.",
	})

	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rendezvous",
		Name:      "commands_total",
		Help:      "Inbound commands processed, by frame type.",
	}, []string{"type"})

	MessagesRelayed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rendezvous",
		Name:      "messages_relayed_total",
		Help:      "Messages appended to mailboxes.",
	})

	MailboxesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rendezvous",
		Name:      "mailboxes_created_total",
		Help:      "Mailboxes created by claim or allocate.",
	})

	MailboxesDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rendezvous",
		Name:      "mailboxes_deleted_total",
		Help:      "Mailboxes deleted on last release.",
	})

	ReleaseMoods = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rendezvous",
		Name:      "release_moods_total",
		Help:      "Client-reported moods on release. The relay does not interpret them.",
	}, []string{"mood"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		CommandsTotal,
		MessagesRelayed,
		MailboxesCreated,
		MailboxesDeleted,
		ReleaseMoods,
	)
}
