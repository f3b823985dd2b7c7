// Package metrics exposes operational counters via Prometheus, the way
// the infodancer pop3d/smtpd sibling projects in the retrieval pack do.
package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "golubsmtpd_connections_accepted_total",
		Help: "TCP connections accepted by the master accept loop.",
	})

	ConnectionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "golubsmtpd_connections_rejected_total",
		Help: "Connections rejected because no worker could accept the handoff.",
	})

	WorkerRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "golubsmtpd_worker_restarts_total",
		Help: "Worker goroutines restarted after a control-channel failure.",
	})

	TransactionsCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "golubsmtpd_transactions_committed_total",
		Help: "Mail transactions successfully committed to Maildir.",
	})

	TransactionsRolledBack = promauto.NewCounter(prometheus.CounterOpts{
		Name: "golubsmtpd_transactions_rolled_back_total",
		Help: "Mail transactions rolled back (RSET, error, or disconnect).",
	})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "golubsmtpd_active_connections",
		Help: "Connections currently owned by a worker.",
	})
)

// Serve starts the /metrics HTTP endpoint. It returns immediately; the
// listener runs in its own goroutine until the process exits.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	go http.Serve(ln, mux)
	return nil
}
