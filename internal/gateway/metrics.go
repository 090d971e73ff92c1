package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rvald/devicegw/internal/protocol"
)

var (
	// ConnectedClients tracks the number of open feed connections.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devicegw_connected_clients",
		Help: "The number of currently connected WebSocket clients",
	})

	// MessagesTotal counts WebSocket frames.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devicegw_messages_total",
		Help: "The total number of WebSocket messages sent and received",
	}, []string{"direction"}) // "in", "out"

	// ErrorsTotal counts rejected requests and transport errors.
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devicegw_errors_total",
		Help: "The total number of errors encountered",
	}, []string{"type"}) // "auth", "protocol", "rate_limit", "internal"

	// ActionsTotal counts handled action requests by outcome code.
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devicegw_actions_total",
		Help: "Action requests handled by the gateway",
	}, []string{"action", "code"})
)

// MetricsHandler returns the HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func IncConnectedClients() { ConnectedClients.Inc() }
func DecConnectedClients() { ConnectedClients.Dec() }
func IncMessageIn()        { MessagesTotal.WithLabelValues("in").Inc() }
func IncMessageOut()       { MessagesTotal.WithLabelValues("out").Inc() }

// IncError increments the error counter for the given type.
func IncError(errType string) {
	ErrorsTotal.WithLabelValues(errType).Inc()
}

// IncAction records a handled request. Successful and driver-failed
// outcomes carry no code and are labelled "OK" and "FAILED".
func IncAction(action string, resp protocol.ActionResponse) {
	code := resp.Code
	if code == "" {
		code = "OK"
		if !resp.Success {
			code = "FAILED"
		}
	}
	ActionsTotal.WithLabelValues(action, code).Inc()
}
