package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics to be used in the instrumented code
var pm struct {
	TrunkMetrics *TrunkPrometheusMetrics
}

// ///////////////////////////////////////////////////////////////
// Metrics definitions
// ///////////////////////////////////////////////////////////////
type TrunkPrometheusMetrics struct {
	TrunkRequests              *prometheus.CounterVec
	TrunkResponses             *prometheus.CounterVec
	TrunkTimeouts              *prometheus.CounterVec
	TrunkRetransmissions       *prometheus.CounterVec
	TrunkResponsesStalled      *prometheus.CounterVec
	TrunkResponsesDropped      *prometheus.CounterVec
	TrunkRequestsRequeued      *prometheus.CounterVec
	TrunkStatusChecks          *prometheus.CounterVec
	TrunkConnectionTransitions *prometheus.CounterVec
}

func (m *TrunkPrometheusMetrics) reset() {
	m.TrunkRequests.Reset()
	m.TrunkResponses.Reset()
	m.TrunkTimeouts.Reset()
	m.TrunkRetransmissions.Reset()
	m.TrunkResponsesStalled.Reset()
	m.TrunkResponsesDropped.Reset()
	m.TrunkRequestsRequeued.Reset()
	m.TrunkStatusChecks.Reset()
	m.TrunkConnectionTransitions.Reset()
}

func newTrunkPrometheusMetrics(reg prometheus.Registerer) *TrunkPrometheusMetrics {
	m := &TrunkPrometheusMetrics{

		TrunkRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trunk_requests",
				Help: "Radius requests written to the wire",
			},
			[]string{"endpoint", "code"}),

		TrunkResponses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trunk_responses",
				Help: "Radius responses matched to a request",
			},
			[]string{"endpoint", "code"}),

		TrunkTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trunk_timeouts",
				Help: "Requests failed after exhausting the retransmission schedule",
			},
			[]string{"endpoint", "code"}),

		TrunkRetransmissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trunk_retransmissions",
				Help: "Requests re-written to the wire",
			},
			[]string{"endpoint", "code"}),

		TrunkResponsesStalled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trunk_responses_stalled",
				Help: "Responses without corresponding request, possibly due to previous timeout",
			},
			[]string{"endpoint"}),

		TrunkResponsesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trunk_responses_dropped",
				Help: "Responses dropped due to decoding or validation failures",
			},
			[]string{"endpoint"}),

		TrunkRequestsRequeued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trunk_requests_requeued",
				Help: "Requests moved to another connection after a failure",
			},
			[]string{"endpoint"}),

		TrunkStatusChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trunk_status_checks",
				Help: "Liveness probes sent",
			},
			[]string{"endpoint"}),

		TrunkConnectionTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trunk_connection_transitions",
				Help: "Connection state machine transitions",
			},
			[]string{"endpoint", "state"}),
	}

	reg.MustRegister(m.TrunkRequests)
	reg.MustRegister(m.TrunkResponses)
	reg.MustRegister(m.TrunkTimeouts)
	reg.MustRegister(m.TrunkRetransmissions)
	reg.MustRegister(m.TrunkResponsesStalled)
	reg.MustRegister(m.TrunkResponsesDropped)
	reg.MustRegister(m.TrunkRequestsRequeued)
	reg.MustRegister(m.TrunkStatusChecks)
	reg.MustRegister(m.TrunkConnectionTransitions)

	return m
}

// Helper functions

func RecordTrunkRequest(endpoint string, code string) {
	pm.TrunkMetrics.TrunkRequests.With(prometheus.Labels{"endpoint": endpoint, "code": code}).Inc()
}

func RecordTrunkResponse(endpoint string, code string) {
	pm.TrunkMetrics.TrunkResponses.With(prometheus.Labels{"endpoint": endpoint, "code": code}).Inc()
}

func RecordTrunkTimeout(endpoint string, code string) {
	pm.TrunkMetrics.TrunkTimeouts.With(prometheus.Labels{"endpoint": endpoint, "code": code}).Inc()
}

func RecordTrunkRetransmission(endpoint string, code string) {
	pm.TrunkMetrics.TrunkRetransmissions.With(prometheus.Labels{"endpoint": endpoint, "code": code}).Inc()
}

func RecordTrunkResponseStalled(endpoint string) {
	pm.TrunkMetrics.TrunkResponsesStalled.With(prometheus.Labels{"endpoint": endpoint}).Inc()
}

func RecordTrunkResponseDrop(endpoint string) {
	pm.TrunkMetrics.TrunkResponsesDropped.With(prometheus.Labels{"endpoint": endpoint}).Inc()
}

func RecordTrunkRequestRequeued(endpoint string) {
	pm.TrunkMetrics.TrunkRequestsRequeued.With(prometheus.Labels{"endpoint": endpoint}).Inc()
}

func RecordTrunkStatusCheck(endpoint string) {
	pm.TrunkMetrics.TrunkStatusChecks.With(prometheus.Labels{"endpoint": endpoint}).Inc()
}

func RecordTrunkConnectionTransition(endpoint string, state string) {
	pm.TrunkMetrics.TrunkConnectionTransitions.With(prometheus.Labels{"endpoint": endpoint, "state": state}).Inc()
}
