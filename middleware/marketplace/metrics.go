package marketplace

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_job_transitions_total",
		Help: "Accepted job status transitions by resulting status.",
	}, []string{"status"})

	rejectedMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_rejected_messages_total",
		Help: "Protocol messages rejected before reaching the state machine.",
	}, []string{"kind"})

	adapterFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_adapter_failures_total",
		Help: "External capability calls that failed a job.",
	}, []string{"adapter"})
)
