package coordinator

import "github.com/prometheus/client_golang/prometheus"

var (
	escalationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "insurance_chat_escalations_total",
			Help: "Total sessions escalated to a human specialist.",
		},
	)
	resolutionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "insurance_chat_resolutions_total",
			Help: "Total escalation cycles resolved.",
		},
	)
	deliveriesEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "insurance_chat_deliveries_enqueued_total",
			Help: "Total pending deliveries queued for chat clients.",
		},
	)
	deliveriesConfirmed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "insurance_chat_deliveries_confirmed_total",
			Help: "Total pending deliveries confirmed by chat clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(escalationsTotal, resolutionsTotal, deliveriesEnqueued, deliveriesConfirmed)
}

func incEscalations() {
	escalationsTotal.Inc()
}

func incResolutions() {
	resolutionsTotal.Inc()
}

func addEnqueued(count int) {
	deliveriesEnqueued.Add(float64(count))
}

func addConfirmed(count int) {
	deliveriesConfirmed.Add(float64(count))
}
