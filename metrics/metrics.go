package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dms_queue_deliveries_total",
			Help: "Total number of message deliveries by queue",
		},
		[]string{"queue"},
	)

	QueuePoisonedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dms_queue_poisoned_messages_total",
			Help: "Total number of messages moved to a poison queue",
		},
		[]string{"queue"},
	)

	// Pipeline metrics
	PipelinesStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dms_pipelines_started_total",
			Help: "Total number of pipeline executions started",
		},
	)

	PipelinesCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dms_pipelines_completed_total",
			Help: "Total number of pipeline executions completed successfully",
		},
	)

	PipelinesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dms_pipelines_failed_total",
			Help: "Total number of pipeline executions that failed",
		},
	)

	StepExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dms_step_executions_total",
			Help: "Total number of step handler invocations by step and outcome",
		},
		[]string{"step", "outcome"},
	)

	// Content storage metrics
	ContentOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dms_content_operations_total",
			Help: "Total number of content storage operations by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(QueueDeliveries)
	prometheus.MustRegister(QueuePoisonedMessages)
	prometheus.MustRegister(PipelinesStarted)
	prometheus.MustRegister(PipelinesCompleted)
	prometheus.MustRegister(PipelinesFailed)
	prometheus.MustRegister(StepExecutions)
	prometheus.MustRegister(ContentOperations)
}

// Handler returns an HTTP handler serving the metrics in Prometheus format.
func Handler() http.Handler {
	return promhttp.Handler()
}
