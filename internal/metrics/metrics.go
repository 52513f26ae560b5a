// Package metrics holds the Prometheus instruments shared by the dispatcher,
// the webhook server and the runner.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	decisionsMetric      = "ci_reconcile_decisions_total"
	publishedMetric      = "ci_jobs_published_total"
	publishFailedMetric  = "ci_jobs_publish_failed_total"
	jobResultsMetric     = "ci_job_results_total"
	jobDurationMetric    = "ci_job_duration_seconds"
	webhookEventsMetric  = "ci_webhook_events_total"
	reportFailuresMetric = "ci_report_failures_total"

	decisionLabel = "decision"
	queueLabel    = "queue"
	priorityLabel = "priority"
	stateLabel    = "state"
	eventLabel    = "event"
)

var (
	decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: decisionsMetric,
			Help: "Reconciler decisions per context",
		}, []string{decisionLabel})
	published = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: publishedMetric,
			Help: "Job descriptors handed to the broker",
		}, []string{queueLabel, priorityLabel})
	publishFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: publishFailedMetric,
			Help: "Job descriptors that could not be published after retries",
		}, []string{queueLabel})
	jobResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: jobResultsMetric,
			Help: "Terminal job results by state",
		}, []string{stateLabel})
	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    jobDurationMetric,
			Help:    "Wall-clock duration of runner jobs",
			Buckets: DefaultBuckets(),
		}, []string{stateLabel})
	webhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: webhookEventsMetric,
			Help: "GitHub webhook deliveries by event type",
		}, []string{eventLabel})
	reportFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: reportFailuresMetric,
			Help: "Job results whose status report was given up",
		})
)

// DefaultBuckets covers jobs from a minute up to the two hour default timeout.
func DefaultBuckets() []float64 {
	return []float64{60, 300, 600, 1200, 1800, 3600, 5400, 7200}
}

// AddDecision counts one reconciler decision.
func AddDecision(decision string) {
	decisions.WithLabelValues(decision).Inc()
}

// AddPublished counts one published job.
func AddPublished(queue, priority string) {
	published.With(prometheus.Labels{queueLabel: queue, priorityLabel: priority}).Inc()
}

func AddPublishFailed(queue string) {
	publishFailed.WithLabelValues(queue).Inc()
}

// AddJobResult records a finished job and how long it ran.
func AddJobResult(state string, duration time.Duration) {
	jobResults.WithLabelValues(state).Inc()
	jobDuration.WithLabelValues(state).Observe(duration.Seconds())
}

func AddWebhookEvent(event string) {
	webhookEvents.WithLabelValues(event).Inc()
}

func AddReportFailure() {
	reportFailures.Inc()
}
