package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(trainingJobsTotal, trainingActive, trainingQueueDepth, trainingDurationSec)
}

var trainingJobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "training_jobs_total",
		Help: "Training jobs by model kind and outcome (enqueued/completed/failed/retried/cancelled).",
	},
	[]string{"model", "outcome"},
)

var trainingActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "training_active_jobs",
		Help: "Number of training jobs currently executing.",
	},
)

var trainingQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "training_queue_depth",
		Help: "Number of jobs waiting in the training queue.",
	},
)

var trainingDurationSec = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "training_duration_seconds",
		Help:    "Training session duration distribution in seconds.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	},
	[]string{"model", "success"},
)

func IncJob(model, outcome string) {
	trainingJobsTotal.WithLabelValues(norm(model), norm(outcome)).Inc()
}

func SetActiveJobs(n int) { trainingActive.Set(float64(n)) }
func SetQueueDepth(n int) { trainingQueueDepth.Set(float64(n)) }

func ObserveTraining(model string, seconds float64, success bool) {
	trainingDurationSec.WithLabelValues(norm(model), strconv.FormatBool(success)).Observe(seconds)
}
