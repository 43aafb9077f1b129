package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(predictionsTotal) }

var predictionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "predictions_total",
		Help: "Served predictions per model kind and direction.",
	},
	[]string{"model", "direction"},
)

func IncPrediction(model, direction string) {
	predictionsTotal.WithLabelValues(norm(model), norm(direction)).Inc()
}
