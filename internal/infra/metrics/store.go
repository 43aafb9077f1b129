package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(storeOpsTotal, storeRecoveries) }

var storeOpsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "asset_store_ops_total",
		Help: "Asset record operations by kind (read/write/cleanup) and result.",
	},
	[]string{"op", "result"},
)

var storeRecoveries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "asset_store_recoveries_total",
		Help: "Corruption recoveries by outcome (backup/skeleton).",
	},
	[]string{"outcome"},
)

func IncStoreOp(op string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	storeOpsTotal.WithLabelValues(norm(op), result).Inc()
}

func IncRecovery(outcome string) {
	storeRecoveries.WithLabelValues(norm(outcome)).Inc()
}
