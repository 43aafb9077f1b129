package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(marketFetchesTotal) }

var marketFetchesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "market_data_fetches_total",
		Help: "Candle fetches per source (exchange/postgres) and result.",
	},
	[]string{"source", "result"},
)

func IncMarketFetch(source string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	marketFetchesTotal.WithLabelValues(norm(source), result).Inc()
}
