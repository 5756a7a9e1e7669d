package mongo

import (
	"github.com/grafana/dskit/instrument"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	requestDuration *instrument.HistogramCollector
	materialized    prometheus.Counter
	indexesCreated  prometheus.Counter
}

func newMetrics(r prometheus.Registerer) *metrics {
	return &metrics{
		requestDuration: instrument.NewHistogramCollector(promauto.With(r).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "viewstage",
			Name:      "mongo_request_duration_seconds",
			Help:      "Time spent doing MongoDB requests.",
			// Materializations can take minutes on large datasets.
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"operation", "status_code"})),
		materialized: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "viewstage",
			Name:      "mongo_materializations_total",
			Help:      "Derived collections written with $out.",
		}),
		indexesCreated: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "viewstage",
			Name:      "mongo_indexes_created_total",
			Help:      "Index creation requests sent to MongoDB.",
		}),
	}
}
