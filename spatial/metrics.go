package spatial

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	systemLabel = "system"
	queryLabel  = "query"
	kindLabel   = "kind"

	gridKindRegular = "regular"
	gridKindCached  = "cached"
)

var (
	spatialDataCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spatial_data_count",
		Help: "The number of tracked spatial data.",
	}, []string{systemLabel})

	spatialGridCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spatial_grid_count",
		Help: "The number of grids.",
	}, []string{
		systemLabel,
		kindLabel,
	})

	spatialCachedGridPromotions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spatial_cached_grid_promotions",
		Help: "The number of cache candidates promoted to a cached grid.",
	}, []string{systemLabel})

	spatialCachedGridEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spatial_cached_grid_evictions",
		Help: "The number of cached grids released or evicted.",
	}, []string{systemLabel})

	spatialQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spatial_queries",
		Help: "The number of spatial queries.",
	}, []string{
		systemLabel,
		queryLabel,
	})

	spatialQueryTestedObjects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spatial_query_tested_objects",
		Help: "The number of objects tested by spatial queries.",
	}, []string{
		systemLabel,
		queryLabel,
	})

	spatialQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spatial_query_latency",
		Help:    "The time to run a spatial query.",
		Buckets: prometheus.ExponentialBuckets(0.000001, 4, 10),
	}, []string{
		systemLabel,
		queryLabel,
	})

	spatialInvalidQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spatial_invalid_queries",
		Help: "The number of queries ignored because of invalid parameters.",
	}, []string{
		systemLabel,
		queryLabel,
	})
)

// systemMetrics holds the collectors of one system with their labels bound,
// so queries do not resolve label values on every call.
type systemMetrics struct {
	dataCount        prometheus.Gauge
	regularGridCount prometheus.Gauge
	cachedGridCount  prometheus.Gauge
	promotions       prometheus.Counter
	evictions        prometheus.Counter
	queries          [numQueryKinds]prometheus.Counter
	testedObjects    [numQueryKinds]prometheus.Counter
	queryLatency     [numQueryKinds]prometheus.Observer
	invalidQueries   [numQueryKinds]prometheus.Counter
}

// openSystems counts the open systems of each name. Series are deleted when
// the last of them closes.
var openSystems = struct {
	mutex  sync.Mutex
	counts map[string]int
}{
	counts: make(map[string]int),
}

func newSystemMetrics(system string) *systemMetrics {
	openSystems.mutex.Lock()
	openSystems.counts[system]++
	openSystems.mutex.Unlock()

	m := &systemMetrics{
		dataCount: spatialDataCount.With(prometheus.Labels{systemLabel: system}),

		regularGridCount: spatialGridCount.With(prometheus.Labels{
			systemLabel: system,
			kindLabel:   gridKindRegular,
		}),
		cachedGridCount: spatialGridCount.With(prometheus.Labels{
			systemLabel: system,
			kindLabel:   gridKindCached,
		}),

		promotions: spatialCachedGridPromotions.With(prometheus.Labels{systemLabel: system}),
		evictions:  spatialCachedGridEvictions.With(prometheus.Labels{systemLabel: system}),
	}

	for k := queryKind(0); k < numQueryKinds; k++ {
		labels := prometheus.Labels{
			systemLabel: system,
			queryLabel:  k.String(),
		}
		m.queries[k] = spatialQueries.With(labels)
		m.testedObjects[k] = spatialQueryTestedObjects.With(labels)
		m.queryLatency[k] = spatialQueryLatency.With(labels)
		m.invalidQueries[k] = spatialInvalidQueries.With(labels)
	}

	return m
}

func (m *systemMetrics) instrumentQuery(k queryKind, tested int, seconds float64) {
	m.queries[k].Inc()
	m.testedObjects[k].Add(float64(tested))
	if seconds >= 0 {
		m.queryLatency[k].Observe(seconds)
	}
}

func (m *systemMetrics) instrumentInvalidQuery(k queryKind) {
	m.invalidQueries[k].Inc()
}

// unregisterSystemMetrics drops the series of a system that is no longer used,
// unless another open system has the same name.
func unregisterSystemMetrics(system string) {
	openSystems.mutex.Lock()
	defer openSystems.mutex.Unlock()

	if openSystems.counts[system]--; openSystems.counts[system] > 0 {
		return
	}
	delete(openSystems.counts, system)

	labels := prometheus.Labels{systemLabel: system}
	spatialDataCount.DeletePartialMatch(labels)
	spatialGridCount.DeletePartialMatch(labels)
	spatialCachedGridPromotions.DeletePartialMatch(labels)
	spatialCachedGridEvictions.DeletePartialMatch(labels)
	spatialQueries.DeletePartialMatch(labels)
	spatialQueryTestedObjects.DeletePartialMatch(labels)
	spatialQueryLatency.DeletePartialMatch(labels)
	spatialInvalidQueries.DeletePartialMatch(labels)
}
