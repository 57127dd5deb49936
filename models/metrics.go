package models

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	worldLabel = "world"
)

var (
	worldCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "world_count",
		Help: "The number of worlds.",
	})

	worldCountTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "world_count_total",
		Help: "The total number of worlds.",
	})

	worldFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "world_frames",
		Help: "The number of frames dispatched by a world.",
	}, []string{worldLabel})
)

func instrumentIncreaseWorldGauge() {
	worldCount.Inc()
}

func instrumentDecreaseWorldGauge() {
	worldCount.Dec()
}

func instrumentCountWorld() {
	worldCountTotal.Inc()
}

func instrumentFrame(world string) {
	worldFrames.
		With(prometheus.Labels{worldLabel: world}).
		Inc()
}

func unregisterWorldMetrics(world string) {
	worldFrames.DeletePartialMatch(prometheus.Labels{worldLabel: world})
}
