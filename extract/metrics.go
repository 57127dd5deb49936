package extract

import (
	"context"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/sowilo/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	worldLabel     = "world"
	viewLabel      = "view"
	errorTypeLabel = "error_type"
)

var (
	extractViewLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "extract_view_latency",
		Help:    "The time to extract the render data of a view.",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	}, []string{
		worldLabel,
		viewLabel,
	})

	extractViewErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extract_view_errors",
		Help: "The errors that occured while extracting a view.",
	}, []string{
		worldLabel,
		viewLabel,
		errorTypeLabel,
	})

	extractVisibleObjects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extract_visible_objects",
		Help: "The number of visible objects reported to view extractions.",
	}, []string{
		worldLabel,
		viewLabel,
	})
)

// ExtractorWithMetrics records the latency and errors of extractions.
func ExtractorWithMetrics(e Extractor, world string) Extractor {
	return &extractorWithMetrics{
		Extractor: e,
		world:     world,
	}
}

type extractorWithMetrics struct {
	Extractor

	world string
}

func (e *extractorWithMetrics) Extract(ctx context.Context, view View, out *render.ExtractedRenderData) (Stats, error) {
	start := time.Now()

	stats, err := e.Extractor.Extract(ctx, view, out)
	if err != nil {
		extractViewErrors.With(prometheus.Labels{
			worldLabel:     e.world,
			viewLabel:      view.Name,
			errorTypeLabel: errors.Type(err),
		}).Inc()
		return stats, err
	}

	labels := prometheus.Labels{
		worldLabel: e.world,
		viewLabel:  view.Name,
	}
	extractViewLatency.With(labels).Observe(time.Since(start).Seconds())
	extractVisibleObjects.With(labels).Add(float64(stats.NumVisible))
	return stats, nil
}

func (e *extractorWithMetrics) Close() {
	e.Extractor.Close()
	unregisterWorldMetrics(e.world)
}

// unregisterWorldMetrics drops the series of a world.
func unregisterWorldMetrics(world string) {
	labels := prometheus.Labels{worldLabel: world}
	extractViewLatency.DeletePartialMatch(labels)
	extractViewErrors.DeletePartialMatch(labels)
	extractVisibleObjects.DeletePartialMatch(labels)
}
