package render

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	categoryLabel = "category"
	reasonLabel   = "reason"

	dropReasonNilRenderData   = "nil-render-data"
	dropReasonUnknownCategory = "unknown-category"
)

var (
	renderExtractedItems = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "render_extracted_items",
		Help:    "The number of render data sorted and batched per category.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	}, []string{categoryLabel})

	renderDroppedItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "render_dropped_items",
		Help: "The number of render data dropped because of a nil value or an unusable category.",
	}, []string{reasonLabel})
)

func instrumentExtractedItems(c Category, n int) {
	renderExtractedItems.
		With(prometheus.Labels{categoryLabel: c.String()}).
		Observe(float64(n))
}

func instrumentDroppedItem(reason string) {
	renderDroppedItems.
		With(prometheus.Labels{reasonLabel: reason}).
		Inc()
}
