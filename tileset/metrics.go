package tileset

import (
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	errTypeLabel = "error_type"
)

var (
	frames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tileset_frames_total",
		Help: "The total number of tileset updates.",
	})

	visitedTiles = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tileset_tiles_visited",
		Help:    "The number of tiles visited by a frame traversal.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	selectedTiles = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tileset_tiles_selected",
		Help:    "The number of tiles selected for rendering by a frame.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	tileErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tileset_tile_errors_total",
		Help: "The total number of tile loads that failed.",
	}, []string{errTypeLabel})

	frameLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tileset_frame_latency",
		Help:    "The time it takes to run a tileset update, in seconds.",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
	})
)

func instrumentFrame(f Frame, d time.Duration) {
	frames.Inc()
	visitedTiles.Observe(float64(f.Stats.Visited))
	selectedTiles.Observe(float64(f.Stats.Selected))
	frameLatency.Observe(d.Seconds())

	for _, e := range f.Errors {
		tileErrors.With(prometheus.Labels{
			errTypeLabel: errors.Type(e.Err),
		}).Inc()
	}
}
