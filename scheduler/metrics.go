package scheduler

import (
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultLabel = "result"
)

var (
	dispatchedRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_requests_dispatched_total",
		Help: "The total number of dispatched tile loads.",
	})

	droppedRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_requests_dropped_total",
		Help: "The total number of queued tile loads dropped because the tiles were not wanted anymore.",
	})

	inFlightRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_requests_in_flight",
		Help: "The number of tile loads in flight for the last scheduled tileset.",
	})

	loadLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scheduler_load_latency",
		Help:    "The time it takes to fetch and decode a tile, in seconds.",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{resultLabel})
)

func instrumentSchedule(dispatched, dropped, inFlight int) {
	dispatchedRequests.Add(float64(dispatched))
	droppedRequests.Add(float64(dropped))
	inFlightRequests.Set(float64(inFlight))
}

func instrumentInFlight(inFlight int) {
	inFlightRequests.Set(float64(inFlight))
}

func instrumentLoad(err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = errors.Type(err)
		if result == "" {
			result = "error"
		}
	}

	loadLatency.
		With(prometheus.Labels{resultLabel: result}).
		Observe(d.Seconds())
}
