package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	residentTiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cache_resident_tiles",
		Help: "The number of tiles with a loaded content.",
	})

	residentBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cache_resident_bytes",
		Help: "The memory held by the loaded tile contents.",
	})

	evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cache_evictions_total",
		Help: "The total number of evicted tiles.",
	})
)

func instrumentResidentChange(count, bytes int) {
	residentTiles.Add(float64(count))
	residentBytes.Add(float64(bytes))
}

func instrumentEvictions(count int) {
	if count == 0 {
		return
	}
	evictions.Add(float64(count))
}
