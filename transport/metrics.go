package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	errorTypeLabel = "error_type"
	resultLabel    = "result"
)

var (
	fetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transport_fetch_errors_total",
		Help: "The total number of failed content fetches.",
	}, []string{errorTypeLabel})

	diskCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transport_disk_cache_lookups_total",
		Help: "The total number of disk cache lookups.",
	}, []string{resultLabel})
)

func instrumentFetchError(errType string) {
	fetchErrors.
		With(prometheus.Labels{errorTypeLabel: errType}).
		Inc()
}

func instrumentDiskCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}

	diskCacheLookups.
		With(prometheus.Labels{resultLabel: result}).
		Inc()
}
