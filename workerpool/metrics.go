package workerpool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	poolLabel   = "pool"
	resultLabel = "result"
)

var (
	jobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workerpool_jobs_total",
		Help: "The total number of jobs run by the worker pools.",
	}, []string{poolLabel, resultLabel})

	jobLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "workerpool_job_latency",
		Help:    "The time it takes to run a job, in seconds.",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{poolLabel})

	workers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "workerpool_workers",
		Help: "The number of workers.",
	}, []string{poolLabel})
)

func instrumentJob(pool string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}

	jobs.With(prometheus.Labels{
		poolLabel:   pool,
		resultLabel: result,
	}).Inc()

	jobLatency.With(prometheus.Labels{poolLabel: pool}).Observe(d.Seconds())
}

func instrumentWorkers(pool string, delta int) {
	workers.With(prometheus.Labels{poolLabel: pool}).Add(float64(delta))
}
