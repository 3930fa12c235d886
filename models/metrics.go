package models

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	fromLabel = "from"
	toLabel   = "to"
)

var (
	tileStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tile_state_transitions_total",
		Help: "The number of tile content state transitions.",
	}, []string{fromLabel, toLabel})

	tileStateTransitionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tile_state_transition_errors_total",
		Help: "The number of rejected tile content state transitions.",
	}, []string{fromLabel, toLabel})
)

func instrumentTransition(from, to ContentState) {
	tileStateTransitions.
		With(prometheus.Labels{
			fromLabel: from.String(),
			toLabel:   to.String(),
		}).
		Inc()
}

func instrumentTransitionError(from, to ContentState) {
	tileStateTransitionErrors.
		With(prometheus.Labels{
			fromLabel: from.String(),
			toLabel:   to.String(),
		}).
		Inc()
}
