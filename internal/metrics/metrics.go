// Package metrics holds the prometheus collectors for jobs and segments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

var (
	// JobsTotal counts finished Process calls by outcome
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vodpull",
			Name:      "jobs_total",
			Help:      "Video jobs by outcome",
		},
		[]string{"outcome"},
	)

	// JobFailuresTotal counts failed jobs by the stage that failed
	JobFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vodpull",
			Name:      "job_failures_total",
			Help:      "Failed video jobs by stage",
		},
		[]string{"stage"},
	)

	// SegmentsTotal counts segment tasks by outcome
	SegmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vodpull",
			Name:      "segments_total",
			Help:      "Segment tasks by outcome",
		},
		[]string{"outcome"},
	)

	// APIRequestsTotal counts content API calls by endpoint and outcome
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vodpull",
			Name:      "api_requests_total",
			Help:      "Content API requests by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	// JobsInFlight tracks claimed ids
	JobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vodpull",
		Name:      "jobs_in_flight",
		Help:      "Video ids currently claimed by a job",
	})
)
