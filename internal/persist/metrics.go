package persist

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tablestage_commits_total",
		Help: "Table commits by result (ok, failed, rejected, empty).",
	}, []string{"result"})

	commitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tablestage_commit_duration_seconds",
		Help:    "Time spent writing tables into the transcript.",
		Buckets: prometheus.DefBuckets,
	})

	resyncFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tablestage_resync_failures_total",
		Help: "Knowledge base resyncs that failed after a save.",
	})

	purgedFields = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tablestage_purged_fields_total",
		Help: "Tool-owned fields removed from transcript entries.",
	})
)
