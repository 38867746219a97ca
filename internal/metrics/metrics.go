package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "riverseq_cache_hits_total",
			Help: "Basin record cache artifacts read without touching raw data",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "riverseq_cache_misses_total",
			Help: "Basin record cache lookups that required a rebuild",
		},
	)

	BasinsLoaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "riverseq_basins_loaded_total",
			Help: "Basins successfully assembled from raw data",
		},
	)

	BasinsExcluded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "riverseq_basins_excluded_total",
			Help: "Basins dropped during load due to data errors",
		},
	)

	WindowsIndexed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riverseq_windows_indexed_total",
			Help: "Windows emitted per subset enumeration",
		},
		[]string{"subset"},
	)

	BatchesProduced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "riverseq_batches_produced_total",
			Help: "Batches materialized across all epochs",
		},
	)

	TrainingLoss = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riverseq_training_loss",
			Help: "Most recent epoch-average training loss",
		},
	)

	TrialsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riverseq_search_trials_total",
			Help: "Hyperparameter search trials by outcome",
		},
		[]string{"outcome"},
	)
)
