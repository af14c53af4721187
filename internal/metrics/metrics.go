// Package metrics exposes Prometheus counters for the batch pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ImagesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "facesift_images_processed_total",
		Help: "Images that completed face analysis.",
	})

	ImagesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "facesift_images_failed_total",
		Help: "Images whose decode or analysis failed and were absorbed.",
	})

	FacesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "facesift_faces_detected_total",
		Help: "Faces returned by the face engine.",
	})

	MatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facesift_match_outcomes_total",
		Help: "Face match outcomes by class.",
	}, []string{"outcome"})

	BatchesCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "facesift_batches_committed_total",
		Help: "Batches that reached COMMITTED.",
	})

	FanOutCopies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facesift_fanout_copies_total",
		Help: "Fan-out copy results by status.",
	}, []string{"status"})

	EmbeddingsLearned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "facesift_embeddings_learned_total",
		Help: "Embeddings added by strict-match learning.",
	})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "facesift_active_workers",
		Help: "Analysis goroutines currently running.",
	})

	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "facesift_batch_duration_seconds",
		Help:    "Wall time from claiming a batch to COMMITTED.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)
