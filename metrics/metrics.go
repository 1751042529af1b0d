package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Predictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tumorlens_predictions_total",
		Help: "Successful predictions by predicted class",
	}, []string{"class"})
	PredictionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tumorlens_prediction_failures_total",
		Help: "Failed prediction requests by error kind",
	}, []string{"kind"})
	InferenceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tumorlens_inference_seconds",
		Help:    "Duration of a single model forward pass",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
	HistoryClears = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tumorlens_history_clears_total",
		Help: "Number of times the prediction history was cleared",
	})
	OrphanedImages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tumorlens_orphaned_images_total",
		Help: "Images written to the history directory without a matching row",
	})
)
