package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/krau/tumorlens/labels"
	"github.com/krau/tumorlens/metrics"
)

// Predictor runs the normalize, infer, label and persist pipeline. Its
// collaborators are fixed at construction and shared by all requests.
type Predictor struct {
	model     Model
	registry  *labels.Registry
	history   HistoryWriter
	imageSize int
}

func NewPredictor(model Model, registry *labels.Registry, history HistoryWriter, imageSize int) *Predictor {
	if imageSize <= 0 {
		imageSize = DefaultImageSize
	}
	return &Predictor{
		model:     model,
		registry:  registry,
		history:   history,
		imageSize: imageSize,
	}
}

func (p *Predictor) Registry() *labels.Registry {
	return p.registry
}

func (p *Predictor) ImageSize() int {
	return p.imageSize
}

func (p *Predictor) Predict(ctx context.Context, data []byte, filename string) (*PredictionResult, error) {
	if strings.TrimSpace(filename) == "" {
		return nil, ErrNoFilename
	}
	if len(data) == 0 {
		return nil, ErrEmptyFile
	}

	input, err := Normalize(data, p.imageSize)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	probs, err := p.model.Infer(ctx, input)
	metrics.InferenceDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}
	if len(probs) != p.registry.Len() {
		return nil, fmt.Errorf("%w: model returned %d scores for %d classes", ErrInference, len(probs), p.registry.Len())
	}

	ranking := make([]ClassScore, 0, len(probs))
	all := make(map[string]float64, len(probs))
	for i, v := range probs {
		if math.IsNaN(float64(v)) {
			return nil, fmt.Errorf("%w: score for class %d is NaN", ErrInference, i)
		}
		l, err := p.registry.Label(i)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInference, err)
		}
		all[l.DisplayName] = float64(v)
		ranking = append(ranking, ClassScore{Class: l.DisplayName, Score: float64(v)})
	}

	best := ArgMax(probs)
	predicted, _ := p.registry.Label(best)
	confidence := float64(probs[best])

	sort.SliceStable(ranking, func(i, j int) bool {
		return ranking[i].Score > ranking[j].Score
	})

	rec, err := p.history.Append(ctx, data, filename, predicted.DisplayName, confidence)
	if err != nil {
		return nil, err
	}
	metrics.Predictions.WithLabelValues(predicted.DisplayName).Inc()

	return &PredictionResult{
		Success:        true,
		PredictedClass: predicted.DisplayName,
		Confidence:     confidence,
		AllPredictions: all,
		Ranking:        ranking,
		Record:         rec,
	}, nil
}
