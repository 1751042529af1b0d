package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/krau/tumorlens/history"
)

var (
	ErrValidation = errors.New("invalid request")
	ErrDecode     = errors.New("unsupported or corrupt image")
	ErrInference  = errors.New("inference failed")

	ErrNoFilename = fmt.Errorf("%w: no file selected", ErrValidation)
	ErrEmptyFile  = fmt.Errorf("%w: uploaded file is empty", ErrValidation)
)

// Model runs a single forward pass over a normalized (1, S, S, 3) tensor and
// returns one probability per class, indexed by class index.
type Model interface {
	Infer(ctx context.Context, input []float32) ([]float32, error)
}

type HistoryWriter interface {
	Append(ctx context.Context, image []byte, originalFilename, prediction string, confidence float64) (history.Record, error)
}

type ClassScore struct {
	Class string  `json:"class"`
	Score float64 `json:"score"`
}

type PredictionResult struct {
	Success        bool               `json:"success"`
	PredictedClass string             `json:"predicted_class"`
	Confidence     float64            `json:"confidence"`
	AllPredictions map[string]float64 `json:"all_predictions"`
	Ranking        []ClassScore       `json:"ranking"`

	Record history.Record `json:"-"`
}
