package history

import "time"

// Record is one row of the predictions table. ImageFilename names a file in
// the store's image directory.
type Record struct {
	ID            int64     `json:"id"`
	ImageFilename string    `json:"image_filename"`
	Prediction    string    `json:"prediction"`
	Confidence    float64   `json:"confidence"`
	Timestamp     time.Time `json:"timestamp"`
	ModelVersion  string    `json:"model_version"`
}

type ClearResult struct {
	Rows  int64 `json:"rows"`
	Files int   `json:"files"`
}
