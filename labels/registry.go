// Package labels maps model output indices to class names.
package labels

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var ErrConfig = errors.New("invalid class index mapping")

const (
	noTumorRaw     = "notumor"
	noTumorDisplay = "No Tumor"
)

type ClassLabel struct {
	Index       int    `json:"index"`
	RawName     string `json:"raw_name"`
	DisplayName string `json:"display_name"`
}

// Registry is immutable after Parse returns and safe for concurrent use.
type Registry struct {
	labels []ClassLabel
}

func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return Parse(data)
}

// Parse builds a registry from a JSON object whose keys are string-encoded
// integers, e.g. {"0": "glioma", "1": "meningioma"}. The key set must be
// exactly 0..N-1.
func Parse(data []byte) (*Registry, error) {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no classes defined", ErrConfig)
	}

	labels := make([]ClassLabel, len(raw))
	seen := make([]bool, len(raw))
	for key, name := range raw {
		idx, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("%w: key %q is not an integer", ErrConfig, key)
		}
		if idx < 0 || idx >= len(raw) {
			return nil, fmt.Errorf("%w: index %d outside 0..%d", ErrConfig, idx, len(raw)-1)
		}
		if seen[idx] {
			return nil, fmt.Errorf("%w: duplicate index %d", ErrConfig, idx)
		}
		if name == "" {
			return nil, fmt.Errorf("%w: index %d has an empty class name", ErrConfig, idx)
		}
		seen[idx] = true
		labels[idx] = ClassLabel{
			Index:       idx,
			RawName:     name,
			DisplayName: DisplayName(name),
		}
	}
	return &Registry{labels: labels}, nil
}

func (r *Registry) Len() int {
	return len(r.labels)
}

func (r *Registry) Label(index int) (ClassLabel, error) {
	if index < 0 || index >= len(r.labels) {
		return ClassLabel{}, fmt.Errorf("class index %d out of range [0, %d)", index, len(r.labels))
	}
	return r.labels[index], nil
}

// Labels returns a copy of all labels in index order.
func (r *Registry) Labels() []ClassLabel {
	out := make([]ClassLabel, len(r.labels))
	copy(out, r.labels)
	return out
}

// DisplayName title-cases raw with underscores as spaces. Word boundaries
// follow Unicode segmentation, so "2x" and "'s" stay lower case.
func DisplayName(raw string) string {
	if raw == noTumorRaw {
		return noTumorDisplay
	}
	return cases.Title(language.Und).String(strings.ReplaceAll(raw, "_", " "))
}
