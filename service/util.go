package service

import (
	"math"
)

// Softmax maps logits onto the probability simplex. The maximum is
// subtracted before exponentiation so large logits cannot overflow.
func Softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}
	m := logits[0]
	for _, v := range logits[1:] {
		m = max(m, v)
	}
	exps := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		exps[i] = math.Exp(float64(v - m))
		sum += exps[i]
	}
	out := make([]float32, len(logits))
	for i, e := range exps {
		out[i] = float32(e / sum)
	}
	return out
}

// ArgMax returns the index of the largest value; ties resolve to the lowest
// index. It returns -1 for an empty slice.
func ArgMax(values []float32) int {
	if len(values) == 0 {
		return -1
	}
	best := 0
	for i, v := range values[1:] {
		if v > values[best] {
			best = i + 1
		}
	}
	return best
}
