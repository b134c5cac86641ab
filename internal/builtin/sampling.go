package builtin

import (
	"math"
	"math/rand"
	"sort"

	"github.com/hochfrequenz/ftrun/internal/llm"
)

// sampleNext picks the next token from logits. Tokens already in seq are
// penalized, then temperature, top-k and top-p shape the distribution.
func sampleNext(logits []*value, seq []int, sc llm.SamplingConfig, rng *rand.Rand) int {
	seen := make(map[int]bool, len(seq))
	for _, id := range seq {
		seen[id] = true
	}

	l := make([]float64, len(logits))
	for i, lv := range logits {
		l[i] = lv.data
		if seen[i] && sc.RepetitionPenalty > 0 && sc.RepetitionPenalty != 1 {
			if l[i] >= 0 {
				l[i] /= sc.RepetitionPenalty
			} else {
				l[i] *= sc.RepetitionPenalty
			}
		}
	}

	if !sc.DoSample || sc.Temperature <= 0 {
		return argmax(l)
	}
	for i := range l {
		l[i] /= sc.Temperature
	}
	w := softmaxFloat(l)
	if sc.TopK > 0 {
		w = applyTopK(w, sc.TopK)
	}
	if sc.TopP > 0 && sc.TopP < 1 {
		w = applyTopP(w, sc.TopP)
	}
	return sampleWeighted(w, rng)
}

func argmax(xs []float64) int {
	best := 0
	for i, x := range xs {
		if x > xs[best] {
			best = i
		}
	}
	return best
}

func softmaxFloat(logits []float64) []float64 {
	maxLogit := math.Inf(-1)
	for _, l := range logits {
		maxLogit = math.Max(maxLogit, l)
	}
	out := make([]float64, len(logits))
	var total float64
	for i, l := range logits {
		out[i] = math.Exp(l - maxLogit)
		total += out[i]
	}
	for i := range out {
		out[i] /= total
	}
	return out
}

type weighted struct {
	i int
	w float64
}

func ranked(weights []float64) []weighted {
	arr := make([]weighted, len(weights))
	for i, w := range weights {
		arr[i] = weighted{i, w}
	}
	sort.SliceStable(arr, func(i, j int) bool { return arr[i].w > arr[j].w })
	return arr
}

func applyTopK(weights []float64, k int) []float64 {
	if k >= len(weights) {
		return weights
	}
	out := make([]float64, len(weights))
	for _, kv := range ranked(weights)[:k] {
		out[kv.i] = kv.w
	}
	return out
}

func applyTopP(weights []float64, p float64) []float64 {
	var total float64
	for _, w := range weights {
		total += w
	}
	out := make([]float64, len(weights))
	var cum float64
	for _, kv := range ranked(weights) {
		cum += kv.w
		out[kv.i] = kv.w
		if cum >= p*total {
			break
		}
	}
	return out
}

func sampleWeighted(weights []float64, rng *rand.Rand) int {
	var total float64
	for _, w := range weights {
		total += w
	}
	r := rng.Float64() * total
	var running float64
	for i, w := range weights {
		running += w
		if w > 0 && r <= running {
			return i
		}
	}
	return argmax(weights)
}
