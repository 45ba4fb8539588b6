package engine

import (
	"math"
	"math/rand"
	"sort"
	"time"
)

// Sampler turns logits into token IDs for one sequence. Temperature
// zero short-circuits to argmax regardless of the other knobs, so
// greedy decoding stays deterministic.
type Sampler struct {
	params SampleParams
	rng    *rand.Rand
}

func NewSampler(params SampleParams) *Sampler {
	seed := params.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Sampler{
		params: params,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

type tokenProb struct {
	id   int
	prob float64
}

// Sample picks the next token. history feeds the repetition penalty
// and is read-only; logits are modified in place when a penalty
// applies.
func (s *Sampler) Sample(logits []float32, history []int) int {
	if s.params.RepPenalty > 1.0 && len(history) > 0 {
		s.applyRepetitionPenalty(logits, history)
	}

	if s.params.Temperature == 0 {
		return argMax(logits)
	}

	probs := softmaxWithTemperature(logits, s.params.Temperature)

	candidates := make([]tokenProb, 0, len(probs))
	for i, p := range probs {
		if p > 0 && !math.IsNaN(p) {
			candidates = append(candidates, tokenProb{id: i, prob: p})
		}
	}
	if len(candidates) == 0 {
		return argMax(logits)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].prob > candidates[j].prob
	})

	candidates = applyTopK(candidates, s.params.TopK)
	candidates = applyTopP(candidates, s.params.TopP)
	if len(candidates) == 0 {
		return argMax(logits)
	}

	return s.pick(candidates)
}

func (s *Sampler) pick(candidates []tokenProb) int {
	sum := 0.0
	for _, c := range candidates {
		sum += c.prob
	}
	r := s.rng.Float64() * sum
	acc := 0.0
	for _, c := range candidates {
		acc += c.prob
		if r < acc {
			return c.id
		}
	}
	return candidates[0].id
}

// applyRepetitionPenalty divides positive logits and multiplies
// negative ones for every distinct token in the recent history, so a
// penalty > 1 always pushes probability down.
func (s *Sampler) applyRepetitionPenalty(logits []float32, history []int) {
	start := 0
	if len(history) > 64 {
		start = len(history) - 64
	}

	seen := make(map[int]struct{})
	for _, id := range history[start:] {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		if id >= 0 && id < len(logits) {
			if logits[id] > 0 {
				logits[id] /= float32(s.params.RepPenalty)
			} else {
				logits[id] *= float32(s.params.RepPenalty)
			}
		}
	}
}

func softmaxWithTemperature(logits []float32, temperature float64) []float64 {
	probs := make([]float64, len(logits))
	maxVal := math.Inf(-1)
	for i, v := range logits {
		probs[i] = float64(v) / temperature
		if probs[i] > maxVal {
			maxVal = probs[i]
		}
	}

	sum := 0.0
	for i := range probs {
		probs[i] = math.Exp(probs[i] - maxVal)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// argMax returns the highest-logit index, ties going to the lowest
// index. NaN entries never win.
func argMax(logits []float32) int {
	maxIdx := 0
	maxVal := math.Inf(-1)
	for i, v := range logits {
		if f := float64(v); !math.IsNaN(f) && f > maxVal {
			maxVal = f
			maxIdx = i
		}
	}
	return maxIdx
}

func applyTopK(candidates []tokenProb, k int) []tokenProb {
	if k <= 0 || k >= len(candidates) {
		return candidates
	}
	return candidates[:k]
}

// applyTopP keeps the smallest sorted prefix whose cumulative
// probability reaches p, then renormalizes. The boundary token is
// included.
func applyTopP(candidates []tokenProb, p float64) []tokenProb {
	if p <= 0.0 || p >= 1.0 {
		return candidates
	}

	sum := 0.0
	for i, c := range candidates {
		sum += c.prob
		if sum >= p {
			selected := candidates[:i+1]
			total := 0.0
			for _, c := range selected {
				total += c.prob
			}
			for j := range selected {
				selected[j].prob /= total
			}
			return selected
		}
	}
	return candidates
}
