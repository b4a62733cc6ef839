package sample

import (
	"errors"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"
)

type greedy struct{}

// Greedy returns the sampler that always picks the highest logit.
func Greedy() Sampler {
	return greedy{}
}

func (greedy) Sample(logits []float32) (int32, error) {
	if len(logits) == 0 {
		return -1, errors.New("no logits to sample")
	}

	logits64 := make([]float64, len(logits))
	for i, v := range logits {
		logits64[i] = float64(v)
	}

	return int32(floats.MaxIdx(logits64)), nil
}

type weighted struct {
	src        rand.Source
	transforms []Transform
}

// NewWeighted returns a sampler drawing from the softmax distribution after
// applying the transforms in order. A nil seed leaves the source unseeded.
func NewWeighted(seed *uint64, transforms ...Transform) Sampler {
	var src rand.Source
	if seed != nil {
		src = rand.NewSource(*seed)
	}
	return weighted{src: src, transforms: transforms}
}

func (s weighted) Sample(logits []float32) (int32, error) {
	if len(logits) == 0 {
		return -1, errors.New("no logits to sample")
	}

	logits64 := make([]float64, len(logits))
	for i, v := range logits {
		logits64[i] = float64(v)
	}

	var err error
	for _, t := range s.transforms {
		logits64, err = t.Apply(logits64)
		if err != nil {
			return -1, err
		}
	}

	// drop excluded tokens before the draw, remembering original indices
	kept := make([]float64, 0, len(logits64))
	indices := make([]int, 0, len(logits64))
	for i, logit := range logits64 {
		if !math.IsInf(logit, -1) {
			kept = append(kept, logit)
			indices = append(indices, i)
		}
	}

	if len(kept) == 0 {
		return -1, errors.New("transforms excluded every token")
	}

	w := sampleuv.NewWeighted(softmax(kept), s.src)
	if idx, ok := w.Take(); ok {
		return int32(indices[idx]), nil
	}
	return -1, errors.New("weighted draw produced no token")
}

// New builds the sampler for one generation request. Temperature zero means
// greedy; otherwise temperature scaling runs first and any of top-k, top-p
// and min-p that are set narrow the distribution before the draw.
func New(temperature float32, topK int, topP, minP float32, seed *uint64) Sampler {
	if temperature == 0 {
		return Greedy()
	}

	transforms := []Transform{Temperature(temperature)}
	if topK > 0 {
		transforms = append(transforms, TopK(topK))
	}
	if topP > 0 && topP < 1 {
		transforms = append(transforms, TopP(topP))
	}
	if minP > 0 && minP < 1 {
		transforms = append(transforms, MinP(minP))
	}

	return NewWeighted(seed, transforms...)
}
