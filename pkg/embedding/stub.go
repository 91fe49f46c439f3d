package embedding

import (
	"context"
	"hash/fnv"
	"math"
)

// Stub is a deterministic Service for tests and local development: it
// hashes the input text into a fixed-dimension unit vector rather than
// calling a real model, so repeated runs over the same text always
// produce the same embedding.
type Stub struct {
	dimensions int
	model      string
}

// NewStub returns a Stub producing vectors of the given dimension.
func NewStub(dimensions int) *Stub {
	return &Stub{dimensions: dimensions, model: "stub-hash"}
}

func (s *Stub) Embed(_ context.Context, text string) ([]float32, error) {
	return hashVector(text, s.dimensions), nil
}

func (s *Stub) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = hashVector(text, s.dimensions)
	}
	return out, nil
}

func (s *Stub) Dimensions() int { return s.dimensions }
func (s *Stub) Model() string   { return s.model }

// hashVector expands text into dimensions floats via a seeded FNV walk,
// then normalizes so stub embeddings behave like real unit vectors under
// cosine similarity.
func hashVector(text string, dimensions int) []float32 {
	out := make([]float32, dimensions)
	if dimensions == 0 {
		return out
	}

	var sumSquares float64
	seed := fnv.New64a()
	for i := 0; i < dimensions; i++ {
		seed.Reset()
		_, _ = seed.Write([]byte{byte(i), byte(i >> 8)})
		_, _ = seed.Write([]byte(text))
		v := float64(seed.Sum64()%2000) / 1000.0 - 1.0
		out[i] = float32(v)
		sumSquares += v * v
	}
	if sumSquares == 0 {
		return out
	}
	norm := float32(1.0 / math.Sqrt(sumSquares))
	for i := range out {
		out[i] *= norm
	}
	return out
}
