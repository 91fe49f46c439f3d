package vectorindex

import "math"

// CosineSimilarity computes cosine similarity between two float32 vectors,
// accumulating in float64 for precision even though the inputs are
// float32 ("distance is cosine"), matching the
// pkg/math/vector.CosineSimilarity.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Score maps a cosine similarity value to the [0,1] score spec §4.3
// requires: score = max(0, min(1, 1 - distance)), distance = 1 - cosine.
func Score(cosine float64) float64 {
	distance := 1 - cosine
	score := 1 - distance
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Normalize returns a unit-length copy of vec; the zero vector normalizes
// to itself.
func Normalize(vec []float32) []float32 {
	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}
	out := make([]float32, len(vec))
	if sumSquares == 0 {
		return out
	}
	norm := math.Sqrt(sumSquares)
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
