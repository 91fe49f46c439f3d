package vectorindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosineSimilarityIdentical(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity(vec(1, 2, 3), vec(1, 2, 3)), 1e-9)
}

func TestCosineSimilarityOrthogonal(t *testing.T) {
	assert.InDelta(t, 0.0, CosineSimilarity(vec(1, 0), vec(0, 1)), 1e-9)
}

func TestCosineSimilarityMismatchedLength(t *testing.T) {
	assert.Equal(t, 0.0, CosineSimilarity(vec(1, 0), vec(1, 0, 0)))
}

func TestCosineSimilarityZeroVector(t *testing.T) {
	assert.Equal(t, 0.0, CosineSimilarity(vec(0, 0), vec(1, 1)))
}

func TestScoreClampsToUnitRange(t *testing.T) {
	assert.Equal(t, 1.0, Score(1.0))
	assert.Equal(t, 0.0, Score(-1.0))
	assert.InDelta(t, 0.75, Score(0.75), 1e-9)
}

func TestNormalizeUnitLength(t *testing.T) {
	n := Normalize(vec(3, 4))
	assert.InDelta(t, 1.0, CosineSimilarity(n, n), 1e-9)
	assert.InDelta(t, 0.6, n[0], 1e-6)
	assert.InDelta(t, 0.8, n[1], 1e-6)
}

func TestNormalizeZeroVector(t *testing.T) {
	n := Normalize(vec(0, 0, 0))
	assert.Equal(t, []float32{0, 0, 0}, n)
}
