// Package embeddings maps decoded frames to L2-normalized feature vectors.
package embeddings

import (
	"context"
	"errors"
	"image"
	"math"
)

// ErrEmptyEmbedding is returned when an oracle produces a zero-length or
// all-zero vector that cannot be normalized.
var ErrEmptyEmbedding = errors.New("embeddings: empty embedding")

// Oracle deterministically embeds an image into a fixed-length unit vector.
// Implementations must be safe for concurrent use.
type Oracle interface {
	Embed(ctx context.Context, img image.Image) ([]float32, error)

	// Name identifies the oracle in video info and logs.
	Name() string
}

// Normalize scales v to unit length in place and returns it.
func Normalize(v []float32) ([]float32, error) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if len(v) == 0 || sum == 0 || math.IsNaN(sum) {
		return nil, ErrEmptyEmbedding
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v, nil
}

// Similarity is the dot product of two unit vectors, i.e. their cosine
// similarity. Vectors of different length score -1.
func Similarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return math.Max(-1, math.Min(1, dot))
}
