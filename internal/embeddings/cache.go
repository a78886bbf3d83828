package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"image"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedOracle memoizes another oracle by frame content. Only *image.RGBA
// inputs are cached; anything else is passed straight through.
type CachedOracle struct {
	oracle Oracle
	cache  *lru.Cache[[sha256.Size]byte, []float32]
}

// NewCachedOracle wraps oracle with a content-addressed cache of size entries.
func NewCachedOracle(oracle Oracle, size int) (*CachedOracle, error) {
	cache, err := lru.New[[sha256.Size]byte, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &CachedOracle{oracle: oracle, cache: cache}, nil
}

func (c *CachedOracle) Name() string {
	return c.oracle.Name()
}

func (c *CachedOracle) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	rgba, ok := img.(*image.RGBA)
	if !ok {
		return c.oracle.Embed(ctx, img)
	}

	key := contentHash(rgba)
	if cached, ok := c.cache.Get(key); ok {
		return append([]float32(nil), cached...), nil
	}

	vec, err := c.oracle.Embed(ctx, img)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, append([]float32(nil), vec...))
	return vec, nil
}

// Len reports the number of cached embeddings.
func (c *CachedOracle) Len() int {
	return c.cache.Len()
}

func contentHash(img *image.RGBA) [sha256.Size]byte {
	h := sha256.New()
	var dims [16]byte
	binary.LittleEndian.PutUint32(dims[0:], uint32(img.Rect.Dx()))
	binary.LittleEndian.PutUint32(dims[4:], uint32(img.Rect.Dy()))
	binary.LittleEndian.PutUint32(dims[8:], uint32(img.Stride))
	h.Write(dims[:])
	h.Write(img.Pix)

	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
