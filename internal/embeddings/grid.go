package embeddings

import (
	"context"
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// DefaultGridSize is the side length of the downscaled colour grid.
const DefaultGridSize = 16

const (
	// Weight of the per-channel means appended after the centred grid.
	meanWeight = 0.25
	// Constant component so that flat frames still normalize.
	biasWeight = 0.01
)

// GridOracle embeds a frame as its downscaled colour layout. Each channel is
// mean-centred before normalization so that global brightness changes do not
// dominate the score. It needs no model and is fully deterministic.
type GridOracle struct {
	size int
}

// NewGridOracle returns a grid oracle with size x size cells.
func NewGridOracle(size int) *GridOracle {
	if size <= 0 {
		size = DefaultGridSize
	}
	return &GridOracle{size: size}
}

func (g *GridOracle) Name() string {
	return fmt.Sprintf("grid-%dx%d", g.size, g.size)
}

func (g *GridOracle) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if img.Bounds().Empty() {
		return nil, ErrEmptyEmbedding
	}

	small := image.NewRGBA(image.Rect(0, 0, g.size, g.size))
	draw.ApproxBiLinear.Scale(small, small.Bounds(), img, img.Bounds(), draw.Src, nil)

	cells := g.size * g.size
	vec := make([]float32, 3*cells+4)
	var mean [3]float32
	for i := 0; i < cells; i++ {
		for c := 0; c < 3; c++ {
			v := float32(small.Pix[i*4+c]) / 255
			vec[c*cells+i] = v
			mean[c] += v
		}
	}
	for c := 0; c < 3; c++ {
		mean[c] /= float32(cells)
		for i := 0; i < cells; i++ {
			vec[c*cells+i] -= mean[c]
		}
		vec[3*cells+c] = mean[c] * meanWeight
	}
	vec[3*cells+3] = biasWeight

	return Normalize(vec)
}
