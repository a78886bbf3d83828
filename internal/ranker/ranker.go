// Package ranker scores candidate frames against a reference embedding and
// returns the most similar ones.
package ranker

import (
	"context"
	"image"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bdougie/lapvision/internal/embeddings"
)

// DefaultWorkers bounds concurrent oracle calls per ranking.
const DefaultWorkers = 4

// FrameSource decodes frames by index
type FrameSource interface {
	Frame(index int) (*image.RGBA, error)
}

// Candidate is a ranked frame
type Candidate struct {
	Index int
	Image *image.RGBA
	Score float64
}

// Ranker decodes candidates sequentially (the frame source has a single
// cursor) and embeds them on a bounded pool of workers.
type Ranker struct {
	frames  FrameSource
	oracle  embeddings.Oracle
	workers int
	logger  *slog.Logger
}

// Options configures a Ranker
type Options struct {
	Workers int
	Logger  *slog.Logger
}

func New(frames FrameSource, oracle embeddings.Oracle, opts Options) *Ranker {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Ranker{
		frames:  frames,
		oracle:  oracle,
		workers: opts.Workers,
		logger:  opts.Logger,
	}
}

// Rank returns at most k candidates ordered by descending similarity to
// reference. Ties keep candidate order. Frames that fail to decode or embed
// are skipped; an empty result is not an error. Only the current top k images
// are retained while scoring, so memory stays bounded by k plus the frames in
// flight on the workers.
func (r *Ranker) Rank(ctx context.Context, indices []int, reference []float32, k int) ([]Candidate, error) {
	if k <= 0 || len(indices) == 0 {
		return []Candidate{}, nil
	}

	best := newTopK(k)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for i, index := range indices {
		if err := gctx.Err(); err != nil {
			break
		}

		img, err := r.frames.Frame(index)
		if err != nil {
			r.logger.Warn("skipping candidate frame", "frame", index, "error", err)
			continue
		}

		g.Go(func() error {
			vec, err := r.oracle.Embed(gctx, img)
			if err != nil {
				r.logger.Warn("skipping candidate frame", "frame", index, "error", err)
				return nil
			}
			best.offer(i, Candidate{
				Index: index,
				Image: img,
				Score: embeddings.Similarity(reference, vec),
			})
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return best.candidates(), nil
}

type ranked struct {
	pos int
	Candidate
}

// topK keeps the k best candidates seen so far, ordered by descending score
// and then by candidate position.
type topK struct {
	mu    sync.Mutex
	k     int
	items []ranked
}

func newTopK(k int) *topK {
	return &topK{k: k, items: make([]ranked, 0, k)}
}

func (t *topK) offer(pos int, c Candidate) {
	t.mu.Lock()
	defer t.mu.Unlock()

	at := sort.Search(len(t.items), func(i int) bool {
		it := t.items[i]
		return c.Score > it.Score || (c.Score == it.Score && pos < it.pos)
	})
	if at >= t.k {
		return
	}
	if len(t.items) == t.k {
		// Evict the worst so its image can be collected.
		t.items[t.k-1] = ranked{}
		t.items = t.items[:t.k-1]
	}
	t.items = append(t.items, ranked{})
	copy(t.items[at+1:], t.items[at:])
	t.items[at] = ranked{pos: pos, Candidate: c}
}

func (t *topK) candidates() []Candidate {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Candidate, len(t.items))
	for i, it := range t.items {
		out[i] = it.Candidate
	}
	return out
}
