package session

import (
	"context"
	"fmt"
	"math"

	"github.com/bdougie/lapvision/internal/ranker"
)

// Float slack when converting seconds to frame counts, so that 18s at 30fps
// is exactly 540 frames.
const frameEpsilon = 1e-9

// Window is the frame range searched for the next lap boundary. Candidates are
// sampled every Step frames over [MinFrame, MaxFrame).
type Window struct {
	Start    int
	MinFrame int
	MaxFrame int
	Step     int

	// Truncated is set when the requested window ran past the end of the
	// video and was shrunk to what remains.
	Truncated bool
}

// Candidates returns the sampled frame indices.
func (w Window) Candidates() []int {
	if w.Step <= 0 || w.MaxFrame <= w.MinFrame {
		return nil
	}
	out := make([]int, 0, (w.MaxFrame-w.MinFrame+w.Step-1)/w.Step)
	for i := w.MinFrame; i < w.MaxFrame; i += w.Step {
		out = append(out, i)
	}
	return out
}

// SearchResult holds the ranked candidates of one search
type SearchResult struct {
	Window     Window
	Candidates []ranker.Candidate
}

// SearchNextLap ranks frames in the window following the current lap start
// by similarity to the reference frame. It does not modify the session.
func (s *Session) SearchNextLap(ctx context.Context, windowSeconds float64) (*SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.refIndex < 0 {
		return nil, ErrReferenceNotSet
	}

	window, err := s.window(windowSeconds)
	if err != nil {
		return nil, err
	}
	candidates := window.Candidates()
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: [%d, %d) step %d", ErrEmptySearchRange, window.MinFrame, window.MaxFrame, window.Step)
	}

	if window.Truncated {
		s.logger.Warn("search window truncated at end of video",
			"requested_seconds", windowSeconds,
			"min_frame", window.MinFrame,
			"max_frame", window.MaxFrame,
		)
	}

	s.searches.Add(1)
	defer s.searches.Add(-1)

	ranked, err := s.ranker.Rank(ctx, candidates, s.refEmbedding, s.topK)
	if err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		return nil, fmt.Errorf("%w: none of %d candidates in [%d, %d) could be decoded",
			ErrFrameUnavailable, len(candidates), window.MinFrame, window.MaxFrame)
	}

	s.logger.Debug("search complete",
		"window", fmt.Sprintf("[%d, %d)", window.MinFrame, window.MaxFrame),
		"candidates", len(candidates),
		"best_frame", ranked[0].Index,
		"best_score", ranked[0].Score,
	)
	return &SearchResult{Window: window, Candidates: ranked}, nil
}

// window computes the search range. Callers hold s.mu.
func (s *Session) window(windowSeconds float64) (Window, error) {
	if windowSeconds <= 0 || math.IsNaN(windowSeconds) || math.IsInf(windowSeconds, 0) {
		return Window{}, fmt.Errorf("%w: window of %v seconds", ErrEmptySearchRange, windowSeconds)
	}

	fps := s.info.FPS
	total := s.info.FrameCount

	start := s.refIndex
	if n := len(s.laps); n > 0 {
		start = s.laps[n-1].FrameIndex
	}

	minFrame := start + int(math.Ceil(s.minLap*fps-frameEpsilon))
	if minFrame >= total {
		return Window{}, fmt.Errorf("%w: next lap cannot start before frame %d of %d", ErrEndOfVideo, minFrame, total)
	}

	// Capped at the frame count so huge windows cannot overflow int.
	span := math.Min(windowSeconds*fps, float64(total))
	nominal := minFrame + int(math.Floor(span+frameEpsilon))
	maxFrame := min(nominal, total-1)
	if maxFrame <= minFrame {
		maxFrame = total - 1
		if maxFrame <= minFrame {
			return Window{}, fmt.Errorf("%w: frame %d is the last frame", ErrInsufficientVideoRemaining, minFrame)
		}
	}

	return Window{
		Start:     start,
		MinFrame:  minFrame,
		MaxFrame:  maxFrame,
		Step:      max(1, int(math.Round(SampleSpacing*fps))),
		Truncated: maxFrame < nominal,
	}, nil
}
