// Package session implements the lap-timing session: a reference frame, a
// bounded similarity search for the next lap boundary, and the history of
// operator-confirmed laps.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/bdougie/lapvision/internal/embeddings"
	"github.com/bdougie/lapvision/internal/framestore"
	"github.com/bdougie/lapvision/internal/models"
	"github.com/bdougie/lapvision/internal/ranker"
	"github.com/bdougie/lapvision/internal/video"
)

const (
	// DefaultTopK is the number of candidates a search returns.
	DefaultTopK = 5
	// SampleSpacing is the time between sampled candidate frames, in seconds.
	SampleSpacing = 0.1
)

var (
	ErrReferenceNotSet            = errors.New("session: reference frame not set")
	ErrClosed                     = errors.New("session: closed")
	ErrEndOfVideo                 = errors.New("session: reached end of video")
	ErrInsufficientVideoRemaining = errors.New("session: insufficient video remaining for a lap")
	ErrEmptySearchRange           = errors.New("session: empty search range")
	ErrLapTooShort                = errors.New("session: lap too short")
	ErrInvalidMinLap              = errors.New("session: invalid minimum lap duration")

	// ErrFrameUnavailable is the frame store's error, re-exported so callers
	// only need this package to classify session errors.
	ErrFrameUnavailable = framestore.ErrFrameUnavailable
)

// State is the position of a session in its lifecycle
type State int

const (
	NoReference State = iota
	ReferenceSet
	Searching
	Closed
)

func (s State) String() string {
	switch s {
	case NoReference:
		return "no_reference"
	case ReferenceSet:
		return "reference_set"
	case Searching:
		return "searching"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Options configures a Session
type Options struct {
	MinLapSeconds float64
	TopK          int
	CacheCapacity int
	Workers       int
	Logger        *slog.Logger
}

// Session owns one frame store. SetReference, ConfirmLap and Close take the
// exclusive lock; reads and searches share it so that the reference never
// changes under an in-flight search.
type Session struct {
	mu       sync.RWMutex
	frames   *framestore.Store
	ranker   *ranker.Ranker
	oracle   embeddings.Oracle
	info     video.Info
	minLap   float64
	topK     int
	logger   *slog.Logger
	searches atomic.Int32

	refIndex     int
	refEmbedding []float32
	laps         []models.Lap
	closed       bool
}

// New takes ownership of stream; it is closed if the session cannot be built.
func New(stream video.Stream, oracle embeddings.Oracle, opts Options) (*Session, error) {
	if opts.MinLapSeconds < 0 || math.IsNaN(opts.MinLapSeconds) || math.IsInf(opts.MinLapSeconds, 0) {
		stream.Close()
		return nil, fmt.Errorf("%w: %v", ErrInvalidMinLap, opts.MinLapSeconds)
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	frames, err := framestore.New(stream, framestore.Options{
		Capacity: opts.CacheCapacity,
		Logger:   opts.Logger,
	})
	if err != nil {
		stream.Close()
		return nil, err
	}

	return &Session{
		frames: frames,
		ranker: ranker.New(frames, oracle, ranker.Options{
			Workers: opts.Workers,
			Logger:  opts.Logger,
		}),
		oracle:   oracle,
		info:     frames.Info(),
		minLap:   opts.MinLapSeconds,
		topK:     opts.TopK,
		logger:   opts.Logger,
		refIndex: -1,
	}, nil
}

// Info returns the video properties. It stays valid after Close.
func (s *Session) Info() video.Info {
	return s.info
}

// MinLapSeconds returns the minimum lap duration fixed at creation.
func (s *Session) MinLapSeconds() float64 {
	return s.minLap
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case s.closed:
		return Closed
	case s.searches.Load() > 0:
		return Searching
	case s.refIndex >= 0:
		return ReferenceSet
	}
	return NoReference
}

// ReferenceFrame returns the current reference frame index, if set.
func (s *Session) ReferenceFrame() (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refIndex, s.refIndex >= 0
}

// Frame returns a copy of the decoded frame at index.
func (s *Session) Frame(index int) (*image.RGBA, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	return s.frames.Frame(index)
}

// SetReference makes index the start of the lap being timed and returns its
// frame.
func (s *Session) SetReference(ctx context.Context, index int) (*image.RGBA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	img, vec, err := s.embedFrame(ctx, index)
	if err != nil {
		return nil, err
	}

	s.refIndex = index
	s.refEmbedding = vec
	s.logger.Info("reference frame set", "frame", index, "time", models.FormatTime(s.seconds(index)))
	return img, nil
}

// ConfirmLap records a lap ending at index and makes index the new reference.
// On error the session is left unchanged.
func (s *Session) ConfirmLap(ctx context.Context, index int) (models.Lap, models.Statistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return models.Lap{}, models.Statistics{}, ErrClosed
	}
	if s.refIndex < 0 {
		return models.Lap{}, models.Statistics{}, ErrReferenceNotSet
	}
	if index < 0 || index >= s.info.FrameCount {
		return models.Lap{}, models.Statistics{}, fmt.Errorf("%w: index %d outside [0, %d)", ErrFrameUnavailable, index, s.info.FrameCount)
	}

	duration := float64(index-s.refIndex) / s.info.FPS
	if index <= s.refIndex || duration < s.minLap {
		return models.Lap{}, models.Statistics{}, fmt.Errorf("%w: %s < %s",
			ErrLapTooShort, models.FormatTime(duration), models.FormatTime(s.minLap))
	}
	if n := len(s.laps); n > 0 && index <= s.laps[n-1].FrameIndex {
		return models.Lap{}, models.Statistics{}, fmt.Errorf("%w: frame %d does not follow the last confirmed lap at frame %d",
			ErrLapTooShort, index, s.laps[n-1].FrameIndex)
	}

	_, vec, err := s.embedFrame(ctx, index)
	if err != nil {
		return models.Lap{}, models.Statistics{}, err
	}

	lap := models.Lap{
		Number:     len(s.laps) + 1,
		FrameIndex: index,
		Duration:   duration,
		Formatted:  models.FormatTime(duration),
		Embedding:  vec,
	}
	s.laps = append(s.laps, lap)
	s.refIndex = index
	s.refEmbedding = vec

	s.logger.Info("lap confirmed", "lap", lap.Number, "frame", index, "duration", lap.Formatted)
	return lap, models.NewStatistics(s.laps), nil
}

// Statistics summarises the confirmed laps.
func (s *Session) Statistics() (models.Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return models.Statistics{}, ErrClosed
	}
	return models.NewStatistics(s.laps), nil
}

// Snapshot is a consistent copy of the session state for persistence
type Snapshot struct {
	Info               video.Info
	MinLapSeconds      float64
	ReferenceFrame     *int
	ReferenceEmbedding []float32
	Statistics         models.Statistics
}

func (s *Session) Snapshot() (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Snapshot{}, ErrClosed
	}

	snap := Snapshot{
		Info:          s.info,
		MinLapSeconds: s.minLap,
		Statistics:    models.NewStatistics(s.laps),
	}
	if s.refIndex >= 0 {
		ref := s.refIndex
		snap.ReferenceFrame = &ref
		snap.ReferenceEmbedding = append([]float32(nil), s.refEmbedding...)
	}
	return snap, nil
}

// Close releases the video stream and cache. Repeated calls are no-ops.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.frames.Close()
	s.refEmbedding = nil
	s.logger.Info("session closed", "laps", len(s.laps))
}

func (s *Session) embedFrame(ctx context.Context, index int) (*image.RGBA, []float32, error) {
	img, err := s.frames.Frame(index)
	if err != nil {
		return nil, nil, err
	}
	vec, err := s.oracle.Embed(ctx, img)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to embed frame %d: %w", index, err)
	}
	return img, vec, nil
}

func (s *Session) seconds(index int) float64 {
	return float64(index) / s.info.FPS
}
