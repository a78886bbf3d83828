// Package framestore resolves frame indices to decoded images on top of a
// single video stream, masking codec seek inaccuracy with verified seeks,
// bounded re-decoding and a fixed-capacity LRU cache.
package framestore

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bdougie/lapvision/internal/video"
)

const (
	// DefaultCapacity is the number of decoded frames kept in memory.
	DefaultCapacity = 100

	// Below this index a failed seek re-decodes from frame 0.
	rewindThreshold = 200
	// Above it, re-decoding starts this many frames before the target.
	anchorDistance = 50
	// Every n-th frame visited while re-decoding from 0 is cached.
	rewindCacheEvery = 10
)

var (
	// ErrFrameUnavailable is returned for out-of-range indices and frames that
	// could not be decoded.
	ErrFrameUnavailable = errors.New("framestore: frame unavailable")

	// ErrClosed is returned once the store has been closed.
	ErrClosed = errors.New("framestore: closed")
)

// Store owns one video stream. All stream and cache access happens under mu
// because cache population depends on decode order.
type Store struct {
	mu          sync.Mutex
	stream      video.Stream
	info        video.Info
	cache       *lru.Cache[int, *image.RGBA]
	lastDecoded int
	closed      bool
	logger      *slog.Logger
}

// Options configures a Store
type Options struct {
	Capacity int
	Logger   *slog.Logger
}

// New takes ownership of stream. The stream must already be validated.
func New(stream video.Stream, opts Options) (*Store, error) {
	info := stream.Info()
	if err := info.Validate(); err != nil {
		return nil, err
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cache, err := lru.New[int, *image.RGBA](opts.Capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create frame cache: %w", err)
	}

	return &Store{
		stream:      stream,
		info:        info,
		cache:       cache,
		lastDecoded: -1,
		logger:      opts.Logger,
	}, nil
}

// Info returns the validated stream properties.
func (s *Store) Info() video.Info {
	return s.info
}

// Frame returns a private copy of the frame at index.
func (s *Store) Frame(index int) (*image.RGBA, error) {
	if index < 0 || index >= s.info.FrameCount {
		return nil, fmt.Errorf("%w: index %d outside [0, %d)", ErrFrameUnavailable, index, s.info.FrameCount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	if img, ok := s.cache.Get(index); ok {
		return clone(img), nil
	}

	img, err := s.decode(index)
	if err != nil {
		return nil, fmt.Errorf("%w: index %d: %v", ErrFrameUnavailable, index, err)
	}
	return clone(img), nil
}

// CacheLen reports how many frames are cached.
func (s *Store) CacheLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

// Close releases the stream and clears the cache. Repeated calls are no-ops.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if err := s.stream.Close(); err != nil {
		s.logger.Warn("failed to release video stream", "error", err)
	}
	s.cache.Purge()
	s.lastDecoded = -1
}

func (s *Store) decode(index int) (*image.RGBA, error) {
	if index == s.lastDecoded+1 {
		img, err := s.stream.Read()
		if err == nil {
			s.remember(index, img)
			return img, nil
		}
		s.logger.Debug("sequential read failed, seeking", "frame", index, "error", err)
	}

	s.lastDecoded = -1
	if err := s.stream.Seek(index); err == nil && s.stream.Position() == index {
		img, err := s.stream.Read()
		if err != nil {
			return nil, err
		}
		s.remember(index, img)
		return img, nil
	}

	return s.redecode(index)
}

// redecode walks forward from a safe anchor when a direct seek cannot be
// trusted.
func (s *Store) redecode(index int) (*image.RGBA, error) {
	anchor := 0
	if index >= rewindThreshold {
		anchor = index - anchorDistance
	}

	s.logger.Debug("seek verification failed, re-decoding",
		"frame", index,
		"anchor", anchor,
		"reported", s.stream.Position(),
	)

	if err := s.stream.Seek(anchor); err != nil {
		return nil, fmt.Errorf("failed to seek to anchor %d: %w", anchor, err)
	}
	// A decoder may land on an earlier keyframe; count from where it says it
	// landed when that is usable, otherwise trust the anchor.
	start := anchor
	if pos := s.stream.Position(); pos >= 0 && pos <= index {
		start = pos
	}

	for i := start; i <= index; i++ {
		img, err := s.stream.Read()
		if err != nil {
			s.lastDecoded = -1
			return nil, fmt.Errorf("re-decode stopped at frame %d: %w", i, err)
		}
		s.lastDecoded = i

		if i == index {
			s.cache.Add(i, img)
			return img, nil
		}
		if i%rewindCacheEvery == 0 && !s.cache.Contains(i) {
			s.cache.Add(i, img)
		}
	}
	return nil, fmt.Errorf("frame %d not reached", index)
}

func (s *Store) remember(index int, img *image.RGBA) {
	s.lastDecoded = index
	s.cache.Add(index, img)
}

func clone(img *image.RGBA) *image.RGBA {
	out := &image.RGBA{
		Pix:    make([]uint8, len(img.Pix)),
		Stride: img.Stride,
		Rect:   img.Rect,
	}
	copy(out.Pix, img.Pix)
	return out
}
