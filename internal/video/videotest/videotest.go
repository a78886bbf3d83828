// Package videotest provides a synthetic in-memory video stream that can
// imitate the seek inaccuracy of inter-frame codecs.
package videotest

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/bdougie/lapvision/internal/video"
)

const size = 8

// Stream is a deterministic video.Stream. Frame i is an 8x8 image whose first
// pixel encodes i; see IndexOf.
type Stream struct {
	info       video.Info
	decodable  int
	keyframes  int
	brokenPos  bool
	unreadable map[int]bool
	render     func(int) *image.RGBA

	cursor  int
	landed  bool
	reads   int
	seeks   int
	closes  int
	history []int
}

// Option configures a Stream
type Option func(*Stream)

// WithKeyframeInterval makes Seek land on the closest preceding multiple of n,
// with Position reporting where it actually landed.
func WithKeyframeInterval(n int) Option {
	return func(s *Stream) { s.keyframes = n }
}

// WithBrokenPosition makes Position report -3 after any seek to a non-zero
// frame, as some decoders do near the start of H.264 streams.
func WithBrokenPosition() Option {
	return func(s *Stream) { s.brokenPos = true }
}

// WithDecodable limits how many frames can actually be decoded, while Info
// still reports the full frame count.
func WithDecodable(n int) Option {
	return func(s *Stream) { s.decodable = n }
}

// WithUnreadable makes Read fail for the given indices.
func WithUnreadable(indices ...int) Option {
	return func(s *Stream) {
		for _, i := range indices {
			s.unreadable[i] = true
		}
	}
}

// WithRender overrides how frame pixels are produced. IndexOf still works on
// the result because the first pixel is always stamped with the index.
func WithRender(fn func(index int) *image.RGBA) Option {
	return func(s *Stream) { s.render = fn }
}

// New returns a stream with the given frame rate and frame count.
func New(fps float64, frames int, opts ...Option) *Stream {
	s := &Stream{
		info:       video.Info{FPS: fps, FrameCount: frames, Width: size, Height: size},
		decodable:  frames,
		unreadable: map[int]bool{},
		render:     Frame,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Frame renders the canonical synthetic frame for index.
func Frame(index int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, color.RGBA{R: uint8(index * 7), G: uint8(x * 31), B: uint8(y * 31), A: 0xff})
		}
	}
	return img
}

// IndexOf recovers the frame index stamped into img.
func IndexOf(img *image.RGBA) int {
	p := img.Pix
	return int(p[0])<<16 | int(p[1])<<8 | int(p[2])
}

func stamp(img *image.RGBA, index int) {
	img.Pix[0] = uint8(index >> 16)
	img.Pix[1] = uint8(index >> 8)
	img.Pix[2] = uint8(index)
	img.Pix[3] = 0xff
}

func (s *Stream) Info() video.Info { return s.info }

func (s *Stream) Seek(index int) error {
	if s.closes > 0 {
		return errors.New("videotest: stream closed")
	}
	s.seeks++
	if index < 0 || index >= s.info.FrameCount {
		return fmt.Errorf("videotest: seek to %d out of range", index)
	}
	s.cursor = index
	if s.keyframes > 0 {
		s.cursor = index / s.keyframes * s.keyframes
	}
	s.landed = index != 0
	return nil
}

func (s *Stream) Position() int {
	if s.brokenPos && s.landed {
		return -3
	}
	return s.cursor
}

func (s *Stream) Read() (*image.RGBA, error) {
	if s.closes > 0 {
		return nil, errors.New("videotest: stream closed")
	}
	index := s.cursor
	if index >= s.decodable {
		return nil, io.EOF
	}
	s.cursor++
	s.reads++
	s.history = append(s.history, index)
	if s.unreadable[index] {
		return nil, fmt.Errorf("videotest: frame %d is corrupt", index)
	}
	img := s.render(index)
	stamp(img, index)
	return img, nil
}

func (s *Stream) Close() error {
	s.closes++
	return nil
}

// Reads returns the number of frames decoded so far.
func (s *Stream) Reads() int { return s.reads }

// Seeks returns the number of Seek calls so far.
func (s *Stream) Seeks() int { return s.seeks }

// Closes returns the number of Close calls so far.
func (s *Stream) Closes() int { return s.closes }

// Decoded returns the indices decoded so far, in order.
func (s *Stream) Decoded() []int {
	return append([]int(nil), s.history...)
}
