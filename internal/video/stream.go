// Package video opens seekable, frame-addressable video sources.
package video

import (
	"errors"
	"fmt"
	"image"
)

// ErrInvalidVideo is returned when a source cannot be opened or reports a
// non-positive frame rate or frame count.
var ErrInvalidVideo = errors.New("video: invalid video source")

// Info holds the validated properties of an opened stream
type Info struct {
	FPS        float64
	FrameCount int
	Width      int
	Height     int
}

// Duration returns the stream length in seconds.
func (i Info) Duration() float64 {
	return float64(i.FrameCount) / i.FPS
}

// Validate rejects streams that must never reach the rest of the system.
func (i Info) Validate() error {
	if i.FPS <= 0 || i.FrameCount <= 0 {
		return fmt.Errorf("%w: fps=%v frames=%d", ErrInvalidVideo, i.FPS, i.FrameCount)
	}
	return nil
}

// Stream is a stateful decoder with a single read cursor. Implementations are
// not safe for concurrent use.
type Stream interface {
	Info() Info

	// Seek repositions the cursor so the next Read returns the frame at index.
	// Codecs with inter-frame compression may land elsewhere; callers verify
	// with Position.
	Seek(index int) error

	// Position reports the index of the frame the next Read will return.
	// A negative value means the position is unknown.
	Position() int

	// Read decodes the frame at the cursor and advances it. It returns io.EOF
	// once the stream is exhausted.
	Read() (*image.RGBA, error)

	Close() error
}
