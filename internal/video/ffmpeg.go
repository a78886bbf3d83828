package video

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
)

// FFmpegStream decodes a video file by piping raw RGB frames out of an ffmpeg
// subprocess. Seeking restarts the subprocess at the requested timestamp.
type FFmpegStream struct {
	path   string
	probe  *ProbeResult
	logger *slog.Logger

	cmd    *exec.Cmd
	stdout *bufio.Reader
	stderr *bytes.Buffer
	buf    []byte

	// next is the index the next Read returns; -1 when unknown.
	next      int
	started   bool
	closeOnce sync.Once
}

// Open probes path and returns a stream positioned at frame 0.
func Open(ctx context.Context, path string, logger *slog.Logger) (*FFmpegStream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	probe, err := Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	logger.Info("opened video",
		"path", path,
		"fps", probe.FPS,
		"frames", probe.FrameCount,
		"width", probe.Width,
		"height", probe.Height,
	)

	return &FFmpegStream{
		path:   path,
		probe:  probe,
		logger: logger,
		buf:    make([]byte, probe.Width*probe.Height*3),
	}, nil
}

func (s *FFmpegStream) Info() Info {
	return s.probe.Info
}

// Position is exact by construction: every Seek restarts ffmpeg with an
// accurate input seek, so the first frame piped out is the requested one and
// each Read advances by one.
func (s *FFmpegStream) Position() int {
	return s.next
}

// Seek restarts decoding at index. The seek target sits half a frame early so
// that timestamp rounding never skips the wanted frame.
func (s *FFmpegStream) Seek(index int) error {
	s.stop()
	if index < 0 || index >= s.probe.FrameCount {
		s.next = -1
		return fmt.Errorf("seek to frame %d: out of range [0, %d)", index, s.probe.FrameCount)
	}

	at := 0.0
	if index > 0 {
		at = (float64(index) - 0.5) / s.probe.FPS
	}
	if err := s.start(at); err != nil {
		s.next = -1
		return err
	}
	s.next = index
	return nil
}

func (s *FFmpegStream) Read() (*image.RGBA, error) {
	if !s.started {
		if s.next < 0 {
			return nil, errors.New("read from stream with unknown position")
		}
		if err := s.Seek(s.next); err != nil {
			return nil, err
		}
	}

	if _, err := io.ReadFull(s.stdout, s.buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read frame from ffmpeg: %w", err)
	}

	img := rgbToRGBA(s.buf, s.probe.Width, s.probe.Height)
	if s.next >= 0 {
		s.next++
	}
	return img, nil
}

// Close stops the decoder. It is safe to call more than once.
func (s *FFmpegStream) Close() error {
	s.closeOnce.Do(func() {
		s.stop()
		s.next = -1
	})
	return nil
}

// rgbToRGBA expands packed rgb24 pixels into an opaque RGBA image.
func rgbToRGBA(rgb []byte, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i, j := 0, 0; i+2 < len(rgb) && j+3 < len(img.Pix); i, j = i+3, j+4 {
		img.Pix[j] = rgb[i]
		img.Pix[j+1] = rgb[i+1]
		img.Pix[j+2] = rgb[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}

func (s *FFmpegStream) start(at float64) error {
	args := []string{"-v", "error"}
	if at > 0 {
		args = append(args, "-ss", strconv.FormatFloat(at, 'f', 6, 64))
	}
	args = append(args,
		"-i", s.path,
		"-an", "-sn",
		"-vsync", "passthrough",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-",
	)

	cmd := exec.Command("ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	s.logger.Debug("ffmpeg decoder started", "path", s.path, "at", at)

	s.cmd = cmd
	s.stdout = bufio.NewReaderSize(stdout, len(s.buf))
	s.stderr = stderr
	s.started = true
	return nil
}

func (s *FFmpegStream) stop() {
	if !s.started {
		return
	}
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	if err := s.cmd.Wait(); err != nil && s.stderr.Len() > 0 {
		s.logger.Debug("ffmpeg decoder stopped", "path", s.path, "stderr", s.stderr.String())
	}
	s.cmd = nil
	s.stdout = nil
	s.started = false
}
