package video

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

type probeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ProbeResult is the stream metadata reported by ffprobe
type ProbeResult struct {
	Info
}

// Probe reads the first video stream's metadata with ffprobe.
func Probe(ctx context.Context, path string) (*ProbeResult, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: video file does not exist at path '%s': %v", ErrInvalidVideo, path, err)
	}

	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,avg_frame_rate,nb_frames,duration",
		"-show_entries", "format=duration",
		"-of", "json",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: ffprobe failed: %v", ErrInvalidVideo, err)
	}

	return parseProbe(output)
}

func parseProbe(data []byte) (*ProbeResult, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: failed to parse ffprobe output: %v", ErrInvalidVideo, err)
	}
	if len(out.Streams) == 0 {
		return nil, fmt.Errorf("%w: no video stream found", ErrInvalidVideo)
	}
	s := out.Streams[0]

	fps := parseRate(s.AvgFrameRate)
	if fps <= 0 {
		fps = parseRate(s.RFrameRate)
	}

	frames, _ := strconv.Atoi(s.NbFrames)
	if frames <= 0 {
		// Containers such as mkv omit nb_frames; estimate from duration.
		duration := parseFloat(s.Duration)
		if duration <= 0 {
			duration = parseFloat(out.Format.Duration)
		}
		frames = int(math.Floor(duration * fps))
	}

	res := &ProbeResult{
		Info: Info{
			FPS:        fps,
			FrameCount: frames,
			Width:      s.Width,
			Height:     s.Height,
		},
	}
	if err := res.Info.Validate(); err != nil {
		return nil, err
	}
	if res.Width <= 0 || res.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid dimensions %dx%d", ErrInvalidVideo, res.Width, res.Height)
	}
	return res, nil
}

// parseRate parses ffprobe rationals such as "30000/1001".
func parseRate(rate string) float64 {
	num, den, ok := strings.Cut(rate, "/")
	if !ok {
		return parseFloat(rate)
	}
	n, d := parseFloat(num), parseFloat(den)
	if d == 0 {
		return 0
	}
	return n / d
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
