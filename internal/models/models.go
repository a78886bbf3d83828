package models

import (
	"fmt"
	"math"
	"time"
)

// VideoInfo describes an opened video source
type VideoInfo struct {
	FPS               float64 `json:"fps"`
	TotalFrames       int     `json:"total_frame_count"`
	Duration          float64 `json:"duration_seconds"`
	FormattedDuration string  `json:"formatted_duration"`
	Oracle            string  `json:"oracle,omitempty"`
}

// Lap is one confirmed lap. Embedding is the boundary frame's embedding and is
// only kept for persistence.
type Lap struct {
	Number     int       `json:"lap_number"`
	FrameIndex int       `json:"frame_index"`
	Duration   float64   `json:"duration_seconds"`
	Formatted  string    `json:"formatted"`
	Embedding  []float32 `json:"-"`
}

// Statistics summarises the confirmed laps of a session.
// Best, Worst, Average and Total are nil when no lap has been confirmed.
type Statistics struct {
	TotalLaps int     `json:"total_laps"`
	Laps      []Lap   `json:"laps"`
	Best      *string `json:"best,omitempty"`
	Worst     *string `json:"worst,omitempty"`
	Average   *string `json:"average,omitempty"`
	Total     *string `json:"total,omitempty"`

	BestSeconds    *float64 `json:"best_seconds,omitempty"`
	WorstSeconds   *float64 `json:"worst_seconds,omitempty"`
	AverageSeconds *float64 `json:"average_seconds,omitempty"`
	TotalSeconds   *float64 `json:"total_seconds,omitempty"`
}

// NewStatistics computes the summary for laps in confirmation order.
func NewStatistics(laps []Lap) Statistics {
	stats := Statistics{
		TotalLaps: len(laps),
		Laps:      make([]Lap, len(laps)),
	}
	copy(stats.Laps, laps)
	if len(laps) == 0 {
		return stats
	}

	best, worst, sum := math.Inf(1), math.Inf(-1), 0.0
	for _, lap := range laps {
		best = math.Min(best, lap.Duration)
		worst = math.Max(worst, lap.Duration)
		sum += lap.Duration
	}
	avg := sum / float64(len(laps))

	stats.BestSeconds, stats.Best = seconds(best)
	stats.WorstSeconds, stats.Worst = seconds(worst)
	stats.AverageSeconds, stats.Average = seconds(avg)
	stats.TotalSeconds, stats.Total = seconds(sum)
	return stats
}

func seconds(v float64) (*float64, *string) {
	s := FormatTime(v)
	return &v, &s
}

// SessionResult is the persisted snapshot of a timing session
type SessionResult struct {
	ID                 string     `json:"id"`
	SessionID          string     `json:"session_id"`
	VideoSource        string     `json:"video_source"`
	VideoInfo          VideoInfo  `json:"video_info"`
	MinLapDuration     float64    `json:"min_lap_duration_seconds"`
	ReferenceFrame     *int       `json:"reference_frame_index"`
	ReferenceEmbedding []float32  `json:"-"`
	Statistics         Statistics `json:"statistics"`
	CreatedAt          time.Time  `json:"created_at"`
}

// FormatTime renders seconds as MM:SS.mmm. Sub-components are truncated, not
// rounded; negative input renders as zero.
func FormatTime(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	// The epsilon absorbs float noise such as 1.001*1000 = 1000.9999.
	totalMillis := int64(math.Floor(seconds*1000 + 1e-6))
	minutes := totalMillis / 60000
	secs := (totalMillis / 1000) % 60
	millis := totalMillis % 1000
	return fmt.Sprintf("%02d:%02d.%03d", minutes, secs, millis)
}
