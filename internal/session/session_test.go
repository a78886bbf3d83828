package session

import (
	"context"
	"errors"
	"image"
	"math"
	"reflect"
	"sync"
	"testing"

	"github.com/bdougie/lapvision/internal/video/videotest"
)

// trackOracle places frame i on a circle with one revolution per lap of
// period frames, so frames at the same point of the track embed identically.
type trackOracle struct {
	period int
}

func (o trackOracle) Name() string { return "track" }

func (o trackOracle) Embed(_ context.Context, img image.Image) ([]float32, error) {
	index := videotest.IndexOf(img.(*image.RGBA))
	angle := 2 * math.Pi * float64(index%o.period) / float64(o.period)
	return []float32{float32(math.Cos(angle)), float32(math.Sin(angle))}, nil
}

func newSession(t *testing.T, stream *videotest.Stream, minLap float64) *Session {
	t.Helper()
	s, err := New(stream, trackOracle{period: 600}, Options{MinLapSeconds: minLap})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func setReference(t *testing.T, s *Session, index int) {
	t.Helper()
	if _, err := s.SetReference(context.Background(), index); err != nil {
		t.Fatalf("SetReference(%d) failed: %v", index, err)
	}
}

func confirm(t *testing.T, s *Session, index int) float64 {
	t.Helper()
	lap, _, err := s.ConfirmLap(context.Background(), index)
	if err != nil {
		t.Fatalf("ConfirmLap(%d) failed: %v", index, err)
	}
	return lap.Duration
}

// Scenario: fps=30, 9000 frames, 18s minimum lap, reference at frame 0.
func TestScenarioFirstLap(t *testing.T) {
	s := newSession(t, videotest.New(30, 9000), 18)
	ctx := context.Background()
	setReference(t, s, 0)

	res, err := s.SearchNextLap(ctx, 10)
	if err != nil {
		t.Fatalf("SearchNextLap() failed: %v", err)
	}

	want := Window{Start: 0, MinFrame: 540, MaxFrame: 840, Step: 3}
	if res.Window != want {
		t.Errorf("Window = %+v, want %+v", res.Window, want)
	}
	if n := len(res.Window.Candidates()); n != 100 {
		t.Errorf("sampled %d candidates, want 100", n)
	}
	if len(res.Candidates) != DefaultTopK {
		t.Fatalf("got %d candidates, want %d", len(res.Candidates), DefaultTopK)
	}
	for i, c := range res.Candidates {
		if c.Index < 540 || c.Index >= 840 || c.Index%3 != 0 {
			t.Errorf("candidate %d outside sampled window", c.Index)
		}
		if i > 0 && c.Score > res.Candidates[i-1].Score {
			t.Errorf("candidate %d scores above its predecessor", c.Index)
		}
	}
	if res.Candidates[0].Index != 600 {
		t.Errorf("best candidate = %d, want 600", res.Candidates[0].Index)
	}

	lap, _, err := s.ConfirmLap(ctx, 600)
	if err != nil {
		t.Fatalf("ConfirmLap() failed: %v", err)
	}
	if lap.Duration != 20.0 || lap.Formatted != "00:20.000" {
		t.Errorf("lap = %v (%s), want 20 (00:20.000)", lap.Duration, lap.Formatted)
	}
	if ref, _ := s.ReferenceFrame(); ref != 600 {
		t.Errorf("reference = %d, want 600", ref)
	}
}

func TestScenarioTwoLaps(t *testing.T) {
	s := newSession(t, videotest.New(30, 9000), 18)
	setReference(t, s, 0)

	if d := confirm(t, s, 600); d != 20 {
		t.Errorf("first lap = %v, want 20", d)
	}
	if d := confirm(t, s, 1260); d != 22 {
		t.Errorf("second lap = %v, want 22", d)
	}

	stats, err := s.Statistics()
	if err != nil {
		t.Fatalf("Statistics() failed: %v", err)
	}
	if stats.TotalLaps != 2 {
		t.Fatalf("TotalLaps = %d, want 2", stats.TotalLaps)
	}
	for name, got := range map[string]struct {
		got  *string
		want string
	}{
		"best":    {stats.Best, "00:20.000"},
		"worst":   {stats.Worst, "00:22.000"},
		"average": {stats.Average, "00:21.000"},
		"total":   {stats.Total, "00:42.000"},
	} {
		if got.got == nil || *got.got != got.want {
			t.Errorf("%s = %v, want %s", name, got.got, got.want)
		}
	}
	if stats.Laps[1].Number != 2 || stats.Laps[1].FrameIndex != 1260 {
		t.Errorf("second lap = %+v", stats.Laps[1])
	}
}

func TestSearchStartsFromLastLap(t *testing.T) {
	s := newSession(t, videotest.New(30, 9000), 18)
	setReference(t, s, 0)
	confirm(t, s, 600)

	res, err := s.SearchNextLap(context.Background(), 10)
	if err != nil {
		t.Fatalf("SearchNextLap() failed: %v", err)
	}
	if res.Window.Start != 600 || res.Window.MinFrame != 1140 || res.Window.MaxFrame != 1440 {
		t.Errorf("Window = %+v, want start 600 over [1140, 1440)", res.Window)
	}
	if res.Candidates[0].Index != 1200 {
		t.Errorf("best candidate = %d, want 1200", res.Candidates[0].Index)
	}
}

func TestSearchWindowErrors(t *testing.T) {
	tests := []struct {
		name      string
		reference int
		window    float64
		want      error
	}{
		{"end of video", 8500, 10, ErrEndOfVideo},
		{"min frame equals frame count", 8460, 10, ErrEndOfVideo},
		{"only the last frame remains", 8459, 10, ErrInsufficientVideoRemaining},
		{"zero window", 0, 0, ErrEmptySearchRange},
		{"negative window", 0, -5, ErrEmptySearchRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(t, videotest.New(30, 9000), 18)
			setReference(t, s, tt.reference)

			res, err := s.SearchNextLap(context.Background(), tt.window)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if res != nil {
				t.Errorf("result = %+v, want nil", res)
			}
		})
	}
}

func TestSearchTruncatedWindow(t *testing.T) {
	s := newSession(t, videotest.New(30, 9000), 18)
	setReference(t, s, 8300)

	res, err := s.SearchNextLap(context.Background(), 10)
	if err != nil {
		t.Fatalf("SearchNextLap() failed: %v", err)
	}
	if !res.Window.Truncated || res.Window.MinFrame != 8840 || res.Window.MaxFrame != 8999 {
		t.Errorf("Window = %+v, want truncated [8840, 8999)", res.Window)
	}
	for _, c := range res.Candidates {
		if c.Index < 8840 || c.Index >= 8999 {
			t.Errorf("candidate %d outside window", c.Index)
		}
	}
}

func TestSearchHugeWindow(t *testing.T) {
	s := newSession(t, videotest.New(30, 9000), 18)
	setReference(t, s, 8300)

	for _, window := range []float64{1e300, math.MaxFloat64} {
		w, err := s.window(window)
		if err != nil {
			t.Fatalf("window(%v) failed: %v", window, err)
		}
		if !w.Truncated || w.MinFrame != 8840 || w.MaxFrame != 8999 {
			t.Errorf("window(%v) = %+v, want truncated [8840, 8999)", window, w)
		}
	}
}

func TestSearchLeavesStateUnchanged(t *testing.T) {
	tests := []struct {
		name   string
		lap    int
		window float64
		want   error
	}{
		{"success", 600, 10, nil},
		{"empty window", 600, 0, ErrEmptySearchRange},
		{"end of video", 8500, 10, ErrEndOfVideo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(t, videotest.New(30, 9000), 18)
			setReference(t, s, 0)
			confirm(t, s, tt.lap)

			before, err := s.Snapshot()
			if err != nil {
				t.Fatalf("Snapshot() failed: %v", err)
			}
			stateBefore := s.State()

			if _, err := s.SearchNextLap(context.Background(), tt.window); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}

			after, _ := s.Snapshot()
			if !reflect.DeepEqual(before, after) {
				t.Errorf("state changed after search:\nbefore %+v\nafter  %+v", before, after)
			}
			if s.State() != stateBefore {
				t.Errorf("State = %v after search, want %v", s.State(), stateBefore)
			}
		})
	}
}

func TestSearchLowFrameRate(t *testing.T) {
	s := newSession(t, videotest.New(4, 400), 10)
	setReference(t, s, 0)

	res, err := s.SearchNextLap(context.Background(), 5)
	if err != nil {
		t.Fatalf("SearchNextLap() failed: %v", err)
	}
	if res.Window.Step != 1 {
		t.Errorf("Step = %d, want 1", res.Window.Step)
	}
}

func TestSearchAllCandidatesUnreadable(t *testing.T) {
	var broken []int
	for i := 540; i < 840; i++ {
		broken = append(broken, i)
	}
	s := newSession(t, videotest.New(30, 9000, videotest.WithUnreadable(broken...)), 18)
	setReference(t, s, 0)

	if _, err := s.SearchNextLap(context.Background(), 10); !errors.Is(err, ErrFrameUnavailable) {
		t.Errorf("err = %v, want ErrFrameUnavailable", err)
	}
}

func TestRequiresReference(t *testing.T) {
	s := newSession(t, videotest.New(30, 9000), 18)
	ctx := context.Background()

	if s.State() != NoReference {
		t.Errorf("State = %v, want %v", s.State(), NoReference)
	}
	if _, err := s.SearchNextLap(ctx, 10); !errors.Is(err, ErrReferenceNotSet) {
		t.Errorf("SearchNextLap err = %v, want ErrReferenceNotSet", err)
	}
	if _, _, err := s.ConfirmLap(ctx, 600); !errors.Is(err, ErrReferenceNotSet) {
		t.Errorf("ConfirmLap err = %v, want ErrReferenceNotSet", err)
	}
}

func TestConfirmLapRejectionLeavesStateUnchanged(t *testing.T) {
	s := newSession(t, videotest.New(30, 9000, videotest.WithUnreadable(700)), 18)
	setReference(t, s, 0)
	confirm(t, s, 600)

	before, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}

	tests := []struct {
		name  string
		index int
		want  error
	}{
		{"shorter than minimum", 1139, ErrLapTooShort},
		{"same frame", 600, ErrLapTooShort},
		{"before reference", 300, ErrLapTooShort},
		{"out of range", 9000, ErrFrameUnavailable},
		{"negative", -1, ErrFrameUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := s.ConfirmLap(context.Background(), tt.index); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			after, _ := s.Snapshot()
			if !reflect.DeepEqual(before, after) {
				t.Errorf("state changed after rejected confirm:\nbefore %+v\nafter  %+v", before, after)
			}
		})
	}
}

func TestConfirmLapUndecodableFrame(t *testing.T) {
	s := newSession(t, videotest.New(30, 9000, videotest.WithUnreadable(700)), 18)
	setReference(t, s, 0)

	if _, _, err := s.ConfirmLap(context.Background(), 700); !errors.Is(err, ErrFrameUnavailable) {
		t.Fatalf("err = %v, want ErrFrameUnavailable", err)
	}
	if ref, _ := s.ReferenceFrame(); ref != 0 {
		t.Errorf("reference = %d, want 0", ref)
	}
	stats, _ := s.Statistics()
	if stats.TotalLaps != 0 {
		t.Errorf("TotalLaps = %d, want 0", stats.TotalLaps)
	}
}

func TestConfirmLapAfterResetReference(t *testing.T) {
	s := newSession(t, videotest.New(30, 9000), 18)
	setReference(t, s, 0)
	confirm(t, s, 1200)
	setReference(t, s, 100)

	if _, _, err := s.ConfirmLap(context.Background(), 1100); !errors.Is(err, ErrLapTooShort) {
		t.Errorf("err = %v, want ErrLapTooShort for a lap before the last one", err)
	}
}

func TestSetReferenceUnavailable(t *testing.T) {
	s := newSession(t, videotest.New(30, 100, videotest.WithUnreadable(10)), 1)

	for _, index := range []int{10, -1, 100} {
		if _, err := s.SetReference(context.Background(), index); !errors.Is(err, ErrFrameUnavailable) {
			t.Errorf("SetReference(%d) err = %v, want ErrFrameUnavailable", index, err)
		}
	}
	if _, ok := s.ReferenceFrame(); ok {
		t.Error("reference set after failed SetReference")
	}
}

func TestStatisticsEmpty(t *testing.T) {
	s := newSession(t, videotest.New(30, 9000), 18)

	stats, err := s.Statistics()
	if err != nil {
		t.Fatalf("Statistics() failed: %v", err)
	}
	if stats.TotalLaps != 0 || len(stats.Laps) != 0 {
		t.Errorf("stats = %+v, want no laps", stats)
	}
	if stats.Best != nil || stats.Worst != nil || stats.Average != nil || stats.Total != nil {
		t.Errorf("summary populated without laps: %+v", stats)
	}
}

func TestClose(t *testing.T) {
	stream := videotest.New(30, 9000)
	s, err := New(stream, trackOracle{period: 600}, Options{MinLapSeconds: 18})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	ctx := context.Background()
	setReference(t, s, 0)

	s.Close()
	s.Close()

	if stream.Closes() != 1 {
		t.Errorf("stream closed %d times, want 1", stream.Closes())
	}
	if s.State() != Closed {
		t.Errorf("State = %v, want %v", s.State(), Closed)
	}

	checks := map[string]error{}
	_, checks["Frame"] = s.Frame(0)
	_, checks["SetReference"] = s.SetReference(ctx, 0)
	_, checks["SearchNextLap"] = s.SearchNextLap(ctx, 10)
	_, _, checks["ConfirmLap"] = s.ConfirmLap(ctx, 600)
	_, checks["Statistics"] = s.Statistics()
	_, checks["Snapshot"] = s.Snapshot()
	for op, err := range checks {
		if !errors.Is(err, ErrClosed) {
			t.Errorf("%s after Close: err = %v, want ErrClosed", op, err)
		}
	}
}

func TestNewInvalidMinLap(t *testing.T) {
	for _, minLap := range []float64{-1, math.NaN(), math.Inf(1)} {
		stream := videotest.New(30, 100)
		if _, err := New(stream, trackOracle{period: 600}, Options{MinLapSeconds: minLap}); !errors.Is(err, ErrInvalidMinLap) {
			t.Errorf("min lap %v: err = %v, want ErrInvalidMinLap", minLap, err)
		}
		if stream.Closes() != 1 {
			t.Errorf("min lap %v: stream not released", minLap)
		}
	}
}

func TestConcurrentRequests(t *testing.T) {
	s := newSession(t, videotest.New(30, 9000, videotest.WithKeyframeInterval(30)), 18)
	setReference(t, s, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := s.SearchNextLap(ctx, 5); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			img, err := s.Frame(i * 97)
			if err != nil {
				errs <- err
				return
			}
			if got := videotest.IndexOf(img); got != i*97 {
				errs <- errors.New("frame index mismatch under concurrency")
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}
