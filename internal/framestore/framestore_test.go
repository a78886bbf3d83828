package framestore

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bdougie/lapvision/internal/video/videotest"
)

func newStore(t *testing.T, stream *videotest.Stream, capacity int) *Store {
	t.Helper()
	store, err := New(stream, Options{Capacity: capacity})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func mustFrame(t *testing.T, store *Store, index int) []byte {
	t.Helper()
	img, err := store.Frame(index)
	if err != nil {
		t.Fatalf("Frame(%d) failed: %v", index, err)
	}
	if got := videotest.IndexOf(img); got != index {
		t.Fatalf("Frame(%d) returned frame %d", index, got)
	}
	return img.Pix
}

func TestFrameCacheConsistency(t *testing.T) {
	stream := videotest.New(30, 9000)
	store := newStore(t, stream, 0)

	for _, index := range []int{0, 17, 540, 8999} {
		first := mustFrame(t, store, index)
		reads := stream.Reads()
		second := mustFrame(t, store, index)

		if !bytes.Equal(first, second) {
			t.Errorf("frame %d differs between calls", index)
		}
		if stream.Reads() != reads {
			t.Errorf("frame %d: second call decoded again instead of hitting the cache", index)
		}
	}
}

func TestFrameOutOfRange(t *testing.T) {
	store := newStore(t, videotest.New(30, 100), 0)

	for _, index := range []int{-1, -500, 100, 101, 1 << 30} {
		if _, err := store.Frame(index); !errors.Is(err, ErrFrameUnavailable) {
			t.Errorf("Frame(%d) err = %v, want ErrFrameUnavailable", index, err)
		}
	}
}

func TestFrameSequentialContinuation(t *testing.T) {
	stream := videotest.New(30, 100)
	store := newStore(t, stream, 0)

	for i := 0; i < 5; i++ {
		mustFrame(t, store, i)
	}

	if stream.Seeks() != 0 {
		t.Errorf("Seeks = %d, want 0 for a forward scan", stream.Seeks())
	}
	if stream.Reads() != 5 {
		t.Errorf("Reads = %d, want 5", stream.Reads())
	}
}

func TestFrameDirectSeek(t *testing.T) {
	stream := videotest.New(30, 9000)
	store := newStore(t, stream, 0)

	mustFrame(t, store, 4321)

	if stream.Seeks() != 1 || stream.Reads() != 1 {
		t.Errorf("Seeks=%d Reads=%d, want 1 and 1", stream.Seeks(), stream.Reads())
	}

	// The next index continues without repositioning.
	mustFrame(t, store, 4322)
	if stream.Seeks() != 1 {
		t.Errorf("Seeks = %d after sequential read, want 1", stream.Seeks())
	}
}

func TestFrameKeyframeFallbackNearStart(t *testing.T) {
	stream := videotest.New(30, 9000, videotest.WithKeyframeInterval(30))
	store := newStore(t, stream, 0)

	mustFrame(t, store, 45)

	if got := stream.Reads(); got != 46 {
		t.Errorf("Reads = %d, want 46 (decode 0..45)", got)
	}
	// 0, 10, 20, 30, 40 visited on the way plus 45 itself.
	if got := store.CacheLen(); got != 6 {
		t.Errorf("CacheLen = %d, want 6", got)
	}

	reads := stream.Reads()
	mustFrame(t, store, 20)
	if stream.Reads() != reads {
		t.Error("frame 20 should have been cached while re-decoding")
	}
}

func TestFrameKeyframeFallbackFarFromStart(t *testing.T) {
	stream := videotest.New(30, 9000, videotest.WithKeyframeInterval(30))
	store := newStore(t, stream, 0)

	mustFrame(t, store, 1000)

	// Anchor 950 lands on keyframe 930, so 930..1000 are decoded.
	if got := stream.Reads(); got != 71 {
		t.Errorf("Reads = %d, want 71", got)
	}
}

func TestFrameBrokenPositionFallback(t *testing.T) {
	stream := videotest.New(30, 9000, videotest.WithBrokenPosition())
	store := newStore(t, stream, 0)

	mustFrame(t, store, 120)
	if got := stream.Reads(); got != 121 {
		t.Errorf("Reads = %d, want 121 (decode 0..120)", got)
	}

	reads := stream.Reads()
	mustFrame(t, store, 700)
	if got := stream.Reads() - reads; got != 51 {
		t.Errorf("Reads = %d, want 51 (decode 650..700)", got)
	}

	seeks := stream.Seeks()
	mustFrame(t, store, 701)
	if stream.Seeks() != seeks {
		t.Error("frame after a re-decode should continue sequentially")
	}
}

func TestFrameEndOfStream(t *testing.T) {
	tests := []struct {
		name   string
		stream *videotest.Stream
	}{
		{"direct seek", videotest.New(30, 200, videotest.WithDecodable(100))},
		{"re-decode", videotest.New(30, 200, videotest.WithDecodable(100), videotest.WithBrokenPosition())},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t, tt.stream, 0)
			if _, err := store.Frame(150); !errors.Is(err, ErrFrameUnavailable) {
				t.Errorf("err = %v, want ErrFrameUnavailable", err)
			}
			mustFrame(t, store, 50)
		})
	}
}

func TestFrameUnreadable(t *testing.T) {
	stream := videotest.New(30, 100, videotest.WithUnreadable(5))
	store := newStore(t, stream, 0)

	if _, err := store.Frame(5); !errors.Is(err, ErrFrameUnavailable) {
		t.Fatalf("err = %v, want ErrFrameUnavailable", err)
	}
	mustFrame(t, store, 6)
}

func TestFrameReturnsCopies(t *testing.T) {
	store := newStore(t, videotest.New(30, 100), 0)

	img, err := store.Frame(3)
	if err != nil {
		t.Fatalf("Frame() failed: %v", err)
	}
	want := append([]byte(nil), img.Pix...)
	for i := range img.Pix {
		img.Pix[i] = 0
	}

	if got := mustFrame(t, store, 3); !bytes.Equal(got, want) {
		t.Error("mutating a returned frame changed the cached frame")
	}
}

func TestFrameCacheCapacity(t *testing.T) {
	stream := videotest.New(30, 100)
	store := newStore(t, stream, 5)

	for i := 0; i < 20; i++ {
		mustFrame(t, store, i)
		if got := store.CacheLen(); got > 5 {
			t.Fatalf("CacheLen = %d after frame %d, want <= 5", got, i)
		}
	}
}

func TestClose(t *testing.T) {
	stream := videotest.New(30, 100)
	store, err := New(stream, Options{})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	mustFrame(t, store, 0)

	store.Close()
	store.Close()

	if stream.Closes() != 1 {
		t.Errorf("stream closed %d times, want 1", stream.Closes())
	}
	if store.CacheLen() != 0 {
		t.Errorf("CacheLen = %d after close, want 0", store.CacheLen())
	}
	if _, err := store.Frame(0); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestNewRejectsInvalidStream(t *testing.T) {
	if _, err := New(videotest.New(0, 100), Options{}); err == nil {
		t.Error("expected error for zero fps")
	}
	if _, err := New(videotest.New(30, 0), Options{}); err == nil {
		t.Error("expected error for zero frames")
	}
}
