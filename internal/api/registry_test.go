package api

import (
	"testing"

	"github.com/bdougie/lapvision/internal/embeddings"
	"github.com/bdougie/lapvision/internal/session"
	"github.com/bdougie/lapvision/internal/video/videotest"
)

func newRegistrySession(t *testing.T) (*session.Session, *videotest.Stream) {
	t.Helper()
	stream := videotest.New(30, 300)
	s, err := session.New(stream, embeddings.NewGridOracle(4), session.Options{MinLapSeconds: 1})
	if err != nil {
		t.Fatalf("session.New() failed: %v", err)
	}
	return s, stream
}

func TestMemoryRegistry(t *testing.T) {
	r := NewMemoryRegistry()
	s1, _ := newRegistrySession(t)
	s2, _ := newRegistrySession(t)
	defer s1.Close()
	defer s2.Close()

	id1 := r.Add("a.mp4", s1)
	id2 := r.Add("b.mp4", s2)
	if id1 == id2 {
		t.Fatal("ids collide")
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}

	e, ok := r.Get(id1)
	if !ok || e.Session != s1 || e.Source != "a.mp4" || e.ID != id1 {
		t.Errorf("Get(%s) = %+v, %v", id1, e, ok)
	}

	if _, ok := r.Remove(id1); !ok {
		t.Error("Remove() of a registered id failed")
	}
	if _, ok := r.Remove(id1); ok {
		t.Error("second Remove() succeeded")
	}
	if _, ok := r.Get(id1); ok {
		t.Error("Get() found a removed session")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestMemoryRegistryCloseAll(t *testing.T) {
	r := NewMemoryRegistry()
	s, stream := newRegistrySession(t)
	r.Add("a.mp4", s)

	r.CloseAll()
	if r.Len() != 0 {
		t.Errorf("Len() = %d after CloseAll", r.Len())
	}
	if s.State() != session.Closed || stream.Closes() != 1 {
		t.Errorf("session state %v, stream closes %d", s.State(), stream.Closes())
	}
}

func TestAdmission(t *testing.T) {
	a := NewAdmission(2)
	if !a.TryAcquire() || !a.TryAcquire() {
		t.Fatal("could not take both slots")
	}
	if a.TryAcquire() {
		t.Error("third request admitted")
	}
	a.Release()
	if !a.TryAcquire() {
		t.Error("released slot not reusable")
	}
}
