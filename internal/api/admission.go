package api

import (
	"golang.org/x/sync/semaphore"
)

// Admission caps concurrent frame requests across all sessions. Requests over
// the ceiling are rejected, never queued.
type Admission struct {
	sem *semaphore.Weighted
}

func NewAdmission(limit int) *Admission {
	if limit <= 0 {
		limit = 1
	}
	return &Admission{sem: semaphore.NewWeighted(int64(limit))}
}

// TryAcquire reports whether a slot was taken. Callers that get true must
// call Release.
func (a *Admission) TryAcquire() bool {
	return a.sem.TryAcquire(1)
}

func (a *Admission) Release() {
	a.sem.Release(1)
}
