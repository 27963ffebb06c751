package beacon

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errStoreDown = errors.New("store down")

// memStore is an in-memory JobStore that counts writes and can be told to
// fail.
type memStore struct {
	mu        sync.Mutex
	jobs      []*Job
	writes    int
	failRead  bool
	failWrite bool
}

func (s *memStore) ReadJobs(context.Context) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRead {
		return nil, errStoreDown
	}
	out := make([]*Job, len(s.jobs))
	for i, j := range s.jobs {
		out[i] = j.Clone()
	}
	return out, nil
}

func (s *memStore) WriteJobs(_ context.Context, jobs []*Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite {
		return errStoreDown
	}
	s.writes++
	s.jobs = make([]*Job, len(jobs))
	for i, j := range jobs {
		s.jobs[i] = j.Clone()
	}
	return nil
}

func (s *memStore) setFailWrite(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrite = fail
}

func (s *memStore) snapshot() (jobs []*Job, writes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs, s.writes
}

// fakeClock is shared by a repository and an orchestrator so that staleness
// can be driven without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testJob(id string, demands ...Demand) *Job {
	return &Job{
		ID:                id,
		ConfigurationType: "test",
		Configuration:     []byte(id),
		Demands:           demands,
	}
}
