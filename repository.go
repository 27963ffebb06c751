package beacon

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
)

// JobQuery filters a repository query. Zero fields match everything.
type JobQuery struct {
	Status            *JobStatus
	ConfigurationType string
}

func (q *JobQuery) matches(j *Job) bool {
	if q == nil {
		return true
	}
	if q.Status != nil && j.LifetimeData.Status != *q.Status {
		return false
	}
	if q.ConfigurationType != "" && j.ConfigurationType != q.ConfigurationType {
		return false
	}
	return true
}

// JobList is one page of a query.
type JobList struct {
	Jobs              []*Job `json:"jobs"`
	ContinuationToken string `json:"continuation_token,omitempty"`
}

// JobRepository is the authoritative, concurrency-safe job collection. Every
// job handed out is a private copy.
type JobRepository interface {
	Query(ctx context.Context, query *JobQuery, continuationToken string, maxResults int) (*JobList, error)
	Get(ctx context.Context, jobID string) (*Job, error)
	Add(ctx context.Context, job *Job) (*Job, error)

	// AddOrUpdate hands the existing job (nil if absent) to fn. A nil result
	// leaves the repository untouched.
	AddOrUpdate(ctx context.Context, jobID string, fn func(existing *Job) (*Job, error)) (*Job, error)

	// Update hands a copy of the job (nil if absent) to fn and commits the
	// copy when fn returns true. A missing job is not an error.
	Update(ctx context.Context, jobID string, fn func(job *Job) (bool, error)) (*Job, error)

	// Delete removes the job when fn returns true and always returns the job
	// as it was before the call.
	Delete(ctx context.Context, jobID string, fn func(job *Job) (bool, error)) (*Job, error)

	// Swap replaces the job only if its stored version is expectedVersion.
	Swap(ctx context.Context, job *Job, expectedVersion uint64) (*Job, error)
}

// RepositoryOptions configures a BufferedRepository.
type RepositoryOptions struct {
	// UpdateBuffer is the number of committed mutations between flushes.
	// Zero and one both write through.
	UpdateBuffer int
	Logger       hclog.Logger
	Now          func() time.Time
}

// BufferedRepository keeps all jobs in memory behind a single lock and writes
// the full set to its JobStore every UpdateBuffer mutations.
type BufferedRepository struct {
	store JobStore

	// A one-slot semaphore rather than a sync.Mutex so that waiting for the
	// lock honours context cancellation.
	lock chan struct{}

	jobs         []*Job
	updateBuffer int
	pending      int
	closed       bool

	logger hclog.Logger
	now    func() time.Time
}

var _ JobRepository = (*BufferedRepository)(nil)

// NewBufferedRepository loads every job from store and returns a repository
// serving them.
func NewBufferedRepository(ctx context.Context, store JobStore, opts RepositoryOptions) (*BufferedRepository, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: job store required", ErrValidation)
	}
	if opts.UpdateBuffer < 0 {
		return nil, fmt.Errorf("%w: update buffer must not be negative", ErrValidation)
	}
	r := &BufferedRepository{
		store:        store,
		lock:         make(chan struct{}, 1),
		updateBuffer: opts.UpdateBuffer,
		logger:       opts.Logger,
		now:          opts.Now,
	}
	if r.logger == nil {
		r.logger = hclog.NewNullLogger()
	}
	r.logger = r.logger.Named("repository")
	if r.now == nil {
		r.now = time.Now
	}

	loaded, err := store.ReadJobs(ctx)
	if err != nil {
		return nil, &StoreError{Op: "read", Err: err}
	}
	seen := make(map[string]struct{}, len(loaded))
	for _, j := range loaded {
		if j == nil {
			continue
		}
		if _, dup := seen[j.ID]; dup {
			r.logger.Warn("dropping duplicate job from store", "job_id", j.ID)
			continue
		}
		seen[j.ID] = struct{}{}
		r.jobs = append(r.jobs, j.Clone())
	}
	r.logger.Info("loaded jobs", "count", len(r.jobs), "update_buffer", r.updateBuffer)
	metrics.SetGauge(metricRepositoryJobs, float32(len(r.jobs)))
	return r, nil
}

func (r *BufferedRepository) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case r.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.closed {
		r.release()
		return ErrClosed
	}
	return nil
}

func (r *BufferedRepository) release() {
	<-r.lock
}

func (r *BufferedRepository) indexOf(jobID string) int {
	for i, j := range r.jobs {
		if j.ID == jobID {
			return i
		}
	}
	return -1
}

// Query returns copies of the jobs matching query, maxResults at a time when
// maxResults is positive.
func (r *BufferedRepository) Query(ctx context.Context, query *JobQuery, continuationToken string, maxResults int) (*JobList, error) {
	start, err := decodeContinuation(continuationToken)
	if err != nil {
		return nil, err
	}
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	defer r.release()

	result := &JobList{}
	matched := 0
	for _, j := range r.jobs {
		if !query.matches(j) {
			continue
		}
		matched++
		if matched <= start {
			continue
		}
		if maxResults > 0 && len(result.Jobs) == maxResults {
			result.ContinuationToken = encodeContinuation(start + maxResults)
			break
		}
		result.Jobs = append(result.Jobs, j.Clone())
	}
	return result, nil
}

// Get returns a copy of the job or ErrNotFound.
func (r *BufferedRepository) Get(ctx context.Context, jobID string) (*Job, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("%w: job id required", ErrValidation)
	}
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	defer r.release()

	i := r.indexOf(jobID)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return r.jobs[i].Clone(), nil
}

// Add inserts a new job stamped with the current time. Flush failures are
// returned alongside the stored job.
func (r *BufferedRepository) Add(ctx context.Context, job *Job) (*Job, error) {
	if err := job.validate(); err != nil {
		return nil, err
	}
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	defer r.release()

	if r.indexOf(job.ID) >= 0 {
		return nil, fmt.Errorf("%w: %s", ErrConflict, job.ID)
	}
	stored := job.Clone()
	now := r.now()
	stored.LifetimeData.Created = now
	stored.LifetimeData.Updated = now
	stored.Version = 1
	r.jobs = append(r.jobs, stored)
	r.logger.Debug("job added", "job_id", stored.ID, "type", stored.ConfigurationType)
	return stored.Clone(), r.tick(ctx)
}

// AddOrUpdate lets fn decide the new state of the job, inserting it when it
// did not exist.
func (r *BufferedRepository) AddOrUpdate(ctx context.Context, jobID string, fn func(existing *Job) (*Job, error)) (*Job, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("%w: job id required", ErrValidation)
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: update function required", ErrValidation)
	}
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	defer r.release()

	i := r.indexOf(jobID)
	var existing *Job
	if i >= 0 {
		existing = r.jobs[i]
	}
	updated, err := fn(existing.Clone())
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return existing.Clone(), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	updated = updated.Clone()
	updated.ID = jobID
	if err := updated.validate(); err != nil {
		return nil, err
	}

	now := r.now()
	if existing == nil {
		updated.LifetimeData.Created = now
		updated.LifetimeData.Updated = now
		updated.Version = 1
		r.jobs = append(r.jobs, updated)
	} else {
		updated.LifetimeData.Created = existing.LifetimeData.Created
		updated.LifetimeData.Updated = now
		updated.Version = existing.Version + 1
		r.jobs[i] = updated
	}
	return updated.Clone(), r.tick(ctx)
}

// Update commits fn's changes to a copy of the job when fn returns true.
func (r *BufferedRepository) Update(ctx context.Context, jobID string, fn func(job *Job) (bool, error)) (*Job, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("%w: job id required", ErrValidation)
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: update function required", ErrValidation)
	}
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	defer r.release()

	i := r.indexOf(jobID)
	if i < 0 {
		if _, err := fn(nil); err != nil {
			return nil, err
		}
		return nil, nil
	}
	current := r.jobs[i]
	candidate := current.Clone()
	changed, err := fn(candidate)
	if err != nil {
		return nil, err
	}
	if !changed {
		return current.Clone(), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	candidate.ID = current.ID
	candidate.LifetimeData.Created = current.LifetimeData.Created
	candidate.LifetimeData.Updated = r.now()
	candidate.Version = current.Version + 1
	r.jobs[i] = candidate
	return candidate.Clone(), r.tick(ctx)
}

// Delete removes the job when fn agrees.
func (r *BufferedRepository) Delete(ctx context.Context, jobID string, fn func(job *Job) (bool, error)) (*Job, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("%w: job id required", ErrValidation)
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: delete function required", ErrValidation)
	}
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	defer r.release()

	i := r.indexOf(jobID)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	before := r.jobs[i].Clone()
	remove, err := fn(r.jobs[i].Clone())
	if err != nil {
		return nil, err
	}
	if !remove {
		return before, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.jobs = append(r.jobs[:i], r.jobs[i+1:]...)
	r.logger.Debug("job deleted", "job_id", jobID)
	return before, r.tick(ctx)
}

// Swap replaces a job if nobody changed it since expectedVersion was read.
func (r *BufferedRepository) Swap(ctx context.Context, job *Job, expectedVersion uint64) (*Job, error) {
	if err := job.validate(); err != nil {
		return nil, err
	}
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	defer r.release()

	i := r.indexOf(job.ID)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, job.ID)
	}
	current := r.jobs[i]
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("%w: %s is at version %d, expected %d",
			ErrVersionConflict, job.ID, current.Version, expectedVersion)
	}
	replacement := job.Clone()
	replacement.LifetimeData.Created = current.LifetimeData.Created
	replacement.LifetimeData.Updated = r.now()
	replacement.Version = current.Version + 1
	r.jobs[i] = replacement
	return replacement.Clone(), r.tick(ctx)
}

// Close flushes any pending mutations and rejects further calls.
func (r *BufferedRepository) Close(ctx context.Context) error {
	if err := r.acquire(ctx); err != nil {
		if errors.Is(err, ErrClosed) {
			return nil
		}
		return err
	}
	defer r.release()

	var err error
	if r.pending > 0 {
		err = r.flush(ctx)
	}
	r.closed = true
	return err
}

// tick counts one committed mutation and flushes once the buffer is full.
// Must be called with the lock held.
func (r *BufferedRepository) tick(ctx context.Context) error {
	r.pending++
	metrics.SetGauge(metricRepositoryJobs, float32(len(r.jobs)))
	if r.pending < r.updateBuffer {
		return nil
	}
	return r.flush(ctx)
}

// flush writes the full job set. The pending count survives a failed write
// so the next mutation retries it. Must be called with the lock held.
func (r *BufferedRepository) flush(ctx context.Context) error {
	defer metrics.MeasureSince(metricRepositoryFlush, time.Now())
	snapshot := make([]*Job, len(r.jobs))
	for i, j := range r.jobs {
		snapshot[i] = j.Clone()
	}
	if err := r.store.WriteJobs(ctx, snapshot); err != nil {
		r.logger.Error("flushing jobs failed", "count", len(snapshot), "pending", r.pending, "error", err)
		return &StoreError{Op: "write", Err: err}
	}
	metrics.IncrCounter(metricRepositoryFlushes, 1)
	r.logger.Debug("flushed jobs", "count", len(snapshot), "pending", r.pending)
	r.pending = 0
	return nil
}

func encodeContinuation(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func decodeContinuation(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("%w: bad continuation token", ErrValidation)
	}
	offset, err := strconv.Atoi(string(raw))
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("%w: bad continuation token", ErrValidation)
	}
	return offset, nil
}
