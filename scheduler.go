package beacon

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// JobScheduler is the narrow surface the management API uses to create and
// steer jobs. It has no algorithm of its own.
type JobScheduler struct {
	repo   JobRepository
	logger hclog.Logger
}

func NewJobScheduler(repo JobRepository, logger hclog.Logger) *JobScheduler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &JobScheduler{repo: repo, logger: logger.Named("scheduler")}
}

func generateUUID() string {
	return uuid.New().String()
}

// NewJob stores a new job in the Created state. An empty id is filled with a
// UUID.
func (s *JobScheduler) NewJob(ctx context.Context, job *Job) (*Job, error) {
	if job == nil {
		return nil, fmt.Errorf("%w: job is nil", ErrValidation)
	}
	job = job.Clone()
	if strings.TrimSpace(job.ID) == "" {
		job.ID = generateUUID()
	}
	job.LifetimeData = LifetimeData{Status: StatusCreated}
	job.Version = 0
	stored, err := s.repo.Add(ctx, job)
	if stored != nil {
		s.logger.Info("job created", "job_id", stored.ID, "type", stored.ConfigurationType, "demands", len(stored.Demands))
	}
	return stored, err
}

// NewOrUpdateJob creates or edits the job through fn.
func (s *JobScheduler) NewOrUpdateJob(ctx context.Context, jobID string, fn func(existing *Job) (*Job, error)) (*Job, error) {
	return s.repo.AddOrUpdate(ctx, jobID, fn)
}

// GetJob returns a copy of one job.
func (s *JobScheduler) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return s.repo.Get(ctx, jobID)
}

// ListJobs returns one page of jobs.
func (s *JobScheduler) ListJobs(ctx context.Context, query *JobQuery, continuationToken string, maxResults int) (*JobList, error) {
	return s.repo.Query(ctx, query, continuationToken, maxResults)
}

// CancelJob asks the worker processing the job to stop. The worker learns
// about it on its next heartbeat. Jobs that never started are canceled
// directly; terminal jobs are left as they are.
func (s *JobScheduler) CancelJob(ctx context.Context, jobID string) (*Job, error) {
	job, err := s.repo.Update(ctx, jobID, func(j *Job) (bool, error) {
		if j == nil || j.LifetimeData.Status.Terminal() {
			return false, nil
		}
		j.LifetimeData.Status = StatusCanceled
		s.logger.Info("cancellation requested", "job_id", j.ID, "worker_id", j.LifetimeData.AssignedWorker)
		return true, nil
	})
	if err == nil && job == nil {
		err = fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return job, err
}

// ResetJob clears a terminal job back to Created so that it can be assigned
// again. Finished jobs are never retried without it.
func (s *JobScheduler) ResetJob(ctx context.Context, jobID string) (*Job, error) {
	var rejected error
	job, err := s.repo.Update(ctx, jobID, func(j *Job) (bool, error) {
		if j == nil {
			return false, nil
		}
		if !j.LifetimeData.Status.Terminal() || j.LifetimeData.Status == StatusDeleted {
			rejected = fmt.Errorf("%w: job %s is %s, only completed, canceled or failed jobs can be reset",
				ErrValidation, j.ID, j.LifetimeData.Status)
			return false, nil
		}
		j.LifetimeData.Status = StatusCreated
		j.LifetimeData.AssignedWorker = ""
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if rejected != nil {
		return job, rejected
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	s.logger.Info("job reset", "job_id", jobID)
	return job, nil
}

// DeleteJob removes the job. A worker still running it is told to stop on
// its next heartbeat.
func (s *JobScheduler) DeleteJob(ctx context.Context, jobID string) (*Job, error) {
	job, err := s.repo.Delete(ctx, jobID, func(*Job) (bool, error) { return true, nil })
	if err == nil {
		s.logger.Info("job deleted", "job_id", jobID)
	}
	return job, err
}
