package beacon

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
)

// DefaultJobStaleTime is how long a job may go without a heartbeat before it
// is presumed orphaned.
const DefaultJobStaleTime = 2 * time.Minute

// Orchestrator is the heartbeat boundary between workers and the job
// repository. It is implemented in-process by JobOrchestrator and over the
// network by httpapi.Client.
type Orchestrator interface {
	// GetAvailableJob claims a job for the worker, or returns nil when there
	// is no work for it.
	GetAvailableJob(ctx context.Context, workerID string, request *JobRequest) (*JobProcessingInstruction, error)

	// SendHeartbeat reports liveness and returns one instruction per job the
	// heartbeat names.
	SendHeartbeat(ctx context.Context, heartbeat *WorkerHeartbeat, diagnostics *DiagnosticInfo) ([]HeartbeatResult, error)
}

// OrchestratorOptions configures a JobOrchestrator.
type OrchestratorOptions struct {
	JobStaleTime       time.Duration
	Matcher            *DemandMatcher
	WorkerRegistrySize int
	Logger             hclog.Logger
	Now                func() time.Time
}

// JobOrchestrator binds workers to jobs. It keeps no job state of its own:
// assignment and liveness live in the job's lifetime data, and orphaned jobs
// are found lazily when workers ask for work.
type JobOrchestrator struct {
	repo      JobRepository
	matcher   *DemandMatcher
	staleTime time.Duration
	workers   *workerRegistry
	logger    hclog.Logger
	now       func() time.Time
}

var _ Orchestrator = (*JobOrchestrator)(nil)

func NewJobOrchestrator(repo JobRepository, opts OrchestratorOptions) (*JobOrchestrator, error) {
	if repo == nil {
		return nil, fmt.Errorf("%w: job repository required", ErrValidation)
	}
	workers, err := newWorkerRegistry(opts.WorkerRegistrySize)
	if err != nil {
		return nil, err
	}
	o := &JobOrchestrator{
		repo:      repo,
		matcher:   opts.Matcher,
		staleTime: opts.JobStaleTime,
		workers:   workers,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if o.matcher == nil {
		o.matcher = NewDemandMatcher()
	}
	if o.staleTime <= 0 {
		o.staleTime = DefaultJobStaleTime
	}
	if o.logger == nil {
		o.logger = hclog.NewNullLogger()
	}
	o.logger = o.logger.Named("orchestrator")
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Workers lists the workers seen recently, sorted by id.
func (o *JobOrchestrator) Workers() []WorkerInfo {
	return o.workers.snapshot()
}

func (o *JobOrchestrator) stale(j *Job, now time.Time) bool {
	return j.LifetimeData.Status.active() && now.Sub(j.LifetimeData.Updated) > o.staleTime
}

// claimable reports whether workerID may take j right now.
func (o *JobOrchestrator) claimable(j *Job, workerID string, now time.Time) bool {
	if j.LifetimeData.Status == StatusCreated {
		return true
	}
	if !j.LifetimeData.Status.active() {
		return false
	}
	return j.LifetimeData.AssignedWorker == workerID || o.stale(j, now)
}

func (o *JobOrchestrator) GetAvailableJob(ctx context.Context, workerID string, request *JobRequest) (*JobProcessingInstruction, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, fmt.Errorf("%w: worker id required", ErrValidation)
	}
	if request == nil {
		request = &JobRequest{}
	}
	defer metrics.MeasureSince(metricAvailableJob, time.Now())
	o.workers.seen(WorkerInfo{
		WorkerID:     workerID,
		Status:       WorkerWaitingForJob,
		Capabilities: request.Capabilities,
		LastSeen:     o.now(),
	})

	list, err := o.repo.Query(ctx, nil, "", 0)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}

	now := o.now()
	var own, candidates []*Job
	for _, j := range list.Jobs {
		if !o.claimable(j, workerID, now) {
			continue
		}
		if j.LifetimeData.Status.active() && j.LifetimeData.AssignedWorker == workerID {
			own = append(own, j)
			continue
		}
		candidates = append(candidates, j)
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].LifetimeData.Created.Before(candidates[b].LifetimeData.Created)
	})

	// A worker that restarted gets its own job back before anything new.
	for _, j := range append(own, candidates...) {
		if !o.matcher.Match(j.Demands, request.Capabilities) {
			continue
		}
		claimed, previous, err := o.claim(ctx, j.ID, workerID)
		if err != nil {
			return nil, fmt.Errorf("claim job %s: %w", j.ID, err)
		}
		if claimed == nil {
			metrics.IncrCounter(metricAssignRace, 1)
			o.logger.Debug("job claimed concurrently, trying next", "job_id", j.ID, "worker_id", workerID)
			continue
		}
		if previous != "" && previous != workerID {
			metrics.IncrCounter(metricJobReassigned, 1)
			o.logger.Warn("reassigning stale job", "job_id", claimed.ID, "worker_id", workerID,
				"previous_worker", previous, "last_update", j.LifetimeData.Updated)
		}
		metrics.IncrCounter(metricJobAssigned, 1)
		o.logger.Info("job assigned", "job_id", claimed.ID, "worker_id", workerID, "type", claimed.ConfigurationType)
		return &JobProcessingInstruction{Job: claimed, ProcessMode: ProcessModeActive}, nil
	}
	o.logger.Trace("no job available", "worker_id", workerID, "candidates", len(own)+len(candidates))
	return nil, nil
}

// claim assigns the job to workerID if it is still claimable once the
// repository lock is held. A nil job means somebody else got there first.
func (o *JobOrchestrator) claim(ctx context.Context, jobID, workerID string) (*Job, string, error) {
	var claimed bool
	var previous string
	job, err := o.repo.Update(ctx, jobID, func(j *Job) (bool, error) {
		now := o.now()
		if j == nil || !o.claimable(j, workerID, now) {
			return false, nil
		}
		previous = j.LifetimeData.AssignedWorker
		j.LifetimeData.Status = StatusAssigned
		j.LifetimeData.AssignedWorker = workerID
		if j.LifetimeData.ProcessingStatus == nil {
			j.LifetimeData.ProcessingStatus = make(map[string]ProcessingStatus)
		}
		j.LifetimeData.ProcessingStatus[workerID] = ProcessingStatus{
			LastKnownHeartbeat: now,
			ProcessMode:        ProcessModeActive,
		}
		claimed = true
		return true, nil
	})
	if err != nil {
		// A failed flush keeps the claim in memory; the worker gets the job
		// back through its own-job lookup on the next poll.
		return nil, "", err
	}
	if !claimed {
		return nil, "", nil
	}
	return job, previous, nil
}

func (o *JobOrchestrator) SendHeartbeat(ctx context.Context, hb *WorkerHeartbeat, diag *DiagnosticInfo) ([]HeartbeatResult, error) {
	if hb == nil || strings.TrimSpace(hb.WorkerID) == "" {
		return nil, fmt.Errorf("%w: heartbeat without worker id", ErrValidation)
	}
	metrics.IncrCounter(metricHeartbeat, 1)
	now := o.now()
	o.workers.seen(WorkerInfo{
		WorkerID:     hb.WorkerID,
		AgentID:      hb.AgentID,
		Status:       hb.Status,
		Capabilities: hb.Capabilities,
		ActiveJobID:  hb.ActiveJobID,
		LastSeen:     now,
	})
	if diag != nil {
		o.logger.Debug("worker diagnostics", "worker_id", hb.WorkerID, "job_id", hb.ActiveJobID,
			"ingress", diag.IngressCount, "egress", diag.EgressCount, "errors", diag.Errors)
	}
	if hb.ActiveJobID == "" {
		return nil, nil
	}

	result := HeartbeatResult{JobID: hb.ActiveJobID, Action: ActionKeep}
	job, err := o.repo.Update(ctx, hb.ActiveJobID, func(j *Job) (bool, error) {
		result.Action = o.decide(j, hb)
		if result.Action == ActionRemove {
			return false, nil
		}
		return o.apply(j, hb, now), nil
	})
	if err != nil {
		return nil, fmt.Errorf("heartbeat for job %s: %w", hb.ActiveJobID, err)
	}
	if job == nil {
		result.Action = ActionRemove
	}
	if result.Action == ActionSwitch {
		result.UpdatedJob = job
	}
	if result.Action != ActionKeep {
		o.logger.Info("heartbeat instruction", "job_id", hb.ActiveJobID, "worker_id", hb.WorkerID,
			"action", result.Action, "reported", hb.ReportedStatus)
	}
	return []HeartbeatResult{result}, nil
}

// decide picks the instruction for the worker before anything is changed.
func (o *JobOrchestrator) decide(j *Job, hb *WorkerHeartbeat) HeartbeatAction {
	switch {
	case j == nil, j.LifetimeData.Status == StatusDeleted:
		return ActionRemove
	case j.LifetimeData.AssignedWorker != hb.WorkerID:
		// Reaped as stale and handed to someone else, or released.
		return ActionCancel
	case j.LifetimeData.Status == StatusCanceled:
		return ActionCancel
	case hb.ReportedStatus.Terminal():
		return ActionKeep
	case hb.JobHash != "" && hb.JobHash != j.Hash():
		return ActionSwitch
	}
	return ActionKeep
}

// apply folds the heartbeat into the job and reports whether it changed.
func (o *JobOrchestrator) apply(j *Job, hb *WorkerHeartbeat, now time.Time) bool {
	if j.LifetimeData.AssignedWorker != hb.WorkerID {
		return false
	}
	if j.LifetimeData.ProcessingStatus == nil {
		j.LifetimeData.ProcessingStatus = make(map[string]ProcessingStatus)
	}
	j.LifetimeData.ProcessingStatus[hb.WorkerID] = ProcessingStatus{
		LastKnownHeartbeat: now,
		ProcessMode:        hb.ProcessMode,
		LastKnownState:     append([]byte(nil), hb.State...),
	}

	if j.LifetimeData.Status == StatusCanceled {
		// Stay canceled; release once the worker confirms it stopped.
		if hb.ReportedStatus.Terminal() {
			j.LifetimeData.AssignedWorker = ""
		}
		return true
	}

	switch hb.ReportedStatus {
	case StatusCompleted, StatusError:
		j.LifetimeData.Status = hb.ReportedStatus
		j.LifetimeData.AssignedWorker = ""
	case StatusCanceled:
		// The worker gave the job up on its own, e.g. while shutting down.
		j.LifetimeData.Status = StatusCreated
		j.LifetimeData.AssignedWorker = ""
	case StatusAssigned, StatusRunning:
		j.LifetimeData.Status = hb.ReportedStatus
	}
	return true
}
