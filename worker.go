package beacon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
)

// WorkerState is where a worker is in the life of its current job.
type WorkerState int

const (
	WorkerIdle      WorkerState = iota // Waiting for an instruction.
	WorkerAssigned                     // Holding a job, engine not started yet.
	WorkerRunning                      // Engine running; heartbeats flowing.
	WorkerCompleted                    // Engine finished; about to go idle.
	WorkerCanceled                     // Engine stopped on request; about to go idle.
	WorkerError                        // Engine failed; about to go idle.
)

func (s WorkerState) String() string {
	switch s {
	case WorkerAssigned:
		return "assigned"
	case WorkerRunning:
		return "running"
	case WorkerCompleted:
		return "completed"
	case WorkerCanceled:
		return "canceled"
	case WorkerError:
		return "error"
	}
	return "idle"
}

// JobEvent describes a job lifecycle edge on a worker.
type JobEvent struct {
	WorkerID string
	Job      *Job
	Status   JobStatus
	Reason   string // why a job was canceled
	Err      error  // set when Status is StatusError
}

// JobObserver receives worker lifecycle events. Calls are made on the
// worker's goroutine and must not block for long.
type JobObserver interface {
	OnJobStarted(JobEvent)
	OnJobCompleted(JobEvent)
	OnJobCanceled(JobEvent)
}

// ObserverFuncs is a JobObserver built from optional functions.
type ObserverFuncs struct {
	Started   func(JobEvent)
	Completed func(JobEvent)
	Canceled  func(JobEvent)
}

func (o ObserverFuncs) OnJobStarted(e JobEvent) {
	if o.Started != nil {
		o.Started(e)
	}
}

func (o ObserverFuncs) OnJobCompleted(e JobEvent) {
	if o.Completed != nil {
		o.Completed(e)
	}
}

func (o ObserverFuncs) OnJobCanceled(e JobEvent) {
	if o.Canceled != nil {
		o.Canceled(e)
	}
}

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultStopTimeout       = 10 * time.Second
)

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	AgentID           string
	Capabilities      map[string]string
	HeartbeatInterval time.Duration
	StopTimeout       time.Duration
	Serializer        JobSerializer
	Engines           *EngineRegistry
	Observers         []JobObserver
	Logger            hclog.Logger
}

// Worker executes one job at a time on behalf of its agent and keeps the
// orchestrator informed through heartbeats.
type Worker struct {
	id         string
	agentID    string
	orch       Orchestrator
	serializer JobSerializer
	engines    *EngineRegistry
	observers  []JobObserver
	logger     hclog.Logger

	mu                sync.Mutex
	state             WorkerState
	capabilities      map[string]string
	heartbeatInterval time.Duration
	stopTimeout       time.Duration
	processing        bool
	// Jobs whose engines outlived the stop timeout. The worker stays out of
	// Idle until every one of them returns.
	stuck map[string]struct{}
}

func NewWorker(id string, orch Orchestrator, opts WorkerOptions) *Worker {
	w := &Worker{
		id:                id,
		agentID:           opts.AgentID,
		orch:              orch,
		serializer:        opts.Serializer,
		engines:           opts.Engines,
		observers:         opts.Observers,
		logger:            opts.Logger,
		heartbeatInterval: opts.HeartbeatInterval,
		stopTimeout:       opts.StopTimeout,
		stuck:             make(map[string]struct{}),
	}
	if w.logger == nil {
		w.logger = hclog.NewNullLogger()
	}
	w.logger = w.logger.Named("worker").With("worker_id", id)
	if w.heartbeatInterval <= 0 {
		w.heartbeatInterval = DefaultHeartbeatInterval
	}
	if w.stopTimeout <= 0 {
		w.stopTimeout = DefaultStopTimeout
	}
	if w.engines == nil {
		w.engines = NewEngineRegistry(opts.Logger)
	}
	w.SetCapabilities(opts.Capabilities)
	return w
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s WorkerState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}

// StuckJobs lists the jobs whose engines were abandoned after the stop
// timeout and have not returned yet.
func (w *Worker) StuckJobs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.stuck))
	for id := range w.stuck {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// idle returns the worker to Idle unless an abandoned engine is still
// running.
func (w *Worker) idle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.processing = false
	if len(w.stuck) == 0 {
		w.state = WorkerIdle
	}
}

// abandon gives up waiting for run's engine and keeps the worker busy until
// the engine finally returns.
func (w *Worker) abandon(run *jobRun) {
	id, done := run.job.ID, run.done
	w.mu.Lock()
	w.stuck[id] = struct{}{}
	w.mu.Unlock()
	go func() {
		err := <-done
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.stuck, id)
		if len(w.stuck) == 0 && !w.processing {
			w.state = WorkerIdle
		}
		w.logger.Info("abandoned engine returned", "job_id", id, "error", err)
	}()
}

// SetCapabilities replaces what the worker advertises.
func (w *Worker) SetCapabilities(caps map[string]string) {
	copied := make(map[string]string, len(caps))
	for k, v := range caps {
		copied[k] = v
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.capabilities = copied
}

// Capabilities returns a copy of what the worker advertises.
func (w *Worker) Capabilities() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	copied := make(map[string]string, len(w.capabilities))
	for k, v := range w.capabilities {
		copied[k] = v
	}
	return copied
}

// SetHeartbeatInterval takes effect from the next job.
func (w *Worker) SetHeartbeatInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.heartbeatInterval = d
}

func (w *Worker) interval() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.heartbeatInterval
}

// Process runs the job in instr until it completes, fails or is stopped, and
// leaves the worker idle again. Engine failures are reported to the
// orchestrator and observers, not returned. Canceling ctx stops the engine
// and waits at most StopTimeout for it.
func (w *Worker) Process(ctx context.Context, instr *JobProcessingInstruction) error {
	if instr == nil || instr.Job == nil {
		return fmt.Errorf("%w: empty processing instruction", ErrValidation)
	}
	w.mu.Lock()
	if w.state != WorkerIdle {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("worker %s is %s", w.id, state)
	}
	w.state = WorkerAssigned
	w.processing = true
	w.mu.Unlock()
	defer w.idle()

	run := &jobRun{job: instr.Job.Clone(), mode: instr.ProcessMode}
	w.logger.Info("processing job", "job_id", run.job.ID, "type", run.job.ConfigurationType, "mode", run.mode)
	w.execute(ctx, run)
	w.finish(ctx, run)
	return nil
}

// CheckIn sends a worker-level heartbeat without a job, so the orchestrator
// knows an idle or stopping worker is alive.
func (w *Worker) CheckIn(ctx context.Context, status WorkerStatus) error {
	_, err := w.orch.SendHeartbeat(ctx, &WorkerHeartbeat{
		WorkerID:     w.id,
		AgentID:      w.agentID,
		Status:       status,
		Capabilities: w.Capabilities(),
	}, nil)
	return err
}

// jobRun is the mutable state of one Process call.
type jobRun struct {
	job    *Job
	mode   ProcessMode
	engine Engine
	cancel context.CancelFunc
	done   chan error

	status    JobStatus
	reason    string
	err       error
	skipFinal bool
}

func (w *Worker) newEngine(job *Job) (Engine, error) {
	if w.serializer == nil {
		return nil, fmt.Errorf("no job serializer configured")
	}
	config, err := w.serializer.Deserialize(job.Configuration, job.ConfigurationType)
	if err != nil {
		return nil, err
	}
	return w.engines.New(job, config)
}

func (w *Worker) start(ctx context.Context, run *jobRun) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	engine, mode := run.engine, run.mode
	go func() { done <- engine.Run(runCtx, mode) }()
	run.cancel, run.done = cancel, done
}

// await waits for a stopped engine to return. After StopTimeout the engine
// is abandoned and ErrEngineNotStopped is returned.
func (w *Worker) await(run *jobRun) error {
	timer := time.NewTimer(w.stopTimeout)
	defer timer.Stop()
	select {
	case <-run.done:
		return nil
	case <-timer.C:
		w.logger.Error("engine did not stop in time", "job_id", run.job.ID, "timeout", w.stopTimeout)
		w.abandon(run)
		return fmt.Errorf("%w within %s", ErrEngineNotStopped, w.stopTimeout)
	}
}

// stopped records the outcome of a requested stop. An engine that is still
// running means the job must not be handed out again, so it is reported as
// an error rather than canceled.
func (run *jobRun) stopped(err error, reason string) {
	if err != nil {
		run.status, run.err = StatusError, err
		return
	}
	run.status, run.reason = StatusCanceled, reason
}

func (w *Worker) execute(ctx context.Context, run *jobRun) {
	engine, err := w.newEngine(run.job)
	if err != nil {
		w.logger.Error("cannot create engine", "job_id", run.job.ID, "error", err)
		run.status, run.err = StatusError, err
		return
	}
	run.engine = engine
	w.start(ctx, run)
	defer func() { run.cancel() }()

	w.setState(WorkerRunning)
	run.status = StatusRunning
	metrics.IncrCounter(metricWorkerStarted, 1)
	w.emit(func(o JobObserver) { o.OnJobStarted(w.event(run)) })

	ticker := time.NewTicker(w.interval())
	defer ticker.Stop()

loop:
	for {
		select {
		case err := <-run.done:
			switch {
			case ctx.Err() != nil:
				run.status, run.reason = StatusCanceled, "worker stopped"
			case err != nil:
				run.status, run.err = StatusError, err
			default:
				run.status = StatusCompleted
			}
			break loop

		case <-ctx.Done():
			run.cancel()
			run.stopped(w.await(run), "worker stopped")
			break loop

		case <-ticker.C:
			results, err := w.orch.SendHeartbeat(ctx, w.heartbeat(run, StatusRunning), run.engine.Diagnostics())
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Warn("heartbeat failed", "job_id", run.job.ID, "error", err)
				}
				continue
			}
			for _, r := range results {
				if r.JobID != run.job.ID {
					continue
				}
				switch r.Action {
				case ActionCancel:
					w.logger.Info("cancellation received", "job_id", run.job.ID)
					run.cancel()
					run.stopped(w.await(run), "canceled by orchestrator")
					break loop
				case ActionRemove:
					w.logger.Info("job removed, stopping", "job_id", run.job.ID)
					run.cancel()
					run.status, run.reason = StatusCanceled, "job removed"
					run.skipFinal = true
					break loop
				case ActionSwitch:
					if err := w.switchJob(ctx, run, r.UpdatedJob); err != nil {
						w.logger.Error("switching job configuration failed", "job_id", run.job.ID, "error", err)
						run.status, run.err = StatusError, err
						break loop
					}
				}
			}
		}
	}
}

// switchJob applies an updated job to the running engine, restarting the
// engine if it cannot reconfigure in place.
func (w *Worker) switchJob(ctx context.Context, run *jobRun, updated *Job) error {
	if updated == nil {
		return nil
	}
	updated = updated.Clone()
	if updated.ConfigurationType == run.job.ConfigurationType && w.serializer != nil {
		config, err := w.serializer.Deserialize(updated.Configuration, updated.ConfigurationType)
		if err == nil {
			err = run.engine.Reconfigure(config)
		}
		if err == nil {
			w.logger.Info("engine reconfigured", "job_id", updated.ID, "version", updated.Version)
			run.job = updated
			return nil
		}
		w.logger.Debug("in-place reconfiguration rejected, restarting engine", "job_id", updated.ID, "error", err)
	}

	run.cancel()
	if err := w.await(run); err != nil {
		return err
	}
	engine, err := w.newEngine(updated)
	if err != nil {
		return err
	}
	run.job, run.engine = updated, engine
	w.start(ctx, run)
	w.logger.Info("engine restarted with new configuration", "job_id", updated.ID, "version", updated.Version)
	return nil
}

func (w *Worker) heartbeat(run *jobRun, status JobStatus) *WorkerHeartbeat {
	hb := &WorkerHeartbeat{
		WorkerID:       w.id,
		AgentID:        w.agentID,
		Status:         WorkerProcessingJob,
		Capabilities:   w.Capabilities(),
		ActiveJobID:    run.job.ID,
		JobHash:        run.job.Hash(),
		ReportedStatus: status,
		ProcessMode:    run.mode,
	}
	if run.engine != nil {
		hb.State = run.engine.State()
	}
	return hb
}

// finish reports the outcome to the orchestrator and observers.
func (w *Worker) finish(ctx context.Context, run *jobRun) {
	switch run.status {
	case StatusCompleted:
		w.setState(WorkerCompleted)
		metrics.IncrCounter(metricWorkerCompleted, 1)
	case StatusCanceled:
		w.setState(WorkerCanceled)
		metrics.IncrCounter(metricWorkerCanceled, 1)
	default:
		w.setState(WorkerError)
		metrics.IncrCounter(metricWorkerFailed, 1)
	}

	if !run.skipFinal {
		// The final report must go out even when ctx was what stopped us.
		hbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.stopTimeout)
		var diag *DiagnosticInfo
		if run.engine != nil {
			diag = run.engine.Diagnostics()
		}
		if _, err := w.orch.SendHeartbeat(hbCtx, w.heartbeat(run, run.status), diag); err != nil {
			w.logger.Warn("final heartbeat failed", "job_id", run.job.ID, "status", run.status, "error", err)
		}
		cancel()
	}

	event := w.event(run)
	if run.status == StatusCanceled {
		w.logger.Info("job canceled", "job_id", run.job.ID, "reason", run.reason)
		w.emit(func(o JobObserver) { o.OnJobCanceled(event) })
		return
	}
	if run.err != nil && !errors.Is(run.err, context.Canceled) {
		w.logger.Error("job failed", "job_id", run.job.ID, "error", run.err)
	} else {
		w.logger.Info("job completed", "job_id", run.job.ID)
	}
	w.emit(func(o JobObserver) { o.OnJobCompleted(event) })
}

func (w *Worker) event(run *jobRun) JobEvent {
	return JobEvent{
		WorkerID: w.id,
		Job:      run.job.Clone(),
		Status:   run.status,
		Reason:   run.reason,
		Err:      run.err,
	}
}

func (w *Worker) emit(fn func(JobObserver)) {
	for _, o := range w.observers {
		fn(o)
	}
}
