package beacon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
)

const DefaultPollInterval = 30 * time.Second

var ErrSupervisorRunning = errors.New("supervisor already running")

// SupervisorOptions configures a Supervisor.
type SupervisorOptions struct {
	AgentID           string
	Capacity          int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	StopTimeout       time.Duration
	Capabilities      map[string]string
	Serializer        JobSerializer
	Engines           *EngineRegistry
	Observers         []JobObserver
	Logger            hclog.Logger
}

// Supervisor owns a fixed pool of workers for one agent and keeps the idle
// ones asking the orchestrator for work.
type Supervisor struct {
	orch        Orchestrator
	agentID     string
	workers     []*Worker
	stopTimeout time.Duration
	logger      hclog.Logger

	mu           sync.Mutex
	busy         []bool
	pollInterval time.Duration
	cancel       context.CancelFunc
	loopDone     chan struct{}

	wg sync.WaitGroup
}

func NewSupervisor(orch Orchestrator, opts SupervisorOptions) (*Supervisor, error) {
	if orch == nil {
		return nil, fmt.Errorf("%w: orchestrator required", ErrValidation)
	}
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be positive", ErrValidation)
	}
	if opts.AgentID == "" {
		opts.AgentID = "agent"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.Engines == nil {
		opts.Engines = NewEngineRegistry(opts.Logger)
	}

	s := &Supervisor{
		orch:         orch,
		agentID:      opts.AgentID,
		stopTimeout:  opts.StopTimeout,
		logger:       opts.Logger.Named("supervisor").With("agent_id", opts.AgentID),
		busy:         make([]bool, opts.Capacity),
		pollInterval: opts.PollInterval,
	}
	for i := 0; i < opts.Capacity; i++ {
		s.workers = append(s.workers, NewWorker(fmt.Sprintf("%s_%d", opts.AgentID, i), orch, WorkerOptions{
			AgentID:           opts.AgentID,
			Capabilities:      opts.Capabilities,
			HeartbeatInterval: opts.HeartbeatInterval,
			StopTimeout:       opts.StopTimeout,
			Serializer:        opts.Serializer,
			Engines:           opts.Engines,
			Observers:         opts.Observers,
			Logger:            opts.Logger,
		}))
	}
	return s, nil
}

// Workers returns the pool, busy or not.
func (s *Supervisor) Workers() []*Worker {
	return append([]*Worker(nil), s.workers...)
}

// NumberOfWorkers counts the workers that are not Idle, including those
// still waiting on an abandoned engine.
func (s *Supervisor) NumberOfWorkers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i, w := range s.workers {
		if s.busy[i] || w.State() != WorkerIdle {
			n++
		}
	}
	return n
}

func (s *Supervisor) busyLocked() int {
	n := 0
	for _, b := range s.busy {
		if b {
			n++
		}
	}
	return n
}

// SetCapabilities changes what every worker advertises from its next poll.
func (s *Supervisor) SetCapabilities(caps map[string]string) {
	for _, w := range s.workers {
		w.SetCapabilities(caps)
	}
	s.logger.Info("capabilities updated", "capabilities", caps)
}

// SetIntervals changes the poll and heartbeat cadence. Zero values are
// ignored.
func (s *Supervisor) SetIntervals(poll, heartbeat time.Duration) {
	if poll > 0 {
		s.mu.Lock()
		s.pollInterval = poll
		s.mu.Unlock()
	}
	for _, w := range s.workers {
		w.SetHeartbeatInterval(heartbeat)
	}
	s.logger.Info("intervals updated", "poll", poll, "heartbeat", heartbeat)
}

func (s *Supervisor) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollInterval
}

// Start begins polling for work. Jobs run until Stop is called or ctx is
// canceled.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrSupervisorRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	go s.loop(runCtx, s.loopDone)
	s.logger.Info("supervisor started", "capacity", len(s.workers), "poll_interval", s.pollInterval)
	return nil
}

// Stop cancels every running job and waits for the workers to report back,
// for at most twice the stop timeout or until ctx is done. Engines that
// ignored the stop are named in the returned error.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, loopDone := s.cancel, s.loopDone
	s.cancel, s.loopDone = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	s.logger.Info("stopping supervisor", "busy", s.NumberOfWorkers())
	cancel()

	stopped := make(chan struct{})
	go func() {
		<-loopDone
		s.wg.Wait()
		close(stopped)
	}()
	timer := time.NewTimer(2 * s.stopTimeout)
	defer timer.Stop()
	select {
	case <-stopped:
	case <-timer.C:
		return fmt.Errorf("supervisor stop: %d workers still busy after %s", s.NumberOfWorkers(), 2*s.stopTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	s.checkIn(ctx, WorkerStopping)

	var stuck []string
	for _, w := range s.workers {
		for _, id := range w.StuckJobs() {
			stuck = append(stuck, fmt.Sprintf("%s (job %s)", w.ID(), id))
		}
	}
	if len(stuck) > 0 {
		s.logger.Error("supervisor stopped with engines still running", "engines", stuck)
		return fmt.Errorf("supervisor stop: %w: %s", ErrEngineNotStopped, strings.Join(stuck, ", "))
	}
	s.logger.Info("supervisor stopped")
	return nil
}

func (s *Supervisor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		s.poll(ctx)
		timer.Reset(s.interval())
	}
}

// idleWorker reports whether slot i can take a job.
func (s *Supervisor) idleWorker(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.busy[i] && s.workers[i].State() == WorkerIdle
}

func (s *Supervisor) reserve(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy[i] = true
	metrics.SetGauge(metricSupervisorBusy, float32(s.busyLocked()))
}

func (s *Supervisor) release(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy[i] = false
	metrics.SetGauge(metricSupervisorBusy, float32(s.busyLocked()))
}

// checkIn sends a worker-level heartbeat for every idle worker.
func (s *Supervisor) checkIn(ctx context.Context, status WorkerStatus) {
	if status == WorkerStopping {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), s.stopTimeout)
		defer cancel()
	}
	for i, w := range s.workers {
		if ctx.Err() != nil {
			return
		}
		if !s.idleWorker(i) {
			continue
		}
		if err := w.CheckIn(ctx, status); err != nil && ctx.Err() == nil {
			s.logger.Debug("worker heartbeat failed", "worker_id", w.ID(), "status", status, "error", err)
		}
	}
}

// poll hands work to idle workers until the orchestrator has none left, then
// lets the remaining idle workers check in.
func (s *Supervisor) poll(ctx context.Context) {
	for i, w := range s.workers {
		if ctx.Err() != nil {
			return
		}
		if !s.idleWorker(i) {
			continue
		}
		// Only the poll loop reserves slots, so the check above still holds.
		instr, err := s.orch.GetAvailableJob(ctx, w.ID(), &JobRequest{Capabilities: w.Capabilities()})
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("querying available job failed", "worker_id", w.ID(), "error", err)
			}
			return
		}
		if instr == nil || instr.Job == nil {
			s.logger.Trace("no job received", "worker_id", w.ID(), "next_poll", s.interval())
			s.checkIn(ctx, WorkerWaitingForJob)
			return
		}

		s.reserve(i)
		s.wg.Add(1)
		go func(i int, w *Worker) {
			defer s.wg.Done()
			defer s.release(i)
			if err := w.Process(ctx, instr); err != nil {
				s.logger.Error("worker rejected job", "worker_id", w.ID(), "job_id", instr.Job.ID, "error", err)
			}
		}(i, w)
	}
}
