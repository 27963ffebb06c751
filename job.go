package beacon

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the state of a job in its lifecycle.
type JobStatus int

const (
	StatusCreated   JobStatus = iota // The job exists but was never handed to a worker.
	StatusAssigned                   // A worker claimed the job and is starting it.
	StatusRunning                    // The assigned worker reports the job as running.
	StatusCompleted                  // The job finished successfully.
	StatusCanceled                   // The job was canceled, externally or by its worker.
	StatusError                      // The job's engine failed.
	StatusDeleted                    // The job is marked for removal.
)

var statusNames = [...]string{
	StatusCreated:   "created",
	StatusAssigned:  "assigned",
	StatusRunning:   "running",
	StatusCompleted: "completed",
	StatusCanceled:  "canceled",
	StatusError:     "error",
	StatusDeleted:   "deleted",
}

func (s JobStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("JobStatus(%d)", int(s))
	}
	return statusNames[s]
}

// ParseJobStatus parses the lower-case status name used by the CLI and the
// HTTP API.
func ParseJobStatus(name string) (JobStatus, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range statusNames {
		if n == name {
			return JobStatus(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown job status %q", ErrValidation, name)
}

// Terminal reports whether no worker will process a job in this status again
// without an explicit reset.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCanceled, StatusError, StatusDeleted:
		return true
	}
	return false
}

// active reports whether a worker is expected to be processing the job.
func (s JobStatus) active() bool {
	return s == StatusAssigned || s == StatusRunning
}

// ProcessMode tells a worker how to run the job it was handed.
type ProcessMode int

const (
	ProcessModeActive  ProcessMode = iota // Process and emit data.
	ProcessModePassive                    // Stand by; reserved for redundant setups.
)

func (m ProcessMode) String() string {
	if m == ProcessModePassive {
		return "passive"
	}
	return "active"
}

// MatchOperator selects how a demand's value is compared with a capability.
type MatchOperator string

// OperatorEquals is the default: exact, case-sensitive equality.
const OperatorEquals MatchOperator = ""

// Demand is a key/value requirement a job places on the worker running it.
type Demand struct {
	Key      string        `json:"key"`
	Value    string        `json:"value"`
	Operator MatchOperator `json:"operator,omitempty"`
}

// ProcessingStatus is what the orchestrator last heard from one worker about
// one job.
type ProcessingStatus struct {
	LastKnownHeartbeat time.Time   `json:"last_known_heartbeat"`
	ProcessMode        ProcessMode `json:"process_mode"`
	LastKnownState     []byte      `json:"last_known_state,omitempty"`
}

// LifetimeData tracks the status and assignment of a job.
type LifetimeData struct {
	Status         JobStatus `json:"status"`
	Created        time.Time `json:"created"`
	Updated        time.Time `json:"updated"`
	AssignedWorker string    `json:"assigned_worker,omitempty"`

	// Entries outlive the assignment and are kept for audit.
	ProcessingStatus map[string]ProcessingStatus `json:"processing_status,omitempty"`
}

// Job is the fundamental unit of work in our system.
type Job struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`

	// Configuration is opaque to the orchestrator; only the worker's engine,
	// selected by ConfigurationType, interprets it.
	ConfigurationType string `json:"configuration_type"`
	Configuration     []byte `json:"configuration"`

	Demands      []Demand     `json:"demands,omitempty"`
	LifetimeData LifetimeData `json:"lifetime_data"`

	// Version is bumped by the repository on every committed mutation.
	Version uint64 `json:"version"`
}

// Clone returns a deep copy of the job. A nil job clones to nil.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Configuration != nil {
		c.Configuration = append([]byte(nil), j.Configuration...)
	}
	if j.Demands != nil {
		c.Demands = append([]Demand(nil), j.Demands...)
	}
	if j.LifetimeData.ProcessingStatus != nil {
		c.LifetimeData.ProcessingStatus = make(map[string]ProcessingStatus, len(j.LifetimeData.ProcessingStatus))
		for k, v := range j.LifetimeData.ProcessingStatus {
			if v.LastKnownState != nil {
				v.LastKnownState = append([]byte(nil), v.LastKnownState...)
			}
			c.LifetimeData.ProcessingStatus[k] = v
		}
	}
	return &c
}

// Hash identifies the revision of what the job asks a worker to do. Lifetime
// data is excluded, so heartbeats do not change it but configuration edits do.
func (j *Job) Hash() string {
	h := sha256.New()
	writeField := func(b []byte) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(b)))
		h.Write(n[:])
		h.Write(b)
	}
	writeField([]byte(j.ID))
	writeField([]byte(j.ConfigurationType))
	writeField(j.Configuration)
	for _, d := range j.Demands {
		writeField([]byte(d.Key))
		writeField([]byte(d.Value))
		writeField([]byte(d.Operator))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (j *Job) validate() error {
	if j == nil {
		return fmt.Errorf("%w: job is nil", ErrValidation)
	}
	if strings.TrimSpace(j.ID) == "" {
		return fmt.Errorf("%w: job id required", ErrValidation)
	}
	if strings.TrimSpace(j.ConfigurationType) == "" {
		return fmt.Errorf("%w: configuration type required for job %s", ErrValidation, j.ID)
	}
	for i, d := range j.Demands {
		if strings.TrimSpace(d.Key) == "" {
			return fmt.Errorf("%w: demand %d of job %s has no key", ErrValidation, i, j.ID)
		}
	}
	return nil
}

// JobProcessingInstruction is handed to a worker that asked for work.
type JobProcessingInstruction struct {
	Job         *Job        `json:"job"`
	ProcessMode ProcessMode `json:"process_mode"`
}

// JobRequest carries what a polling worker can do.
type JobRequest struct {
	Capabilities map[string]string `json:"capabilities,omitempty"`
}

// WorkerStatus is what a worker is doing, as told in its heartbeats.
type WorkerStatus int

const (
	WorkerWaitingForJob WorkerStatus = iota // Idle and polling for work.
	WorkerProcessingJob                     // Running the job named in the heartbeat.
	WorkerStopping                          // Its agent is shutting down.
)

func (s WorkerStatus) String() string {
	switch s {
	case WorkerProcessingJob:
		return "processing"
	case WorkerStopping:
		return "stopping"
	}
	return "waiting"
}

// WorkerHeartbeat is sent by a worker on every tick, and by idle workers on
// every poll.
type WorkerHeartbeat struct {
	WorkerID     string            `json:"worker_id"`
	AgentID      string            `json:"agent_id"`
	Status       WorkerStatus      `json:"worker_status"`
	Capabilities map[string]string `json:"capabilities,omitempty"`

	// Empty when the worker is idle.
	ActiveJobID    string      `json:"active_job_id,omitempty"`
	JobHash        string      `json:"job_hash,omitempty"`
	ReportedStatus JobStatus   `json:"reported_status"`
	ProcessMode    ProcessMode `json:"process_mode"`
	State          []byte      `json:"state,omitempty"`
}

// HeartbeatAction is the orchestrator's instruction for a running job.
type HeartbeatAction int

const (
	ActionKeep   HeartbeatAction = iota // Carry on.
	ActionCancel                        // Stop cooperatively.
	ActionSwitch                        // Reconfigure in place with UpdatedJob.
	ActionRemove                        // The job is gone; stop immediately.
)

func (a HeartbeatAction) String() string {
	switch a {
	case ActionCancel:
		return "cancel"
	case ActionSwitch:
		return "switch"
	case ActionRemove:
		return "remove"
	}
	return "keep"
}

// HeartbeatResult is the instruction for one job named in a heartbeat.
type HeartbeatResult struct {
	JobID      string          `json:"job_id"`
	Action     HeartbeatAction `json:"action"`
	UpdatedJob *Job            `json:"updated_job,omitempty"`
}

// DiagnosticInfo is what an engine reports about itself alongside heartbeats.
type DiagnosticInfo struct {
	StartTime    time.Time `json:"start_time"`
	IngressCount uint64    `json:"ingress_count"`
	EgressCount  uint64    `json:"egress_count"`
	Errors       uint64    `json:"errors"`
}
