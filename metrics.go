package beacon

// Metric keys emitted through github.com/hashicorp/go-metrics. Nothing is
// recorded unless the host installs a global sink.
var (
	metricAvailableJob      = []string{"orchestrator", "available_job"}
	metricJobAssigned       = []string{"orchestrator", "job", "assigned"}
	metricJobReassigned     = []string{"orchestrator", "job", "stale_reassigned"}
	metricAssignRace        = []string{"orchestrator", "job", "assign_race"}
	metricHeartbeat         = []string{"orchestrator", "heartbeat"}
	metricRepositoryFlush   = []string{"repository", "flush"}
	metricRepositoryFlushes = []string{"repository", "flush", "count"}
	metricRepositoryJobs    = []string{"repository", "jobs"}
	metricWorkerStarted     = []string{"worker", "job", "started"}
	metricWorkerCompleted   = []string{"worker", "job", "completed"}
	metricWorkerFailed      = []string{"worker", "job", "error"}
	metricWorkerCanceled    = []string{"worker", "job", "canceled"}
	metricSupervisorBusy    = []string{"supervisor", "workers", "busy"}
)
