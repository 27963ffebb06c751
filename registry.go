package beacon

import (
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// WorkerInfo is the orchestrator's last sighting of a worker.
type WorkerInfo struct {
	WorkerID     string            `json:"worker_id"`
	AgentID      string            `json:"agent_id,omitempty"`
	Status       WorkerStatus      `json:"worker_status"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
	ActiveJobID  string            `json:"active_job_id,omitempty"`
	LastSeen     time.Time         `json:"last_seen"`
}

// workerRegistry remembers recently seen workers. It is bounded so a fleet
// that churns through worker ids cannot grow it forever; nothing in job
// assignment depends on it.
type workerRegistry struct {
	cache *lru.Cache
}

func newWorkerRegistry(size int) (*workerRegistry, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &workerRegistry{cache: cache}, nil
}

// seen records a sighting. A sighting without an agent id, as from a job
// poll, keeps the agent id heard before.
func (r *workerRegistry) seen(info WorkerInfo) {
	if info.AgentID == "" {
		if v, ok := r.cache.Peek(info.WorkerID); ok {
			info.AgentID = v.(WorkerInfo).AgentID
		}
	}
	if info.Capabilities != nil {
		caps := make(map[string]string, len(info.Capabilities))
		for k, v := range info.Capabilities {
			caps[k] = v
		}
		info.Capabilities = caps
	}
	r.cache.Add(info.WorkerID, info)
}

func (r *workerRegistry) snapshot() []WorkerInfo {
	keys := r.cache.Keys()
	out := make([]WorkerInfo, 0, len(keys))
	for _, k := range keys {
		if v, ok := r.cache.Peek(k); ok {
			out = append(out, v.(WorkerInfo))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}
