package beacon

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Engine does the actual work of a job on a worker.
type Engine interface {
	// Run processes until the work is done, fails, or ctx is canceled.
	Run(ctx context.Context, mode ProcessMode) error

	// Reconfigure applies a new configuration without leaving Run. An error
	// makes the worker restart the engine instead.
	Reconfigure(config any) error

	// State is opaque progress reported with every heartbeat. May be nil.
	State() []byte

	// Diagnostics may be nil.
	Diagnostics() *DiagnosticInfo
}

// EngineFactory builds an engine for a job from its decoded configuration.
type EngineFactory func(job *Job, config any) (Engine, error)

// EngineRegistry maps configuration types to engine factories. It is the
// worker's skill set.
type EngineRegistry struct {
	mu        sync.RWMutex
	factories map[string]EngineFactory
	logger    hclog.Logger
}

func NewEngineRegistry(logger hclog.Logger) *EngineRegistry {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &EngineRegistry{
		factories: make(map[string]EngineFactory),
		logger:    logger.Named("engines"),
	}
}

// Register adds a new engine factory for a configuration type.
func (r *EngineRegistry) Register(configurationType string, factory EngineFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.Debug("registered engine", "type", configurationType)
	r.factories[configurationType] = factory
}

// Types lists the registered configuration types.
func (r *EngineRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// New builds the engine for job.
func (r *EngineRegistry) New(job *Job, config any) (Engine, error) {
	r.mu.RLock()
	factory, ok := r.factories[job.ConfigurationType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no engine for configuration type %q", job.ConfigurationType)
	}
	return factory(job, config)
}

// EngineFunc adapts a function to an Engine that cannot be reconfigured in
// place and reports no state.
type EngineFunc func(ctx context.Context, mode ProcessMode) error

func (f EngineFunc) Run(ctx context.Context, mode ProcessMode) error { return f(ctx, mode) }

func (f EngineFunc) Reconfigure(any) error {
	return fmt.Errorf("engine does not support reconfiguration")
}

func (f EngineFunc) State() []byte { return nil }

func (f EngineFunc) Diagnostics() *DiagnosticInfo { return nil }
