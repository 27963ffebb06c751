package beacon

import "sync"

// Comparer decides whether a capability value satisfies a demand value.
type Comparer func(demand, capability string) bool

// DemandMatcher decides whether a worker's capabilities satisfy a job's
// demands. Only OperatorEquals is built in; other operators are plugged in
// with RegisterOperator, and a demand with an unknown operator never matches.
type DemandMatcher struct {
	mu        sync.RWMutex
	operators map[MatchOperator]Comparer
}

// NewDemandMatcher returns a matcher that knows OperatorEquals.
func NewDemandMatcher() *DemandMatcher {
	return &DemandMatcher{
		operators: map[MatchOperator]Comparer{
			OperatorEquals: func(demand, capability string) bool { return demand == capability },
		},
	}
}

// RegisterOperator adds or replaces the comparer for op.
func (m *DemandMatcher) RegisterOperator(op MatchOperator, cmp Comparer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operators[op] = cmp
}

// Match reports whether every demand is met. No demands means the job runs
// anywhere.
func (m *DemandMatcher) Match(demands []Demand, capabilities map[string]string) bool {
	if len(demands) == 0 {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range demands {
		have, ok := capabilities[d.Key]
		if !ok {
			return false
		}
		cmp, ok := m.operators[d.Operator]
		if !ok || !cmp(d.Value, have) {
			return false
		}
	}
	return true
}
