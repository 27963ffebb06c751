package beacon

import "context"

// JobStore is the durable backing store behind the repository. It only ever
// sees the full job set.
type JobStore interface {
	ReadJobs(ctx context.Context) ([]*Job, error)
	WriteJobs(ctx context.Context, jobs []*Job) error
}
