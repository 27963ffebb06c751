// Package store provides the durable backends behind beacon's buffered job
// repository. Every backend stores the complete job set on each write.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	bedrock "github.com/yirzhou/bedrock"

	"github.com/yirzhou/beacon"
)

// snapshotKey holds the whole job set as one JSON document.
var snapshotKey = []byte("beacon/jobs")

// BedrockStore keeps the job set in a Bedrock KV store. The caller owns the
// store's lifecycle.
type BedrockStore struct {
	db *bedrock.KVStore
}

var _ beacon.JobStore = (*BedrockStore)(nil)

func NewBedrockStore(db *bedrock.KVStore) *BedrockStore {
	return &BedrockStore{db: db}
}

func (s *BedrockStore) ReadJobs(ctx context.Context) ([]*beacon.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, found := s.db.Get(snapshotKey)
	if !found {
		return nil, nil
	}
	var jobs []*beacon.Job
	if err := json.Unmarshal(raw, &jobs); err != nil {
		return nil, fmt.Errorf("decode job snapshot: %w", err)
	}
	return jobs, nil
}

func (s *BedrockStore) WriteJobs(ctx context.Context, jobs []*beacon.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if jobs == nil {
		jobs = []*beacon.Job{}
	}
	payload, err := json.Marshal(jobs)
	if err != nil {
		return fmt.Errorf("encode job snapshot: %w", err)
	}

	txn := s.db.BeginTransaction()
	if err := txn.Put(snapshotKey, payload); err != nil {
		txn.Rollback()
		return err
	}
	return txn.Commit()
}
