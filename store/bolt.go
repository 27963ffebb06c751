package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"

	"github.com/yirzhou/beacon"
)

var jobsBucket = []byte("jobs")

// BoltStore keeps the job set in a bolt bucket keyed by position, so a read
// returns jobs in the order they were written.
type BoltStore struct {
	db *bolt.DB
}

var _ beacon.JobStore = (*BoltStore)(nil)

func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) ReadJobs(ctx context.Context) ([]*beacon.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var jobs []*beacon.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(jobsBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			job := &beacon.Job{}
			if err := json.Unmarshal(v, job); err != nil {
				return fmt.Errorf("decode job: %w", err)
			}
			jobs = append(jobs, job)
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) WriteJobs(ctx context.Context, jobs []*beacon.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(jobsBucket) != nil {
			if err := tx.DeleteBucket(jobsBucket); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucket(jobsBucket)
		if err != nil {
			return err
		}
		for i, job := range jobs {
			body, err := json.Marshal(job)
			if err != nil {
				return fmt.Errorf("encode job %s: %w", job.ID, err)
			}
			var key [8]byte
			binary.BigEndian.PutUint64(key[:], uint64(i))
			if err := b.Put(key[:], body); err != nil {
				return err
			}
		}
		return nil
	})
}
