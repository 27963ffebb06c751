package beacon

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T, store *memStore, buffer int, clock *fakeClock) *BufferedRepository {
	t.Helper()
	opts := RepositoryOptions{UpdateBuffer: buffer}
	if clock != nil {
		opts.Now = clock.Now
	}
	repo, err := NewBufferedRepository(context.Background(), store, opts)
	require.NoError(t, err)
	return repo
}

func TestRepository_AddAndGet(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	repo := newTestRepository(t, &memStore{}, 1, clock)

	added, err := repo.Add(ctx, testJob("a"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), added.Version)
	assert.Equal(t, clock.Now(), added.LifetimeData.Created)
	assert.Equal(t, clock.Now(), added.LifetimeData.Updated)

	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, added, got)
}

func TestRepository_AddDuplicateConflicts(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	repo := newTestRepository(t, store, 1, nil)

	added, err := repo.Add(ctx, testJob("a"))
	require.NoError(t, err)

	dup := testJob("a")
	dup.Name = "other"
	dup.Configuration = []byte("other")
	_, err = repo.Add(ctx, dup)
	assert.ErrorIs(t, err, ErrConflict)

	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, added, got, "stored job is unchanged")
	_, writes := store.snapshot()
	assert.Equal(t, 1, writes)
}

func TestRepository_AddRejectsInvalidJob(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, &memStore{}, 1, nil)

	_, err := repo.Add(ctx, &Job{ID: "a"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = repo.Add(ctx, testJob("b", Demand{Value: "x"}))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRepository_GetMissing(t *testing.T) {
	repo := newTestRepository(t, &memStore{}, 1, nil)
	_, err := repo.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, &memStore{}, 1, nil)

	job := testJob("a", Demand{Key: "os", Value: "linux"})
	_, err := repo.Add(ctx, job)
	require.NoError(t, err)

	// Mutating the caller's job or a returned copy must not leak in.
	job.Configuration[0] = 'z'
	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	got.Demands[0].Value = "windows"
	got.LifetimeData.Status = StatusError

	again, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), again.Configuration)
	assert.Equal(t, "linux", again.Demands[0].Value)
	assert.Equal(t, StatusCreated, again.LifetimeData.Status)
}

func TestRepository_BufferedFlushes(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	repo := newTestRepository(t, store, 2, nil)

	_, err := repo.Add(ctx, testJob("a"))
	require.NoError(t, err)
	_, writes := store.snapshot()
	assert.Equal(t, 0, writes, "first mutation stays in memory")

	_, err = repo.Add(ctx, testJob("b"))
	require.NoError(t, err)
	jobs, writes := store.snapshot()
	assert.Equal(t, 1, writes)
	assert.Len(t, jobs, 2)

	_, err = repo.Update(ctx, "a", func(j *Job) (bool, error) {
		j.Name = "renamed"
		return true, nil
	})
	require.NoError(t, err)
	_, writes = store.snapshot()
	assert.Equal(t, 1, writes)

	require.NoError(t, repo.Close(ctx))
	jobs, writes = store.snapshot()
	assert.Equal(t, 2, writes, "close flushes the pending mutation")
	assert.Equal(t, "renamed", jobs[0].Name)
}

func TestRepository_WriteThrough(t *testing.T) {
	for _, buffer := range []int{0, 1} {
		t.Run(fmt.Sprintf("buffer=%d", buffer), func(t *testing.T) {
			store := &memStore{}
			repo := newTestRepository(t, store, buffer, nil)
			_, err := repo.Add(context.Background(), testJob("a"))
			require.NoError(t, err)
			_, writes := store.snapshot()
			assert.Equal(t, 1, writes)
		})
	}
}

func TestRepository_NoOpMutationsDoNotFlush(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	repo := newTestRepository(t, store, 1, nil)
	_, err := repo.Add(ctx, testJob("a"))
	require.NoError(t, err)

	got, err := repo.Update(ctx, "a", func(*Job) (bool, error) { return false, nil })
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Version)

	got, err = repo.AddOrUpdate(ctx, "a", func(*Job) (*Job, error) { return nil, nil })
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Version)

	_, writes := store.snapshot()
	assert.Equal(t, 1, writes)
}

func TestRepository_CloseWithoutPendingDoesNotWrite(t *testing.T) {
	store := &memStore{}
	repo := newTestRepository(t, store, 1, nil)
	_, err := repo.Add(context.Background(), testJob("a"))
	require.NoError(t, err)

	require.NoError(t, repo.Close(context.Background()))
	_, writes := store.snapshot()
	assert.Equal(t, 1, writes)
}

func TestRepository_ClosedRejectsCalls(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, &memStore{}, 1, nil)
	require.NoError(t, repo.Close(ctx))

	_, err := repo.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = repo.Add(ctx, testJob("a"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, repo.Close(ctx), "closing twice is fine")
}

func TestRepository_FlushFailureKeepsStateAndRetries(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	repo := newTestRepository(t, store, 1, nil)

	store.setFailWrite(true)
	added, err := repo.Add(ctx, testJob("a"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStore)
	var storeErr *StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, "write", storeErr.Op)
	require.NotNil(t, added, "the committed job is still returned")

	_, err = repo.Get(ctx, "a")
	require.NoError(t, err, "in-memory state is not rolled back")

	store.setFailWrite(false)
	_, err = repo.Add(ctx, testJob("b"))
	require.NoError(t, err)
	jobs, writes := store.snapshot()
	assert.Equal(t, 1, writes)
	assert.Len(t, jobs, 2)
}

func TestRepository_LoadFailure(t *testing.T) {
	_, err := NewBufferedRepository(context.Background(), &memStore{failRead: true}, RepositoryOptions{})
	assert.ErrorIs(t, err, ErrStore)
	assert.ErrorIs(t, err, errStoreDown)
}

func TestRepository_LoadDropsDuplicates(t *testing.T) {
	store := &memStore{jobs: []*Job{testJob("a"), testJob("b"), testJob("a")}}
	repo := newTestRepository(t, store, 1, nil)

	list, err := repo.Query(context.Background(), nil, "", 0)
	require.NoError(t, err)
	assert.Len(t, list.Jobs, 2)
}

func TestRepository_ContextCanceled(t *testing.T) {
	repo := newTestRepository(t, &memStore{}, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := repo.Get(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)
	_, err = repo.Add(ctx, testJob("a"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRepository_ContextCanceledWhileWaitingForLock(t *testing.T) {
	repo := newTestRepository(t, &memStore{}, 1, nil)
	_, err := repo.Add(context.Background(), testJob("a"))
	require.NoError(t, err)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	go func() {
		_, _ = repo.Update(context.Background(), "a", func(*Job) (bool, error) {
			close(entered)
			<-unblock
			return false, nil
		})
	}()
	<-entered
	defer close(unblock)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = repo.Get(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRepository_QueryFiltersAndPages(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, &memStore{}, 0, nil)
	for i := 0; i < 5; i++ {
		job := testJob(fmt.Sprintf("job-%d", i))
		if i%2 == 1 {
			job.ConfigurationType = "other"
		}
		_, err := repo.Add(ctx, job)
		require.NoError(t, err)
	}
	_, err := repo.Update(ctx, "job-0", func(j *Job) (bool, error) {
		j.LifetimeData.Status = StatusRunning
		return true, nil
	})
	require.NoError(t, err)

	list, err := repo.Query(ctx, &JobQuery{ConfigurationType: "other"}, "", 0)
	require.NoError(t, err)
	assert.Len(t, list.Jobs, 2)
	assert.Empty(t, list.ContinuationToken)

	running := StatusRunning
	list, err = repo.Query(ctx, &JobQuery{Status: &running}, "", 0)
	require.NoError(t, err)
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, "job-0", list.Jobs[0].ID)

	var ids []string
	token := ""
	pages := 0
	for {
		page, err := repo.Query(ctx, nil, token, 2)
		require.NoError(t, err)
		pages++
		for _, j := range page.Jobs {
			ids = append(ids, j.ID)
		}
		if page.ContinuationToken == "" {
			break
		}
		token = page.ContinuationToken
	}
	assert.Equal(t, 3, pages)
	assert.Equal(t, []string{"job-0", "job-1", "job-2", "job-3", "job-4"}, ids)

	_, err = repo.Query(ctx, nil, "not a token!", 2)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRepository_AddOrUpdate(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	repo := newTestRepository(t, &memStore{}, 1, clock)

	created, err := repo.AddOrUpdate(ctx, "a", func(existing *Job) (*Job, error) {
		assert.Nil(t, existing)
		return testJob("ignored"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "a", created.ID, "the key wins over the returned id")
	assert.Equal(t, uint64(1), created.Version)

	clock.Advance(time.Minute)
	updated, err := repo.AddOrUpdate(ctx, "a", func(existing *Job) (*Job, error) {
		require.NotNil(t, existing)
		existing.Name = "second"
		return existing, nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), updated.Version)
	assert.Equal(t, created.LifetimeData.Created, updated.LifetimeData.Created)
	assert.Equal(t, clock.Now(), updated.LifetimeData.Updated)

	boom := errors.New("boom")
	_, err = repo.AddOrUpdate(ctx, "a", func(*Job) (*Job, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
}

func TestRepository_UpdateMissingIsNoOp(t *testing.T) {
	store := &memStore{}
	repo := newTestRepository(t, store, 1, nil)

	called := false
	job, err := repo.Update(context.Background(), "missing", func(j *Job) (bool, error) {
		called = true
		assert.Nil(t, j)
		return true, nil
	})
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.True(t, called)
	_, writes := store.snapshot()
	assert.Zero(t, writes)
}

func TestRepository_Delete(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, &memStore{}, 1, nil)
	_, err := repo.Add(ctx, testJob("a"))
	require.NoError(t, err)

	kept, err := repo.Delete(ctx, "a", func(*Job) (bool, error) { return false, nil })
	require.NoError(t, err)
	assert.Equal(t, "a", kept.ID)
	_, err = repo.Get(ctx, "a")
	require.NoError(t, err)

	removed, err := repo.Delete(ctx, "a", func(*Job) (bool, error) { return true, nil })
	require.NoError(t, err)
	assert.Equal(t, "a", removed.ID)
	_, err = repo.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.Delete(ctx, "a", func(*Job) (bool, error) { return true, nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_DeleteCountsTowardBuffer(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	repo := newTestRepository(t, store, 2, nil)

	for _, id := range []string{"j1", "j2"} {
		_, err := repo.Add(ctx, testJob(id))
		require.NoError(t, err)
	}
	_, writes := store.snapshot()
	require.Equal(t, 1, writes)

	_, err := repo.Add(ctx, testJob("j3"))
	require.NoError(t, err)
	_, writes = store.snapshot()
	assert.Equal(t, 1, writes, "one pending mutation stays in memory")

	_, err = repo.Delete(ctx, "j3", func(*Job) (bool, error) { return true, nil })
	require.NoError(t, err)
	jobs, writes := store.snapshot()
	assert.Equal(t, 2, writes)
	require.Len(t, jobs, 2)
	assert.Equal(t, "j1", jobs[0].ID)
	assert.Equal(t, "j2", jobs[1].ID)
}

func TestRepository_Swap(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, &memStore{}, 1, nil)
	added, err := repo.Add(ctx, testJob("a"))
	require.NoError(t, err)

	next := added.Clone()
	next.Name = "swapped"
	swapped, err := repo.Swap(ctx, next, added.Version)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), swapped.Version)
	assert.Equal(t, "swapped", swapped.Name)

	_, err = repo.Swap(ctx, next, added.Version)
	assert.ErrorIs(t, err, ErrVersionConflict)

	_, err = repo.Swap(ctx, testJob("missing"), 1)
	assert.ErrorIs(t, err, ErrNotFound)
}
