package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yirzhou/beacon"
)

type memStore struct {
	mu   sync.Mutex
	jobs []*beacon.Job
}

func (s *memStore) ReadJobs(context.Context) ([]*beacon.Job, error) { return nil, nil }

func (s *memStore) WriteJobs(_ context.Context, jobs []*beacon.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = jobs
	return nil
}

type failingStore struct{ memStore }

func (*failingStore) WriteJobs(context.Context, []*beacon.Job) error {
	return errors.New("disk full")
}

func newTestAPI(t *testing.T, token string, store beacon.JobStore) (*Client, *beacon.JobOrchestrator) {
	t.Helper()
	ctx := context.Background()
	repo, err := beacon.NewBufferedRepository(ctx, store, beacon.RepositoryOptions{})
	require.NoError(t, err)
	orch, err := beacon.NewJobOrchestrator(repo, beacon.OrchestratorOptions{})
	require.NoError(t, err)
	srv := httptest.NewServer(NewServer(orch, beacon.NewJobScheduler(repo, nil), ServerOptions{APIToken: token}).Handler())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, ClientOptions{APIToken: token}), orch
}

func TestAPI_JobLifecycle(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestAPI(t, "", &memStore{})

	created, err := client.CreateJob(ctx, &beacon.Job{
		Name:              "ingest",
		ConfigurationType: "command",
		Configuration:     []byte{1, 2, 3},
		Demands:           []beacon.Demand{{Key: "os", Value: "linux"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, beacon.StatusCreated, created.LifetimeData.Status)
	assert.Equal(t, []byte{1, 2, 3}, created.Configuration)

	got, err := client.GetJob(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "ingest", got.Name)

	canceled, err := client.CancelJob(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, beacon.StatusCanceled, canceled.LifetimeData.Status)

	reset, err := client.ResetJob(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, beacon.StatusCreated, reset.LifetimeData.Status)

	_, err = client.ResetJob(ctx, created.ID)
	assert.ErrorIs(t, err, beacon.ErrValidation)

	deleted, err := client.DeleteJob(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, deleted.ID)

	_, err = client.GetJob(ctx, created.ID)
	assert.ErrorIs(t, err, beacon.ErrNotFound)
}

func TestAPI_CreateConflictAndValidation(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestAPI(t, "", &memStore{})

	_, err := client.CreateJob(ctx, &beacon.Job{ID: "a", ConfigurationType: "command"})
	require.NoError(t, err)
	_, err = client.CreateJob(ctx, &beacon.Job{ID: "a", ConfigurationType: "command"})
	assert.ErrorIs(t, err, beacon.ErrConflict)

	_, err = client.CreateJob(ctx, &beacon.Job{ID: "b"})
	assert.ErrorIs(t, err, beacon.ErrValidation)
}

func TestAPI_ListJobsPages(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestAPI(t, "", &memStore{})
	for _, id := range []string{"a", "b", "c"} {
		_, err := client.CreateJob(ctx, &beacon.Job{ID: id, ConfigurationType: "command"})
		require.NoError(t, err)
	}
	_, err := client.CancelJob(ctx, "b")
	require.NoError(t, err)

	page, err := client.ListJobs(ctx, "", "", "", 2)
	require.NoError(t, err)
	require.Len(t, page.Jobs, 2)
	require.NotEmpty(t, page.ContinuationToken)

	next, err := client.ListJobs(ctx, "", "", page.ContinuationToken, 2)
	require.NoError(t, err)
	require.Len(t, next.Jobs, 1)
	assert.Equal(t, "c", next.Jobs[0].ID)
	assert.Empty(t, next.ContinuationToken)

	canceled, err := client.ListJobs(ctx, "canceled", "", "", 0)
	require.NoError(t, err)
	require.Len(t, canceled.Jobs, 1)
	assert.Equal(t, "b", canceled.Jobs[0].ID)

	_, err = client.ListJobs(ctx, "sleeping", "", "", 0)
	assert.ErrorIs(t, err, beacon.ErrValidation)
}

func TestAPI_WorkerProtocol(t *testing.T) {
	ctx := context.Background()
	client, orch := newTestAPI(t, "", &memStore{})

	instr, err := client.GetAvailableJob(ctx, "w1", nil)
	require.NoError(t, err)
	assert.Nil(t, instr, "204 maps to no job")

	_, err = client.CreateJob(ctx, &beacon.Job{
		ID:                "a",
		ConfigurationType: "command",
		Demands:           []beacon.Demand{{Key: "os", Value: "linux"}},
	})
	require.NoError(t, err)

	instr, err = client.GetAvailableJob(ctx, "w1", &beacon.JobRequest{Capabilities: map[string]string{"os": "windows"}})
	require.NoError(t, err)
	assert.Nil(t, instr)

	instr, err = client.GetAvailableJob(ctx, "w1", &beacon.JobRequest{Capabilities: map[string]string{"os": "linux"}})
	require.NoError(t, err)
	require.NotNil(t, instr)
	assert.Equal(t, "a", instr.Job.ID)
	assert.Equal(t, beacon.ProcessModeActive, instr.ProcessMode)

	results, err := client.SendHeartbeat(ctx, &beacon.WorkerHeartbeat{
		WorkerID:       "w1",
		AgentID:        "edge",
		ActiveJobID:    "a",
		JobHash:        instr.Job.Hash(),
		ReportedStatus: beacon.StatusCompleted,
	}, &beacon.DiagnosticInfo{EgressCount: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, beacon.ActionKeep, results[0].Action)

	job, err := client.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, beacon.StatusCompleted, job.LifetimeData.Status)

	workers, err := client.Workers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "edge", workers[0].AgentID)
	assert.Len(t, orch.Workers(), 1)

	_, err = client.SendHeartbeat(ctx, &beacon.WorkerHeartbeat{}, nil)
	assert.ErrorIs(t, err, beacon.ErrValidation)
}

func TestAPI_StoreFailureIsUnavailable(t *testing.T) {
	client, _ := newTestAPI(t, "", &failingStore{})
	_, err := client.CreateJob(context.Background(), &beacon.Job{ID: "a", ConfigurationType: "command"})
	assert.ErrorIs(t, err, beacon.ErrStore)
}

func TestAPI_RequiresToken(t *testing.T) {
	client, _ := newTestAPI(t, "secret", &memStore{})
	_, err := client.ListJobs(context.Background(), "", "", "", 0)
	require.NoError(t, err)

	anonymous := NewClient(client.baseURL, ClientOptions{})
	_, err = anonymous.ListJobs(context.Background(), "", "", "", 0)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestAPI_RejectsMalformedBody(t *testing.T) {
	client, _ := newTestAPI(t, "", &memStore{})
	resp, err := http.Post(client.baseURL+"/heartbeat", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(beacon.ErrVersionConflict))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(&beacon.StoreError{Op: "write", Err: errors.New("x")}))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(beacon.ErrClosed))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("x")))
}

func TestAPI_WorkerStatusRoundTrip(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestAPI(t, "", &memStore{})

	results, err := client.SendHeartbeat(ctx, &beacon.WorkerHeartbeat{
		WorkerID: "edge_0",
		AgentID:  "edge",
		Status:   beacon.WorkerStopping,
	}, nil)
	require.NoError(t, err)
	assert.Empty(t, results)

	workers, err := client.Workers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, beacon.WorkerStopping, workers[0].Status)
}
