package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/yirzhou/beacon"
)

// Client talks to a Server. It implements beacon.Orchestrator so a
// Supervisor can run against a remote orchestrator.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ beacon.Orchestrator = (*Client)(nil)

type ClientOptions struct {
	APIToken string
	Timeout  time.Duration
	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

func NewClient(baseURL string, opts ClientOptions) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimSpace(opts.APIToken),
		http:    hc,
	}
}

// APIError is returned for responses that map to no beacon error.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("orchestrator returned %d: %s", e.StatusCode, e.Message)
}

func (c *Client) GetAvailableJob(ctx context.Context, workerID string, request *beacon.JobRequest) (*beacon.JobProcessingInstruction, error) {
	if request == nil {
		request = &beacon.JobRequest{}
	}
	var instr beacon.JobProcessingInstruction
	code, err := c.do(ctx, http.MethodPost, "/workers/"+url.PathEscape(workerID)+"/job", request, &instr)
	if err != nil {
		return nil, err
	}
	if code == http.StatusNoContent {
		return nil, nil
	}
	return &instr, nil
}

func (c *Client) SendHeartbeat(ctx context.Context, hb *beacon.WorkerHeartbeat, diag *beacon.DiagnosticInfo) ([]beacon.HeartbeatResult, error) {
	var results []beacon.HeartbeatResult
	if _, err := c.do(ctx, http.MethodPost, "/heartbeat", HeartbeatRequest{Heartbeat: hb, Diagnostics: diag}, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Client) Workers(ctx context.Context) ([]beacon.WorkerInfo, error) {
	var workers []beacon.WorkerInfo
	_, err := c.do(ctx, http.MethodGet, "/workers", nil, &workers)
	return workers, err
}

// ListJobs returns one page of jobs. status and configurationType filter
// when not empty.
func (c *Client) ListJobs(ctx context.Context, status, configurationType, token string, limit int) (*beacon.JobList, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if configurationType != "" {
		q.Set("type", configurationType)
	}
	if token != "" {
		q.Set("token", token)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var list beacon.JobList
	if _, err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *Client) CreateJob(ctx context.Context, job *beacon.Job) (*beacon.Job, error) {
	return c.jobCall(ctx, http.MethodPost, "/jobs", job)
}

func (c *Client) GetJob(ctx context.Context, jobID string) (*beacon.Job, error) {
	return c.jobCall(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil)
}

func (c *Client) DeleteJob(ctx context.Context, jobID string) (*beacon.Job, error) {
	return c.jobCall(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(jobID), nil)
}

func (c *Client) CancelJob(ctx context.Context, jobID string) (*beacon.Job, error) {
	return c.jobCall(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/cancel", nil)
}

func (c *Client) ResetJob(ctx context.Context, jobID string) (*beacon.Job, error) {
	return c.jobCall(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/reset", nil)
}

func (c *Client) jobCall(ctx context.Context, method, path string, body any) (*beacon.Job, error) {
	var job beacon.Job
	if _, err := c.do(ctx, method, path, body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(authHeaderName, c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if resp.StatusCode >= 300 {
		return resp.StatusCode, decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// decodeError turns an error response back into the sentinel the server
// mapped it from.
func decodeError(resp *http.Response) error {
	var payload errorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(raw))
	}
	var sentinel error
	switch resp.StatusCode {
	case http.StatusConflict:
		sentinel = beacon.ErrConflict
	case http.StatusNotFound:
		sentinel = beacon.ErrNotFound
	case http.StatusBadRequest:
		sentinel = beacon.ErrValidation
	case http.StatusServiceUnavailable:
		return &beacon.StoreError{Op: "remote", Err: errors.New(payload.Error)}
	default:
		return &APIError{StatusCode: resp.StatusCode, Message: payload.Error}
	}
	return fmt.Errorf("%w: %s", sentinel, payload.Error)
}
