package api

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"kbupload/internal/services/upload"

	"github.com/go-resty/resty/v2"
)

// Client talks to the knowledge-base ingestion API
type Client struct {
	baseURL string
	http    *resty.Client
	// uploads never retry: a multipart body cannot be replayed
	uploads *resty.Client
}

// UploadResponse is returned by POST /api/upload
type UploadResponse struct {
	Message string `json:"message"`
	TaskID  string `json:"task_id"`
	KBID    string `json:"kb_id"`
	Status  string `json:"status"`
}

// TaskStatusResponse is returned by GET /api/tasks/{id}
type TaskStatusResponse struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	KBID     string `json:"kb_id"`
	Status   string `json:"status"`
	Error    string `json:"error"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewClient creates a new API client. An empty token disables
// authentication.
func NewClient(baseURL, token string, timeout time.Duration, retryCount int) *Client {
	client := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
	}

	client.http = resty.New().
		SetHeader("User-Agent", "kbupload").
		SetTimeout(timeout).
		SetRetryCount(retryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Retry on 429 (Too Many Requests) and 5xx server errors
			return r.StatusCode() == 429 || (r.StatusCode() >= 500 && r.StatusCode() <= 504)
		})

	client.uploads = resty.New().
		SetHeader("User-Agent", "kbupload").
		SetTimeout(timeout)

	if token != "" {
		client.http.SetAuthToken(token)
		client.uploads.SetAuthToken(token)
	}

	return client
}

// UploadFile sends one file to knowledge base kbID as multipart form data
func (c *Client) UploadFile(ctx context.Context, filename string, content io.Reader, kbID string) (*UploadResponse, error) {
	var result UploadResponse
	var apiErr errorResponse

	resp, err := c.uploads.R().
		SetContext(ctx).
		SetFileReader("file", filename, content).
		SetFormData(map[string]string{"kb_id": kbID}).
		SetResult(&result).
		SetError(&apiErr).
		Post(c.buildURL("api/upload"))
	if err != nil {
		return nil, fmt.Errorf("upload request failed: %w", err)
	}
	if resp.IsError() {
		return nil, statusError(resp, apiErr)
	}

	return &result, nil
}

// GetTaskStatus fetches the processing state of a remote task
func (c *Client) GetTaskStatus(ctx context.Context, taskID string) (*TaskStatusResponse, error) {
	var result TaskStatusResponse
	var apiErr errorResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", taskID).
		SetResult(&result).
		SetError(&apiErr).
		Get(c.buildURL("api/tasks/{id}"))
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	if resp.IsError() {
		return nil, statusError(resp, apiErr)
	}

	return &result, nil
}

// SubmitTransfer implements upload.Transferer
func (c *Client) SubmitTransfer(ctx context.Context, filename string, payload upload.Payload, targetID string) (upload.TransferResult, error) {
	content, err := payload.Open()
	if err != nil {
		return upload.TransferResult{}, fmt.Errorf("failed to open %s: %w", filename, err)
	}
	defer content.Close()

	res, err := c.UploadFile(ctx, filename, content, targetID)
	if err != nil {
		return upload.TransferResult{}, err
	}
	return upload.TransferResult{RemoteJobID: res.TaskID}, nil
}

// QueryJobStatus implements upload.StatusChecker
func (c *Client) QueryJobStatus(ctx context.Context, jobID string) (upload.JobStatus, error) {
	res, err := c.GetTaskStatus(ctx, jobID)
	if err != nil {
		return upload.JobStatus{}, err
	}
	return upload.JobStatus{
		State:  jobState(res.Status),
		Detail: res.Error,
		Raw:    res.Status,
	}, nil
}

// jobState maps the worker's state names, including Celery's, onto the
// normalized states.
func jobState(status string) upload.JobState {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success", "completed":
		return upload.JobSuccess
	case "failure", "failed", "revoked":
		return upload.JobFailure
	case "pending", "started", "processing", "retry", "received":
		return upload.JobPending
	default:
		return upload.JobUnknown
	}
}

func statusError(resp *resty.Response, apiErr errorResponse) error {
	if apiErr.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode(), apiErr.Error)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode())
}

// buildURL constructs the full URL for an endpoint
func (c *Client) buildURL(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "/")
	return fmt.Sprintf("%s/%s", c.baseURL, endpoint)
}
