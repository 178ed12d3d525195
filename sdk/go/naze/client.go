package naze

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Naze server (e.g. "http://localhost:8080").
	BaseURL string

	// Mode selects the failure behavior of delivery. Defaults to ModeBuffer.
	Mode DeliverMode

	// OfflinePath is the SQLite file backing the offline queue. Only used
	// in ModeBuffer. Defaults to "naze-offline.db".
	OfflinePath string

	// HTTPClient is an optional custom HTTP client. If nil, a default
	// client is used.
	HTTPClient *http.Client

	// Timeout bounds each delivery attempt. The instrumented pipeline
	// never waits longer than this, regardless of backend health.
	// Defaults to 5 seconds.
	Timeout time.Duration

	// SampleCap is the per-reason rejection sample cap at capture level
	// "sample". Defaults to DefaultSampleCap.
	SampleCap int

	// AcceptCap is the acceptance sample cap. Defaults to DefaultAcceptCap.
	AcceptCap int

	// MaxSyncRetries bounds the backoff retries per run during
	// SyncOffline. Defaults to 4.
	MaxSyncRetries int
}

// Client delivers finalized runs to a Naze server. All methods are safe
// for concurrent use.
type Client struct {
	baseURL   string
	mode      DeliverMode
	client    *http.Client
	timeout   time.Duration
	queue     *offlineQueue
	sampleCap int
	acceptCap int
	maxRetry  int
}

// NewClient creates a Client from the given configuration.
// In ModeBuffer the durable offline queue is opened eagerly so a broken
// queue path fails at startup, not at the first backend outage.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("naze: BaseURL is required")
	}

	mode := cfg.Mode
	if mode == "" {
		mode = ModeBuffer
	}
	switch mode {
	case ModeFail, ModeDrop, ModeBuffer:
	default:
		return nil, fmt.Errorf("naze: unknown delivery mode %q", mode)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	sampleCap := cfg.SampleCap
	if sampleCap <= 0 {
		sampleCap = DefaultSampleCap
	}
	acceptCap := cfg.AcceptCap
	if acceptCap <= 0 {
		acceptCap = DefaultAcceptCap
	}
	maxRetry := cfg.MaxSyncRetries
	if maxRetry <= 0 {
		maxRetry = 4
	}

	c := &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		mode:      mode,
		client:    httpClient,
		timeout:   timeout,
		sampleCap: sampleCap,
		acceptCap: acceptCap,
		maxRetry:  maxRetry,
	}

	if mode == ModeBuffer {
		path := cfg.OfflinePath
		if path == "" {
			path = "naze-offline.db"
		}
		queue, err := openOfflineQueue(path)
		if err != nil {
			return nil, err
		}
		c.queue = queue
	}
	return c, nil
}

// Close releases the offline queue. Buffered runs are retained on disk.
func (c *Client) Close() error {
	if c.queue != nil {
		return c.queue.close()
	}
	return nil
}

// OfflineCount returns the number of runs waiting in the offline queue.
func (c *Client) OfflineCount(ctx context.Context) (int, error) {
	if c.queue == nil {
		return 0, nil
	}
	return c.queue.count(ctx)
}

// Deliver sends a finalized run to the server. Run finalizers call this
// automatically; it is exported for pipelines that assemble payloads out
// of band. On a retryable failure the configured mode decides: ModeFail
// returns a DeliveryError, ModeDrop returns nil, ModeBuffer enqueues
// durably and returns nil. Non-retryable server rejections (validation,
// conflict) are returned as *APIError in every mode.
func (c *Client) Deliver(ctx context.Context, run *Run) error {
	run.mu.Lock()
	if !run.finalized {
		run.mu.Unlock()
		return fmt.Errorf("naze: Deliver called on a running run; finalize it first")
	}
	payload := run.data
	run.mu.Unlock()
	return c.deliverPayload(ctx, payload)
}

func (c *Client) deliverPayload(ctx context.Context, payload RunPayload) error {
	_, err := c.send(ctx, payload)
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return err
	}

	switch c.mode {
	case ModeDrop:
		return nil
	case ModeBuffer:
		encoded, merr := json.Marshal(payload)
		if merr != nil {
			return &DeliveryError{RunID: payload.RunID, Err: merr}
		}
		if qerr := c.queue.enqueue(ctx, payload.RunID, encoded); qerr != nil {
			return &DeliveryError{RunID: payload.RunID, Err: qerr}
		}
		return nil
	default: // ModeFail
		return &DeliveryError{RunID: payload.RunID, Err: err}
	}
}

// SyncOffline drains the offline queue, replaying each buffered run with
// capped exponential backoff. Replay is at-least-once safe because
// ingestion is idempotent on run_id. Runs enqueued concurrently during
// the pass simply stay queued for the next one; runs the server has
// permanently refused are retained for operator inspection and counted
// as failed.
func (c *Client) SyncOffline(ctx context.Context) (SyncResult, error) {
	var res SyncResult
	if c.queue == nil {
		return res, nil
	}

	ids, err := c.queue.list(ctx)
	if err != nil {
		return res, err
	}

	for _, runID := range ids {
		encoded, err := c.queue.get(ctx, runID)
		if errors.Is(err, sql.ErrNoRows) {
			// Removed by a concurrent pass.
			continue
		}
		if err != nil {
			res.Failed++
			continue
		}

		var payload RunPayload
		if err := json.Unmarshal(encoded, &payload); err != nil {
			res.Failed++
			continue
		}

		if err := c.sendWithBackoff(ctx, payload); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Failed++
			continue
		}
		if err := c.queue.remove(ctx, runID); err != nil {
			res.Failed++
			continue
		}
		res.Synced++
	}
	return res, nil
}

// PurgeOffline discards every buffered run. Operator cleanup only; the
// sync path never drops entries on its own.
func (c *Client) PurgeOffline(ctx context.Context) (int, error) {
	if c.queue == nil {
		return 0, nil
	}
	return c.queue.purgeAll(ctx)
}

func (c *Client) sendWithBackoff(ctx context.Context, payload RunPayload) error {
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxRetry)),
		ctx)
	return backoff.Retry(func() error {
		_, err := c.send(ctx, payload)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

// send performs one bounded-timeout POST /v1/runs attempt. A 2xx answer
// (created or already_exists) is success. 4xx answers other than 408/429
// are *APIError: the server's verdict is permanent and retrying cannot
// change it. Everything else is retryable.
func (c *Client) send(ctx context.Context, payload RunPayload) (IngestResult, error) {
	var result IngestResult

	encoded, err := json.Marshal(payload)
	if err != nil {
		return result, &APIError{StatusCode: 400, Code: "INVALID_INPUT",
			Message: "payload not serializable: " + err.Error()}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost,
		c.baseURL+"/v1/runs", bytes.NewReader(encoded))
	if err != nil {
		return result, fmt.Errorf("naze: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return result, fmt.Errorf("naze: POST /v1/runs: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return result, fmt.Errorf("naze: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		retryable := resp.StatusCode >= 500 ||
			resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode == http.StatusRequestTimeout
		if retryable {
			return result, fmt.Errorf("naze: server answered %d", resp.StatusCode)
		}
		return result, parseAPIError(resp.StatusCode, body)
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return result, fmt.Errorf("naze: decode response envelope: %w", err)
	}
	if err := json.Unmarshal(envelope.Data, &result); err != nil {
		return result, fmt.Errorf("naze: decode ingest result: %w", err)
	}
	return result, nil
}

func parseAPIError(statusCode int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: statusCode}

	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
