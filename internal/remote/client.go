package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roach88/posync/internal/domain"
)

// DefaultTimeout bounds every round trip when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 1 << 20

// Confirmation statuses accepted from the remote. "duplicate" means the remote
// had already applied the operation under the same idempotency key.
const (
	StatusApplied   = "applied"
	StatusDuplicate = "duplicate"
)

// Confirmation is the remote's acknowledgement that an operation was durably
// applied.
type Confirmation struct {
	Status    string `json:"status"`
	Reference string `json:"reference,omitempty"`

	// Raw is the full response body, kept for audit.
	Raw json.RawMessage `json:"-"`
}

// TransactionRequest is the body sent to replay one transaction.
type TransactionRequest struct {
	IdempotencyKey  string                 `json:"idempotency_key"`
	TransactionType domain.TransactionType `json:"transaction_type"`
	TransactionData json.RawMessage        `json:"transaction_data"`
	SyncAttempt     int                    `json:"sync_attempt"`
}

// ItemRequest is the body sent to execute one queue item.
type ItemRequest struct {
	ItemID        string          `json:"item_id"`
	Owner         string          `json:"owner"`
	Sequence      int64           `json:"sequence"`
	ItemType      domain.ItemType `json:"item_type"`
	ItemData      json.RawMessage `json:"item_data"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Attempt       int             `json:"attempt"`
}

// Client talks to the system of record over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption is a functional option for configuring a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom *http.Client. Its Timeout bounds each call.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the per-call timeout of the default HTTP client.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a client for the remote rooted at baseURL. An empty
// baseURL yields a client whose every call fails with ErrNotConfigured.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SyncTransaction replays one transaction on the remote.
// Corresponds to POST /transactions.
func (c *Client) SyncTransaction(ctx context.Context, req TransactionRequest) (Confirmation, error) {
	conf, err := c.post(ctx, "/transactions", req.IdempotencyKey, req)
	if err != nil {
		return Confirmation{}, fmt.Errorf("sync transaction %s: %w", req.IdempotencyKey, err)
	}
	return conf, nil
}

// ProcessItem executes one queue item on the remote, dispatching by item
// type. Corresponds to POST /queue/{item_type}. Unknown item types are
// rejected permanently without a network call.
func (c *Client) ProcessItem(ctx context.Context, req ItemRequest) (Confirmation, error) {
	if !req.ItemType.Valid() {
		return Confirmation{}, fmt.Errorf("process item %s: %w", req.ItemID,
			&PermanentError{Message: fmt.Sprintf("unsupported item type %q", req.ItemType)})
	}
	path := "/queue/" + url.PathEscape(string(req.ItemType))
	conf, err := c.post(ctx, path, req.ItemID, req)
	if err != nil {
		return Confirmation{}, fmt.Errorf("process item %s: %w", req.ItemID, err)
	}
	return conf, nil
}

// Health probes the remote. Any 2xx response means reachable.
// Corresponds to GET /health.
func (c *Client) Health(ctx context.Context) error {
	if c.baseURL == "" {
		return ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("health: creating request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health: %w", &StatusError{StatusCode: resp.StatusCode, Message: resp.Status})
	}
	return nil
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, body any) (Confirmation, error) {
	if c.baseURL == "" {
		return Confirmation{}, ErrNotConfigured
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Confirmation{}, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return Confirmation{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Confirmation{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Confirmation{}, fmt.Errorf("reading response: %w", err)
	}

	c.logger.Debug("remote call",
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if err := classifyStatus(resp.StatusCode, respBody); err != nil {
		return Confirmation{}, err
	}
	return parseConfirmation(respBody)
}

// classifyStatus maps a non-2xx HTTP status to an error. 408 and 429 are
// treated as transient; every other 4xx is a permanent rejection.
func classifyStatus(code int, body []byte) error {
	if code >= 200 && code <= 299 {
		return nil
	}
	msg := errorMessage(body)
	if msg == "" {
		msg = http.StatusText(code)
	}
	if code >= 400 && code <= 499 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
		return &PermanentError{StatusCode: code, Message: msg}
	}
	return &StatusError{StatusCode: code, Message: msg}
}

func errorMessage(body []byte) string {
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// parseConfirmation accepts only a JSON object whose status is applied or
// duplicate.
func parseConfirmation(body []byte) (Confirmation, error) {
	var conf Confirmation
	if err := json.Unmarshal(body, &conf); err != nil {
		return Confirmation{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	switch conf.Status {
	case StatusApplied, StatusDuplicate:
	default:
		return Confirmation{}, fmt.Errorf("%w: status %q", ErrMalformedResponse, conf.Status)
	}
	conf.Raw = append(json.RawMessage(nil), body...)
	return conf, nil
}
