package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/noah-isme/madrasa-sync/internal/models"
	appErrors "github.com/noah-isme/madrasa-sync/pkg/errors"
)

// RemoteClient talks to the remote record store over HTTP.
type RemoteClient struct {
	baseURL  string
	http     *http.Client
	deviceID string
}

// NewRemoteClient constructs a client. timeout bounds every request.
func NewRemoteClient(baseURL, deviceID string, timeout time.Duration) *RemoteClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: timeout},
		deviceID: deviceID,
	}
}

type envelope struct {
	Data  json.RawMessage  `json:"data,omitempty"`
	Error *appErrors.Error `json:"error,omitempty"`
}

// Create writes a record. A 409 answer maps to ErrRemoteConflict, other 4xx answers to
// ErrRemoteRejected and transport failures or 5xx answers to ErrRemoteUnavailable.
func (c *RemoteClient) Create(ctx context.Context, write models.RemoteWrite) (*models.RemoteReceipt, error) {
	body, err := json.Marshal(write)
	if err != nil {
		return nil, appErrors.WithCause(appErrors.ErrRemoteRejected, fmt.Errorf("encode remote write: %w", err))
	}
	endpoint := fmt.Sprintf("%s/records/%s", c.baseURL, url.PathEscape(string(write.RecordType)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, appErrors.WithCause(appErrors.ErrRemoteRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")

	status, env, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if err := classify(status, env); err != nil {
		return nil, err
	}
	var receipt models.RemoteReceipt
	if err := json.Unmarshal(env.Data, &receipt); err != nil {
		return nil, appErrors.WithCause(appErrors.ErrRemoteUnavailable, fmt.Errorf("decode receipt: %w", err))
	}
	return &receipt, nil
}

// FetchByNaturalKey returns the remote version of a natural key, or nil when none exists.
func (c *RemoteClient) FetchByNaturalKey(ctx context.Context, recordType models.RecordType, descriptor models.Descriptor) (*models.RemoteRecord, error) {
	endpoint := fmt.Sprintf("%s/records/%s?key=%s", c.baseURL, url.PathEscape(string(recordType)), url.QueryEscape(descriptor.Canonical()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, appErrors.WithCause(appErrors.ErrRemoteRejected, err)
	}
	status, env, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if err := classify(status, env); err != nil {
		return nil, err
	}
	var record models.RemoteRecord
	if err := json.Unmarshal(env.Data, &record); err != nil {
		return nil, appErrors.WithCause(appErrors.ErrRemoteUnavailable, fmt.Errorf("decode remote record: %w", err))
	}
	return &record, nil
}

// Ping checks reachability of the remote store.
func (c *RemoteClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return appErrors.WithCause(appErrors.ErrOffline, err)
	}
	status, _, err := c.do(req)
	if err != nil {
		return appErrors.WithCause(appErrors.ErrOffline, err)
	}
	if status >= http.StatusInternalServerError {
		return appErrors.Clone(appErrors.ErrOffline, fmt.Sprintf("remote health returned %d", status))
	}
	return nil
}

func (c *RemoteClient) do(req *http.Request) (int, *envelope, error) {
	req.Header.Set("Accept", "application/json")
	if c.deviceID != "" {
		req.Header.Set("X-Device-ID", c.deviceID)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, appErrors.WithCause(appErrors.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, appErrors.WithCause(appErrors.ErrRemoteUnavailable, fmt.Errorf("read response: %w", err))
	}
	env := &envelope{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, env); err != nil && resp.StatusCode < 300 {
			return 0, nil, appErrors.WithCause(appErrors.ErrRemoteUnavailable, fmt.Errorf("decode response: %w", err))
		}
	}
	return resp.StatusCode, env, nil
}

func classify(status int, env *envelope) error {
	message := http.StatusText(status)
	if env != nil && env.Error != nil && env.Error.Message != "" {
		message = env.Error.Message
	}
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusConflict:
		return appErrors.Clone(appErrors.ErrRemoteConflict, message)
	case status >= 400 && status < 500:
		return appErrors.Clone(appErrors.ErrRemoteRejected, fmt.Sprintf("remote rejected write (%d): %s", status, message))
	default:
		return appErrors.Clone(appErrors.ErrRemoteUnavailable, fmt.Sprintf("remote unavailable (%d): %s", status, message))
	}
}
