// Copyright 2025 Andres Velez
// SPDX-License-Identifier: Apache-2.0

package farmsqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/andresdvelez/ganadero-sub000/farmsync"
)

// Transport carries sync requests to the server. Abstracted so tests can
// script server behavior without a network.
type Transport interface {
	Upsert(ctx context.Context, entityType string, req *farmsync.UpsertRequest) (*farmsync.UpsertResponse, error)
	Pull(ctx context.Context, cursor string) (*farmsync.PullResponse, error)
}

// RemoteError is a non-2xx server response, decoded from the JSON error
// envelope. Conflict responses carry both row versions.
type RemoteError struct {
	Status    int
	Code      string
	Message   string
	Current   json.RawMessage
	Attempted json.RawMessage
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Code, e.Message)
}

// Class maps a remote error to a queue error class.
func (e *RemoteError) Class() string {
	switch e.Code {
	case farmsync.CodeConflict:
		return ClassConflict
	case farmsync.CodeRefNotFound:
		return ClassRefNotFound
	case farmsync.CodeValidation, farmsync.CodeUnknownEntity:
		return ClassValidation
	}
	switch e.Status {
	case http.StatusConflict:
		return ClassConflict
	case http.StatusUnprocessableEntity:
		return ClassRefNotFound
	case http.StatusBadRequest, http.StatusNotFound:
		return ClassValidation
	}
	// 5xx, 429 and anything unrecognized: worth retrying.
	return ClassTransient
}

// classifyError maps any push error (transport-level or remote) to a queue
// error class. Plain network errors are transient.
func classifyError(err error) string {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Class()
	}
	return ClassTransient
}

// HTTPTransport talks to a farmsync HTTP server.
type HTTPTransport struct {
	BaseURL string
	Token   func(ctx context.Context) (string, error) // returns JWT
	HTTP    *http.Client
}

// NewHTTPTransport creates a transport with a sensible client timeout.
func NewHTTPTransport(baseURL string, token func(ctx context.Context) (string, error)) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Upsert posts one write intent to POST /sync/upsert/{entityType}.
func (t *HTTPTransport) Upsert(ctx context.Context, entityType string, req *farmsync.UpsertRequest) (*farmsync.UpsertResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upsert request: %w", err)
	}
	var response farmsync.UpsertResponse
	err = t.do(ctx, http.MethodPost, "/sync/upsert/"+url.PathEscape(entityType), body, &response)
	if err != nil {
		return nil, err
	}
	return &response, nil
}

// Pull fetches changes since the cursor from GET /sync/pull.
func (t *HTTPTransport) Pull(ctx context.Context, cursor string) (*farmsync.PullResponse, error) {
	path := "/sync/pull"
	if cursor != "" {
		path += "?cursor=" + url.QueryEscape(cursor)
	}
	var response farmsync.PullResponse
	if err := t.do(ctx, http.MethodGet, path, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// Probe reports server reachability via GET /health. Usable as the manager's
// connectivity probe.
func (t *HTTPTransport) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := t.HTTP.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.Token != nil {
		token, err := t.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		remote := &RemoteError{Status: resp.StatusCode, Message: string(payload)}
		var envelope farmsync.ErrorResponse
		if json.Unmarshal(payload, &envelope) == nil && envelope.Error != "" {
			remote.Code = envelope.Error
			remote.Message = envelope.Message
			remote.Current = envelope.Current
			remote.Attempted = envelope.Attempted
		}
		return remote
	}

	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
