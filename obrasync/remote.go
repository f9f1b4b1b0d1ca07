// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package obrasync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Deijai/innoma-obras/obrasqlite"
)

// Remote delivers one queue item to the backend. A nil error means the
// backend accepted the mutation.
type Remote interface {
	Deliver(ctx context.Context, item obrasqlite.Item) error
}

// RemoteFunc adapts a function to Remote.
type RemoteFunc func(ctx context.Context, item obrasqlite.Item) error

func (f RemoteFunc) Deliver(ctx context.Context, item obrasqlite.Item) error { return f(ctx, item) }

// DeliveryError describes a failed delivery. Transient failures are retried
// later without counting toward the poison threshold.
type DeliveryError struct {
	StatusCode int
	Body       string
	Transient  bool
	Err        error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode == 0:
		return fmt.Sprintf("delivery failed: %v", e.Err)
	case e.Body != "":
		return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// RecordRequest is the JSON body sent for INSERT and UPDATE.
type RecordRequest struct {
	UUID      string               `json:"uuid"`
	TenantID  string               `json:"tenant_id,omitempty"`
	Operation obrasqlite.Operation `json:"operation"`
	Data      json.RawMessage      `json:"data,omitempty"`
}

// HTTPRemote maps queue items onto a REST API:
//
//	INSERT  POST   {base}/tables/{table}/records
//	UPDATE  PUT    {base}/tables/{table}/records/{uuid}
//	DELETE  DELETE {base}/tables/{table}/records/{uuid}
type HTTPRemote struct {
	BaseURL string
	Token   func(ctx context.Context) (string, error) // returns JWT; may be nil
	HTTP    *http.Client

	// Retries is the number of extra in-place attempts for a transient
	// failure before Deliver gives up on the item for this batch.
	Retries int
	Backoff time.Duration

	logger *slog.Logger
}

// NewHTTPRemote creates a remote with a 30s HTTP timeout and two quick retries.
func NewHTTPRemote(baseURL string, token func(ctx context.Context) (string, error), logger *slog.Logger) *HTTPRemote {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRemote{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Retries: 2,
		Backoff: 500 * time.Millisecond,
		logger:  logger,
	}
}

// Deliver sends item and classifies the outcome.
func (r *HTTPRemote) Deliver(ctx context.Context, item obrasqlite.Item) error {
	backoff := r.Backoff
	var err error
	for attempt := 0; ; attempt++ {
		err = r.deliverOnce(ctx, item)
		if err == nil || !IsTransient(err) || attempt >= r.Retries {
			return err
		}
		r.logger.Debug("transient delivery failure, retrying",
			"id", item.ID, "table", item.Table, "attempt", attempt+1, "error", err)
		if serr := sleepWithContext(ctx, backoff); serr != nil {
			return &DeliveryError{Transient: true, Err: serr}
		}
		backoff *= 2
	}
}

func (r *HTTPRemote) deliverOnce(ctx context.Context, item obrasqlite.Item) error {
	req, err := r.newRequest(ctx, item)
	if err != nil {
		return err
	}

	resp, err := r.HTTP.Do(req)
	if err != nil {
		return &DeliveryError{Transient: true, Err: fmt.Errorf("failed to send HTTP request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	// A DELETE of a record the server never saw is as good as done.
	if item.Operation == obrasqlite.OpDelete && resp.StatusCode == http.StatusNotFound {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &DeliveryError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
		Transient:  transientStatus(resp.StatusCode),
	}
}

func (r *HTTPRemote) newRequest(ctx context.Context, item obrasqlite.Item) (*http.Request, error) {
	if r.BaseURL == "" {
		return nil, &DeliveryError{Transient: true, Err: errors.New("remote base URL is not configured")}
	}
	if !item.Operation.Valid() {
		return nil, &DeliveryError{Err: fmt.Errorf("invalid operation %q", item.Operation)}
	}

	collection := r.BaseURL + "/tables/" + url.PathEscape(item.Table) + "/records"
	var (
		method = http.MethodPost
		target = collection
		body   io.Reader
	)
	switch item.Operation {
	case obrasqlite.OpUpdate:
		method = http.MethodPut
		target = collection + "/" + url.PathEscape(item.RecordUUID)
	case obrasqlite.OpDelete:
		method = http.MethodDelete
		target = collection + "/" + url.PathEscape(item.RecordUUID)
	}

	if item.Operation != obrasqlite.OpDelete {
		data, err := json.Marshal(RecordRequest{
			UUID:      item.RecordUUID,
			TenantID:  item.TenantID,
			Operation: item.Operation,
			Data:      item.Payload,
		})
		if err != nil {
			return nil, &DeliveryError{Err: fmt.Errorf("failed to marshal record: %w", err)}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &DeliveryError{Err: fmt.Errorf("failed to create HTTP request: %w", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Idempotency-Key", IdempotencyKey(item))
	if item.TenantID != "" {
		req.Header.Set("X-Tenant-ID", item.TenantID)
	}
	if r.Token != nil {
		token, err := r.Token(ctx)
		if err != nil {
			return nil, &DeliveryError{Transient: true, Err: fmt.Errorf("failed to get JWT token: %w", err)}
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

// IdempotencyKey identifies one queued mutation across redeliveries.
func IdempotencyKey(item obrasqlite.Item) string {
	return fmt.Sprintf("sq-%d-%s", item.ID, item.RecordUUID)
}
