// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/AleutianAI/AleutianHedge/services/hedge/solver"
)

var (
	// ErrStopWatching ends Watch without an error when returned by its
	// callback.
	ErrStopWatching = errors.New("stop watching")

	// ErrUnexpectedStatus is returned for answers the client cannot map.
	ErrUnexpectedStatus = errors.New("unexpected coordinator response")
)

// ClientConfig configures NewClient.
type ClientConfig struct {
	// BaseURL is the coordinator address, e.g. "http://localhost:8095".
	BaseURL string

	// Timeout bounds each request. It must exceed the server's LeaseWait.
	Timeout time.Duration

	// Retries is how often a transport error is retried before it is
	// returned. Backoff doubles from RetryBackoff.
	Retries      int
	RetryBackoff time.Duration

	Logger *slog.Logger
}

// DefaultClientConfig returns the defaults for baseURL.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:      baseURL,
		Timeout:      60 * time.Second,
		Retries:      3,
		RetryBackoff: 200 * time.Millisecond,
	}
}

// Client is a solver.Coordinator backed by a remote coordinator.
//
// Description:
//
//	Lease long-polls the coordinator and retries on 204 until a scenario is
//	free. 410 maps to solver.ErrSolveFinished and 404 on complete to
//	solver.ErrUnknownLease, so solver.RunWorker behaves as it does against
//	an in-process Hub. Trace context is propagated through otelhttp.
//
// Thread Safety: Safe for concurrent use.
type Client struct {
	base      *url.URL
	http      *http.Client
	transport *http.Transport
	cfg       ClientConfig
	logger    *slog.Logger
}

var _ solver.Coordinator = (*Client)(nil)

// NewClient creates a client.
func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse coordinator url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("coordinator url %q: scheme must be http or https", cfg.BaseURL)
	}
	def := DefaultClientConfig(cfg.BaseURL)
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &Client{
		base:      base,
		transport: transport,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(transport),
		},
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("coordinator", base.String())),
	}, nil
}

// Close releases idle connections.
func (c *Client) Close() { c.transport.CloseIdleConnections() }

// StreamURL returns the websocket URL of the record stream.
func (c *Client) StreamURL() string {
	u := *c.base
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path += "/v1/hedge/stream"
	return u.String()
}

// do sends one request, retrying transport errors, and decodes a 2xx body
// into out. Non-2xx answers are returned as *StatusError.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
	}

	backoff := c.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, bytes.NewReader(body))
		if err != nil {
			return 0, err
		}
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil || attempt >= c.cfg.Retries {
				return 0, fmt.Errorf("%s %s: %w", method, path, err)
			}
			c.logger.Warn("coordinator request failed, retrying",
				slog.String("path", path),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}
		return resp.StatusCode, decodeResponse(resp, out)
	}
}

// StatusError is a non-2xx answer that carried no mapped meaning.
type StatusError struct {
	Status int
	Body   ErrorResponse
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("coordinator returned %d: %s", e.Status, e.Body.Error)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	// Complete answers 404/410 with a CompleteResponse; the caller decodes
	// it from the StatusError body.
	if cr, ok := out.(*CompleteResponse); ok && json.Unmarshal(data, cr) == nil {
		if cr.Error != "" {
			return &StatusError{Status: resp.StatusCode, Body: ErrorResponse{Error: cr.Error}}
		}
	}
	se := &StatusError{Status: resp.StatusCode}
	if json.Unmarshal(data, &se.Body) != nil || se.Body.Error == "" {
		se.Body.Error = strings.TrimSpace(string(data))
	}
	return se
}

// Lease implements solver.Coordinator.
func (c *Client) Lease(ctx context.Context, worker string) (solver.Task, error) {
	for {
		var task solver.Task
		status, err := c.do(ctx, http.MethodPost, "/v1/hedge/lease", LeaseRequest{Worker: worker}, &task)
		switch {
		case status == http.StatusOK && err == nil:
			return task, nil
		case status == http.StatusNoContent:
			if ctx.Err() != nil {
				return solver.Task{}, ctx.Err()
			}
			continue
		case status == http.StatusGone:
			return solver.Task{}, solver.ErrSolveFinished
		case err != nil:
			return solver.Task{}, err
		default:
			return solver.Task{}, fmt.Errorf("%w: lease status %d", ErrUnexpectedStatus, status)
		}
	}
}

// Complete implements solver.Coordinator. A primal that JSON cannot carry
// is reported as a failed call.
func (c *Client) Complete(ctx context.Context, res solver.Result) (solver.Ack, error) {
	req := CompleteRequest{
		LeaseID:  res.LeaseID,
		Worker:   res.Worker,
		Scenario: res.Scenario,
		Primal:   res.Primal,
		Failed:   res.Failed,
		Error:    res.Error,
	}
	if !req.Failed && !finite(req.Primal) {
		req.Primal = nil
		req.Failed = true
		req.Error = "non-finite primal"
	}

	var out CompleteResponse
	status, err := c.do(ctx, http.MethodPost, "/v1/hedge/complete", req, &out)
	switch status {
	case http.StatusOK:
		return out.Ack, err
	case http.StatusGone:
		return out.Ack, solver.ErrSolveFinished
	case http.StatusNotFound:
		return out.Ack, fmt.Errorf("%w: %q", solver.ErrUnknownLease, res.LeaseID)
	}
	if err == nil {
		err = fmt.Errorf("%w: complete status %d", ErrUnexpectedStatus, status)
	}
	return solver.Ack{}, err
}

// Status fetches the coordinator's progress.
func (c *Client) Status(ctx context.Context) (solver.HubStatus, error) {
	var st solver.HubStatus
	_, err := c.do(ctx, http.MethodGet, "/v1/hedge/status", nil, &st)
	return st, err
}

// Health fetches the coordinator's health and problem shape.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	_, err := c.do(ctx, http.MethodGet, "/v1/hedge/health", nil, &h)
	return h, err
}

func finite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
