// Package webhook delivers consolidated conversation flushes to a remote HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/burstgate/internal/bus"
)

const (
	DefaultTimeout = 15 * time.Second

	// FlushIDHeader carries the flush id so receivers can de-duplicate.
	FlushIDHeader = "X-Burstgate-Flush-Id"

	maxErrorBody = 512
)

// ErrDelivery wraps every failed delivery (transport error or non-2xx response).
var ErrDelivery = errors.New("webhook delivery failed")

// StatusError is returned (wrapped in ErrDelivery) when the endpoint answers non-2xx.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook: HTTP %d", e.Status)
	}
	return fmt.Sprintf("webhook: HTTP %d: %s", e.Status, e.Body)
}

// Client POSTs FlushPayloads as JSON. The target can be changed at runtime
// with Reconfigure.
type Client struct {
	client *http.Client
	tracer trace.Tracer

	mu      sync.RWMutex
	url     string
	token   string
	headers map[string]string
	timeout time.Duration
}

type Option func(*Client)

// WithToken sends "Authorization: Bearer <token>" on every delivery.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHeaders adds static headers to every delivery.
func WithHeaders(h map[string]string) Option {
	return func(c *Client) {
		for k, v := range h {
			c.headers[k] = v
		}
	}
}

// WithTimeout bounds each delivery. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New creates a webhook client targeting url.
func New(url string, opts ...Option) *Client {
	c := &Client{
		client: &http.Client{},
		tracer: otel.Tracer("github.com/nextlevelbuilder/burstgate/internal/webhook"),
	}
	c.reset(url, opts)
	return c
}

// Reconfigure replaces the endpoint, token, headers and timeout. Deliveries
// already in flight keep the settings they started with.
func (c *Client) Reconfigure(url string, opts ...Option) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset(url, opts)
	slog.Info("webhook.reconfigured", "url", url)
}

func (c *Client) reset(url string, opts []Option) {
	c.url = url
	c.token = ""
	c.headers = make(map[string]string)
	c.timeout = DefaultTimeout
	for _, o := range opts {
		o(c)
	}
}

// URL returns the target endpoint.
func (c *Client) URL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.url
}

type target struct {
	url     string
	token   string
	headers map[string]string
	timeout time.Duration
}

func (c *Client) target() target {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return target{url: c.url, token: c.token, headers: c.headers, timeout: c.timeout}
}

// Deliver sends payload once. Any failure is returned wrapped in ErrDelivery;
// the caller decides whether to retry.
func (c *Client) Deliver(ctx context.Context, payload bus.FlushPayload) error {
	ctx, span := c.tracer.Start(ctx, "webhook.deliver", trace.WithAttributes(
		attribute.String("burstgate.key", payload.Key),
		attribute.String("burstgate.flush_id", payload.FlushID),
		attribute.Int("burstgate.message_count", len(payload.Messages)),
	))
	defer span.End()

	err := c.do(ctx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
	}
	return err
}

func (c *Client) do(ctx context.Context, payload bus.FlushPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %w", ErrDelivery, err)
	}

	t := c.target()
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: create request: %w", ErrDelivery, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	if payload.FlushID != "" {
		req.Header.Set(FlushIDHeader, payload.FlushID)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: %w", ErrDelivery, &StatusError{
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(body)),
		})
	}
	// Drain so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	slog.Debug("webhook.sent", "key", payload.Key, "status", resp.StatusCode, "elapsed", time.Since(start))
	return nil
}
