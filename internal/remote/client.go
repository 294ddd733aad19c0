package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/memsync/internal/config"
	"github.com/fyrsmithlabs/memsync/internal/record"
)

var tracer = otel.Tracer("memsync.remote")

// Paths served by the sync server.
const (
	PathRegister   = "/api/sync/register"
	PathDeregister = "/api/sync/deregister"
	PathPrincipal  = "/api/sync/principal"
	PathPull       = "/api/sync/pull"
	PathPush       = "/api/sync/push"
	PathWatermark  = "/api/sync/watermark"
)

// DeregisterRequest is the body of PathDeregister.
type DeregisterRequest struct {
	DeviceID string `json:"device_id"`
}

// PushRequest is the body of PathPush.
type PushRequest struct {
	DeviceID string           `json:"device_id"`
	Records  []*record.Record `json:"records"`
}

// PushResponse is the reply to PathPush.
type PushResponse struct {
	Results []PushResult `json:"results"`
}

// WatermarkRequest is the body of PathWatermark.
type WatermarkRequest struct {
	DeviceID string      `json:"device_id"`
	Kind     record.Kind `json:"kind"`
}

// ClientConfig configures an HTTP Client.
type ClientConfig struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
}

// ClientConfigFrom builds a ClientConfig from the remote config section.
func ClientConfigFrom(cfg config.RemoteConfig) ClientConfig {
	return ClientConfig{
		BaseURL:           cfg.URL,
		APIKey:            cfg.APIKey.Value(),
		Timeout:           cfg.Timeout.Duration(),
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
	}
}

// Client speaks the sync protocol to a remote server over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	limiter *rate.Limiter
	http    *http.Client
}

var _ Protocol = (*Client)(nil)

// NewClient creates a client. A zero RequestsPerSecond disables client
// side rate limiting.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("remote base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		http:    hc,
	}, nil
}

func (c *Client) RegisterDevice(ctx context.Context, info record.DeviceInfo) (*record.Device, error) {
	var d record.Device
	if err := c.call(ctx, "register", PathRegister, info, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) DeregisterDevice(ctx context.Context, deviceID string) error {
	return c.call(ctx, "deregister", PathDeregister, DeregisterRequest{DeviceID: deviceID}, nil)
}

func (c *Client) Principal(ctx context.Context) (*Roster, error) {
	var r Roster
	if err := c.call(ctx, "principal", PathPrincipal, struct{}{}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) Pull(ctx context.Context, req PullRequest) (*PullResult, error) {
	var res PullResult
	if err := c.call(ctx, "pull", PathPull, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Push(ctx context.Context, deviceID string, recs []*record.Record) ([]PushResult, error) {
	var res PushResponse
	if err := c.call(ctx, "push", PathPush, PushRequest{DeviceID: deviceID, Records: recs}, &res); err != nil {
		return nil, err
	}
	if len(res.Results) != len(recs) {
		return nil, fmt.Errorf("%w: push returned %d results for %d records",
			record.ErrRemoteUnavailable, len(res.Results), len(recs))
	}
	return res.Results, nil
}

func (c *Client) Watermark(ctx context.Context, deviceID string, kind record.Kind) (Watermark, error) {
	var wm Watermark
	err := c.call(ctx, "watermark", PathWatermark, WatermarkRequest{DeviceID: deviceID, Kind: kind}, &wm)
	return wm, err
}

// call POSTs in as JSON to path and decodes the reply into out.
func (c *Client) call(ctx context.Context, op, path string, in, out interface{}) (err error) {
	ctx, span := tracer.Start(ctx, "remote."+op)
	defer span.End()
	span.SetAttributes(attribute.String("remote.path", path))

	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = ErrorCode(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		ClientRequestDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return classifyTransport(ctx, err)
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: encoding %s request: %v", record.ErrInvalidRecord, op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ErrorFromResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return classifyTransport(ctx, err)
		}
		return fmt.Errorf("%w: decoding %s response: %v", record.ErrRemoteUnavailable, op, err)
	}
	return nil
}

// classifyTransport maps a failed round trip onto the retryable sentinels.
func classifyTransport(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", record.ErrRemoteTimeout, err)
	}
	return fmt.Errorf("%w: %v", record.ErrRemoteUnavailable, err)
}
