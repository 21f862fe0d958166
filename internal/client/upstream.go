// Package client provides the shared HTTP client for the upstream API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"oapi-gateway/internal/config"
	"oapi-gateway/internal/metrics"
	"oapi-gateway/internal/model"
)

const userAgent = "oapi-gateway/1.0"

var (
	// ErrBodyTooLarge is returned when the upstream body exceeds upstream.max_response_bytes.
	ErrBodyTooLarge = errors.New("upstream body too large")
	// ErrNotJSON is returned when the upstream body does not decode as JSON.
	ErrNotJSON = errors.New("upstream body is not valid JSON")
)

// UpstreamClient sends GET requests to the upstream API. One instance is
// shared by all requests for the lifetime of the process.
type UpstreamClient struct {
	httpClient *http.Client
	maxBody    int64
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		maxBody: cfg.Upstream.MaxResponseBytes,
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Get issues a GET to rawURL and returns the status and the JSON body.
// Transport failures, oversized bodies and non-JSON bodies are errors;
// any HTTP status with a JSON body is not.
func (c *UpstreamClient) Get(ctx context.Context, rawURL string) (*model.UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	c.logger.Debug("upstream request", "path", req.URL.Path)

	start := time.Now()
	resp, err := c.do(req)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.Observe(time.Since(start).Seconds())
		if resp != nil {
			c.metrics.UpstreamResponses.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
		}
		if err != nil {
			c.metrics.UpstreamFailures.Inc()
		}
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *UpstreamClient) do(req *http.Request) (*model.UpstreamResponse, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	reader := io.Reader(resp.Body)
	if c.maxBody > 0 {
		reader = io.LimitReader(resp.Body, c.maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	if c.maxBody > 0 && int64(len(body)) > c.maxBody {
		return nil, fmt.Errorf("status %d: %w", resp.StatusCode, ErrBodyTooLarge)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("status %d: %w", resp.StatusCode, ErrNotJSON)
	}
	return &model.UpstreamResponse{StatusCode: resp.StatusCode, Body: body}, nil
}

// Close releases idle upstream connections.
func (c *UpstreamClient) Close() {
	c.httpClient.CloseIdleConnections()
}
