// Package service implements the core forwarding logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"oapi-gateway/internal/client"
	"oapi-gateway/internal/config"
	"oapi-gateway/internal/credential"
	"oapi-gateway/internal/model"
)

// ErrUpstreamUnavailable wraps every failure to obtain a JSON reply from upstream.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// Forwarder turns inbound requests into upstream calls carrying a pooled API key.
type Forwarder struct {
	client  *client.UpstreamClient
	pool    *credential.Pool
	prefix  string
	baseURL *url.URL
	logger  *slog.Logger
}

// NewForwarder creates a Forwarder.
func NewForwarder(c *client.UpstreamClient, pool *credential.Pool, cfg *config.Config, logger *slog.Logger) (*Forwarder, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	return &Forwarder{
		client:  c,
		pool:    pool,
		prefix:  cfg.Server.Prefix,
		baseURL: u,
		logger:  logger.With("component", "forwarder"),
	}, nil
}

// Prefix returns the path prefix the Forwarder accepts.
func (f *Forwarder) Prefix() string {
	return f.prefix
}

// Accepts reports whether path falls under the gateway prefix.
func (f *Forwarder) Accepts(path string) bool {
	return strings.HasPrefix(path, f.prefix)
}

// Forward sends the request upstream and returns the upstream status and body.
// Callers must check Accepts first. Any failure to get a JSON reply is
// returned wrapped in ErrUpstreamUnavailable; upstream error statuses are not
// failures.
func (f *Forwarder) Forward(ctx context.Context, in *model.InboundRequest) (*model.UpstreamResponse, error) {
	ur := f.BuildUpstreamRequest(in)

	f.logger.Debug("forwarding request", "endpoint", ur.Endpoint)

	resp, err := f.client.Get(ctx, f.buildUpstreamURL(ur))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	return resp, nil
}

// BuildUpstreamRequest derives the endpoint by stripping the prefix, copies
// the query and sets the API key parameter from the pool, replacing any
// value the caller sent.
func (f *Forwarder) BuildUpstreamRequest(in *model.InboundRequest) *model.UpstreamRequest {
	params := make(url.Values, len(in.Query)+1)
	for k, v := range in.Query {
		if len(v) > 0 {
			params.Set(k, v[0])
		}
	}
	params.Set(model.AccessKeyParam, f.pool.Select())

	return &model.UpstreamRequest{
		Endpoint: strings.TrimPrefix(in.Path, f.prefix),
		Params:   params,
	}
}

func (f *Forwarder) buildUpstreamURL(ur *model.UpstreamRequest) string {
	u := *f.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(ur.Endpoint, "/")
	u.RawPath = ""
	u.RawQuery = ur.Params.Encode()
	return u.String()
}
