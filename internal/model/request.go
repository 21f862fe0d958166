// Package model defines shared types for the gateway.
package model

import (
	"net/url"
)

// AccessKeyParam is the query parameter carrying both the caller's access
// key and, on the upstream side, the injected API key.
const AccessKeyParam = "k"

// InboundRequest is a client request accepted under the gateway prefix.
type InboundRequest struct {
	Path  string
	Query url.Values
}

// AccessKey returns the caller's access key and whether one was sent.
func (r *InboundRequest) AccessKey() (string, bool) {
	if !r.Query.Has(AccessKeyParam) {
		return "", false
	}
	return r.Query.Get(AccessKeyParam), true
}

// UpstreamRequest is the call derived from an InboundRequest.
type UpstreamRequest struct {
	Endpoint string
	Params   url.Values
}

// UpstreamResponse is a decoded upstream reply, relayed to the caller as is.
type UpstreamResponse struct {
	StatusCode int
	Body       []byte // valid JSON
}
