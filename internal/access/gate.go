// Package access implements the inbound shared-secret check.
package access

import (
	"crypto/subtle"
	"log/slog"

	"oapi-gateway/internal/config"
)

// Gate decides whether an inbound request may use the gateway.
type Gate struct {
	secret []byte
}

// NewGate creates a Gate from the configured access key. An empty key
// disables the check, which is logged as a warning.
func NewGate(cfg *config.Config, logger *slog.Logger) *Gate {
	g := &Gate{secret: []byte(cfg.Gateway.AccessKey)}
	if g.Open() {
		logger.Warn("no access key set; anyone can use this gateway")
	}
	return g
}

// Open reports whether the gate lets every request through.
func (g *Gate) Open() bool {
	return len(g.secret) == 0
}

// Authorize reports whether the supplied key grants access. present is
// false when the caller sent no key at all. The comparison is exact and
// runs in constant time for keys of equal length.
func (g *Gate) Authorize(supplied string, present bool) bool {
	if g.Open() {
		return true
	}
	if !present {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(supplied), g.secret) == 1
}
