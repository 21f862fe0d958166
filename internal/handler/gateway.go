package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"oapi-gateway/internal/access"
	"oapi-gateway/internal/metrics"
	"oapi-gateway/internal/model"
	"oapi-gateway/internal/service"
)

// keyParamPattern matches k= query values in URLs embedded in error messages.
var keyParamPattern = regexp.MustCompile(`([?&]k=)[^&\s"]+`)

// GatewayHandler is the entry point for proxied traffic. It runs the prefix
// check, the access check and the forwarder in that order.
type GatewayHandler struct {
	forwarder *service.Forwarder
	gate      *access.Gate
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewGatewayHandler creates a GatewayHandler. m may be nil.
func NewGatewayHandler(f *service.Forwarder, g *access.Gate, m *metrics.Metrics, logger *slog.Logger) *GatewayHandler {
	return &GatewayHandler{
		forwarder: f,
		gate:      g,
		metrics:   m,
		logger:    logger.With("component", "gateway_handler"),
	}
}

// Handle forwards the request upstream and relays the upstream status and
// JSON body unchanged.
func (h *GatewayHandler) Handle(c echo.Context) error {
	req := c.Request()

	if !h.forwarder.Accepts(req.URL.Path) {
		if h.metrics != nil {
			h.metrics.RoutingMisses.Inc()
		}
		return c.NoContent(http.StatusNotFound)
	}

	in := &model.InboundRequest{
		Path:  req.URL.Path,
		Query: req.URL.Query(),
	}

	if !h.gate.Authorize(in.AccessKey()) {
		if h.metrics != nil {
			h.metrics.AccessDenied.Inc()
		}
		return c.NoContent(http.StatusForbidden)
	}

	resp, err := h.forwarder.Forward(req.Context(), in)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSONBlob(resp.StatusCode, resp.Body)
}

func (h *GatewayHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("upstream error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)

	msg := "upstream request failed"
	if !errors.Is(err, service.ErrUpstreamUnavailable) {
		msg = "internal error"
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": msg,
	})
}

// sanitizeError redacts API keys from error messages that may contain upstream URLs.
func sanitizeError(err error) string {
	return keyParamPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
