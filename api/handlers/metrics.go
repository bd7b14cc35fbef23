package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/execflow/analytics"
	"github.com/BaSui01/execflow/types"
)

// MetricsHandler serves the rollup endpoints backed by the analytics
// aggregator.
type MetricsHandler struct {
	agg    *analytics.Aggregator
	logger *zap.Logger
}

// NewMetricsHandler creates a MetricsHandler.
func NewMetricsHandler(agg *analytics.Aggregator, logger *zap.Logger) *MetricsHandler {
	return &MetricsHandler{
		agg:    agg,
		logger: logger.With(zap.String("handler", "metrics")),
	}
}

// HandleProjectMetrics serves GET /api/v1/projects/{id}/metrics.
func (h *MetricsHandler) HandleProjectMetrics(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, analytics.KindProject)
}

// HandleAgentMetrics serves GET /api/v1/agents/{id}/metrics.
func (h *MetricsHandler) HandleAgentMetrics(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, analytics.KindAgent)
}

// HandleExecutionMetrics serves GET /api/v1/executions/{id}/metrics.
func (h *MetricsHandler) HandleExecutionMetrics(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, analytics.KindExecution)
}

func (h *MetricsHandler) serve(w http.ResponseWriter, r *http.Request, kind analytics.EntityKind) {
	window, err := parseWindow(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	report, err := h.agg.Aggregate(r.Context(), callerID(r), kind, r.PathValue("id"), window)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, report)
}

func parseWindow(r *http.Request) (analytics.Window, error) {
	var window analytics.Window
	q := r.URL.Query()
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return window, types.ValidationError("invalid from %q", raw)
		}
		window.From = &t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return window, types.ValidationError("invalid to %q", raw)
		}
		window.To = &t
	}
	return window, nil
}
