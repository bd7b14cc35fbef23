package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/execflow/execution"
	"github.com/BaSui01/execflow/store"
	"github.com/BaSui01/execflow/types"
)

// ExecutionHandler serves the execution lifecycle endpoints.
type ExecutionHandler struct {
	svc    *execution.Service
	logger *zap.Logger
}

// NewExecutionHandler creates an ExecutionHandler.
func NewExecutionHandler(svc *execution.Service, logger *zap.Logger) *ExecutionHandler {
	return &ExecutionHandler{
		svc:    svc,
		logger: logger.With(zap.String("handler", "execution")),
	}
}

// listResponse is the page envelope for execution listings.
type listResponse struct {
	Executions []*types.Execution `json:"executions"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

// HandleCreate serves POST /api/v1/executions.
func (h *ExecutionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req execution.CreateRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	e, err := h.svc.Create(r.Context(), callerID(r), req)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteCreated(w, r, e)
}

// HandleList serves GET /api/v1/executions.
func (h *ExecutionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	f, err := listFilter(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	page, next, err := h.svc.List(r.Context(), callerID(r), f)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	resp := listResponse{Executions: page}
	if next != nil {
		resp.NextCursor = encodeCursor(next)
	}
	WriteSuccess(w, r, resp)
}

// HandleGet serves GET /api/v1/executions/{id}.
func (h *ExecutionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	e, err := h.svc.Get(r.Context(), callerID(r), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, e)
}

// HandleUpdateStatus serves PATCH /api/v1/executions/{id}/status.
func (h *ExecutionHandler) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var upd execution.StatusUpdate
	if err := DecodeJSONBody(w, r, &upd, h.logger); err != nil {
		return
	}
	e, err := h.svc.UpdateStatus(r.Context(), callerID(r), r.PathValue("id"), upd)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, e)
}

// HandleStart serves POST /api/v1/executions/{id}/start.
func (h *ExecutionHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	e, err := h.svc.Start(r.Context(), callerID(r), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusAccepted, Response{
		Success:   true,
		Data:      e,
		Timestamp: time.Now().UTC(),
		RequestID: requestID(r),
	})
}

// HandleCancel serves POST /api/v1/executions/{id}/cancel.
func (h *ExecutionHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	e, err := h.svc.Cancel(r.Context(), callerID(r), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, e)
}

// HandleRetry serves POST /api/v1/executions/{id}/retry.
func (h *ExecutionHandler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	e, err := h.svc.Retry(r.Context(), callerID(r), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteCreated(w, r, e)
}

// HandleQueue serves GET /api/v1/projects/{id}/queue.
func (h *ExecutionHandler) HandleQueue(w http.ResponseWriter, r *http.Request) {
	q, err := h.svc.Queue(r.Context(), callerID(r), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, q)
}

func callerID(r *http.Request) string {
	id, _ := types.CallerIDFromContext(r.Context())
	return id
}

func listFilter(r *http.Request) (store.ExecutionFilter, error) {
	q := r.URL.Query()
	f := store.ExecutionFilter{
		ProjectID: q.Get("project_id"),
		AgentID:   q.Get("agent_id"),
		Status:    types.ExecutionStatus(q.Get("status")),
	}
	if f.Status != "" && !f.Status.Valid() {
		return f, types.ValidationError("unknown status %q", f.Status)
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, types.ValidationError("invalid limit %q", raw)
		}
		f.Limit = n
	}
	for param, dst := range map[string]**time.Time{
		"created_after":  &f.CreatedAfter,
		"created_before": &f.CreatedBefore,
	} {
		if raw := q.Get(param); raw != "" {
			t, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return f, types.ValidationError("invalid %s %q", param, raw)
			}
			*dst = &t
		}
	}
	if raw := q.Get("cursor"); raw != "" {
		c, err := decodeCursor(raw)
		if err != nil {
			return f, err
		}
		f.Cursor = c
	}
	return f, nil
}

// Cursors are serialized as "<created_at RFC3339Nano>,<id>"; clients treat
// them as opaque.
func encodeCursor(c *store.Cursor) string {
	return fmt.Sprintf("%s,%s", c.CreatedAt.UTC().Format(time.RFC3339Nano), c.ID)
}

func decodeCursor(raw string) (*store.Cursor, error) {
	at, id, ok := strings.Cut(raw, ",")
	if !ok {
		return nil, types.ValidationError("malformed cursor")
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return nil, types.ValidationError("malformed cursor timestamp")
	}
	return &store.Cursor{CreatedAt: t, ID: id}, nil
}
