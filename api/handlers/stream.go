package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/execflow/execution"
)

// streamPingInterval keeps idle websocket connections alive through proxies.
const streamPingInterval = 30 * time.Second

// StreamHandler pushes execution lifecycle events over a websocket. Clients
// that fall behind the event buffer miss events and should re-read the
// execution record; the stream is a convenience, not a durable log.
type StreamHandler struct {
	svc    *execution.Service
	logger *zap.Logger
}

// NewStreamHandler creates a StreamHandler.
func NewStreamHandler(svc *execution.Service, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{
		svc:    svc,
		logger: logger.With(zap.String("handler", "stream")),
	}
}

// HandleStream serves GET /api/v1/executions/{id}/events.
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Visibility check before the upgrade, so denials are plain HTTP errors.
	if _, err := h.svc.Get(r.Context(), callerID(r), id); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.String("execution_id", id), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	events, cancel := h.svc.Hub().Subscribe(id)
	defer cancel()

	ctx := r.Context()
	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	h.logger.Debug("event stream opened", zap.String("execution_id", id))
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "server closing")
			return
		case <-ping.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "stream closed")
				return
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			writeCancel()
			if err != nil {
				h.logger.Debug("event stream write failed",
					zap.String("execution_id", id), zap.Error(err))
				return
			}
			// Terminal status closes the stream; nothing follows it.
			if ev.Type == execution.EventStatusChanged && ev.Status.IsTerminal() {
				conn.Close(websocket.StatusNormalClosure, "execution settled")
				return
			}
		}
	}
}
