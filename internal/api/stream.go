package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/marcus/greenloop/internal/jobs"
	"github.com/marcus/greenloop/internal/orchestrator"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	// Origins are enforced by the CORS middleware configuration.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamTask sends a job's backlog and then its live events, one JSON
// message per event, closing after the terminal event. Jobs from earlier
// processes are replayed from the store.
func (h *handlers) streamTask(c *gin.Context) {
	id := c.Param("id")
	job, live := h.runner.Registry().Get(id)

	var stored []orchestrator.Event
	if !live {
		snap, err := h.runner.Get(c.Request.Context(), id)
		if errors.Is(err, jobs.ErrNotFound) {
			abort(c, http.StatusNotFound, jobs.ErrNotFound)
			return
		}
		if err != nil {
			abort(c, http.StatusInternalServerError, err)
			return
		}
		stored = snap.Events
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WarnCtx("websocket upgrade failed", map[string]any{"job_id": id, "error": err.Error()})
		return
	}
	defer func() { _ = ws.Close() }()

	if !live {
		for _, e := range stored {
			if err := writeEvent(ws, e); err != nil {
				return
			}
		}
		closeNormally(ws)
		return
	}

	sub := job.Subscribe()
	defer job.Unsubscribe(sub)

	// The client never sends anything; reading only detects disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e, ok := <-sub.C():
			if !ok {
				closeNormally(ws)
				return
			}
			if err := writeEvent(ws, e); err != nil {
				h.logger.DebugCtx("stream client write failed", map[string]any{"job_id": id, "error": err.Error()})
				return
			}
		case <-gone:
			h.logger.DebugCtx("stream client disconnected", map[string]any{"job_id": id})
			return
		case <-h.quit:
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		}
	}
}

func writeEvent(ws *websocket.Conn, e orchestrator.Event) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(e)
}

func closeNormally(ws *websocket.Conn) {
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"),
		time.Now().Add(writeWait))
}
