package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/stageline/internal/worker"
)

func (s *Server) handleWorkerStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if ws := c.Query("workspaceId"); ws != "" {
			if _, err := s.deps.Workspaces.Get(ctx, ws); err != nil {
				writeError(c, err)
				return
			}
			c.JSON(http.StatusOK, s.deps.Workers.Status(ws))
			return
		}
		statuses, err := s.deps.Workers.Statuses(ctx)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, statuses)
	}
}

type workerControl struct {
	Action      string `json:"action" binding:"required,oneof=start stop"`
	WorkspaceID string `json:"workspaceId"`
}

// handleWorkerControl starts or stops one workspace worker, or every
// workspace's worker when no workspace is given.
func (s *Server) handleWorkerControl() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req workerControl
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		ctx := c.Request.Context()

		ids := []string{req.WorkspaceID}
		if req.WorkspaceID == "" {
			all, err := s.deps.Workspaces.List(ctx)
			if err != nil {
				writeError(c, err)
				return
			}
			ids = ids[:0]
			for _, ws := range all {
				ids = append(ids, ws.ID)
			}
		}

		statuses := make([]worker.Status, 0, len(ids))
		for _, id := range ids {
			var err error
			if req.Action == "start" {
				err = s.deps.Workers.Start(ctx, id)
			} else {
				err = s.deps.Workers.Stop(ctx, id)
			}
			if err != nil {
				writeError(c, err)
				return
			}
			statuses = append(statuses, s.deps.Workers.Status(id))
		}
		s.deps.Log.Info("worker control", "action", req.Action, "workspaces", len(ids))

		if req.WorkspaceID != "" {
			c.JSON(http.StatusOK, statuses[0])
			return
		}
		c.JSON(http.StatusOK, statuses)
	}
}

// handleWorkerEvents streams worker statuses as server-sent events until the
// client disconnects.
func (s *Server) handleWorkerEvents() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		ctx := c.Request.Context()
		ws := c.Query("workspaceId")
		ticker := time.NewTicker(s.opts.EventInterval)
		defer ticker.Stop()

		send := func() bool {
			if ws != "" {
				writeSSE(c.Writer, "status", s.deps.Workers.Status(ws))
			} else {
				statuses, err := s.deps.Workers.Statuses(ctx)
				if err != nil {
					s.deps.Log.Warn("worker events: list statuses", "error", err)
					return false
				}
				writeSSE(c.Writer, "status", statuses)
			}
			c.Writer.Flush()
			return true
		}

		if !send() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !send() {
					return
				}
			}
		}
	}
}

// writeSSE writes a single server-sent event.
func writeSSE(w io.Writer, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}
