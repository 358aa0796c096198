package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/stageline/internal/models"
	"github.com/zulandar/stageline/internal/notify"
)

func (s *Server) handleNotificationList() gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, ok := requireQuery(c, "workspaceId")
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		list, err := s.deps.Notifications.List(c.Request.Context(), notify.ListFilter{
			WorkspaceID: ws,
			Status:      c.Query("status"),
			Limit:       limit,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		unread := 0
		for _, n := range list {
			if n.Status == notify.StatusUnread {
				unread++
			}
		}
		c.JSON(http.StatusOK, gin.H{"notifications": list, "unreadCount": unread})
	}
}

type markAllRequest struct {
	WorkspaceID string `json:"workspaceId" binding:"required"`
	Action      string `json:"action"`
}

// handleNotificationMarkAll marks every unread notification of a workspace
// read. "mark_all_read" is the only supported action.
func (s *Server) handleNotificationMarkAll() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req markAllRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		if req.Action != "" && req.Action != "mark_all_read" {
			badRequest(c, "unknown action "+req.Action)
			return
		}
		n, err := s.deps.Notifications.MarkAllRead(c.Request.Context(), req.WorkspaceID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"updated": n})
	}
}

type notificationPatch struct {
	Status string `json:"status"`
	Action string `json:"action"`
}

func (s *Server) handleNotificationPatch() gin.HandlerFunc {
	return func(c *gin.Context) {
		var patch notificationPatch
		if err := c.ShouldBindJSON(&patch); err != nil {
			badRequest(c, err.Error())
			return
		}
		ctx := c.Request.Context()
		id := c.Param("id")

		var (
			n   *models.Notification
			err error
		)
		switch {
		case patch.Action == "dismiss":
			n, err = s.deps.Notifications.Dismiss(ctx, id)
		case patch.Action != "":
			badRequest(c, "unknown action "+patch.Action)
			return
		case patch.Status == notify.StatusUnread, patch.Status == notify.StatusRead, patch.Status == notify.StatusDismissed:
			n, err = s.deps.Notifications.SetStatus(ctx, id, patch.Status)
		default:
			badRequest(c, "status must be unread, read or dismissed")
			return
		}
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, n)
	}
}
