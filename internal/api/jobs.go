package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/stageline/internal/queue"
)

func (s *Server) handleJobList() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		jobs, err := s.deps.Queue.List(c.Request.Context(), queue.Filter{
			WorkspaceID: c.Query("workspaceId"),
			ProjectID:   c.Query("projectId"),
			Status:      c.Query("status"),
			Type:        c.Query("type"),
			Limit:       limit,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, jobs)
	}
}

func (s *Server) handleJobCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req queue.CreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		job, err := s.deps.Queue.Create(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		if s.deps.Workers != nil {
			s.deps.Workers.Trigger(job.WorkspaceID)
		}
		c.JSON(http.StatusCreated, gin.H{"id": job.ID})
	}
}

type workspaceRequest struct {
	WorkspaceID string `json:"workspaceId" binding:"required"`
}

func (s *Server) handleJobProcess() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req workspaceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		if _, err := s.deps.Workspaces.Get(c.Request.Context(), req.WorkspaceID); err != nil {
			writeError(c, err)
			return
		}
		n, err := s.deps.Workers.Process(req.WorkspaceID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"claimed": n})
	}
}

func (s *Server) handleJobGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := s.deps.Queue.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

func (s *Server) handleJobRetry() gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := s.deps.Queue.Retry(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		if s.deps.Workers != nil {
			s.deps.Workers.Trigger(job.WorkspaceID)
		}
		c.JSON(http.StatusOK, job)
	}
}

type completeRequest struct {
	AgentID string         `json:"agentId" binding:"required"`
	Output  map[string]any `json:"output" binding:"required"`
}

// handleJobComplete accepts output produced by an external agent.
func (s *Server) handleJobComplete() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req completeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		job, err := s.deps.Workers.CompleteExternal(c.Request.Context(), c.Param("id"), req.AgentID, req.Output)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

type failRequest struct {
	AgentID string `json:"agentId" binding:"required"`
	Reason  string `json:"reason"`
}

func (s *Server) handleJobFail() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req failRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		job, err := s.deps.Workers.FailExternal(c.Request.Context(), c.Param("id"), req.AgentID, req.Reason)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}
