package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/stageline/internal/pipeline"
	"github.com/zulandar/stageline/internal/workspace"
)

func (s *Server) handleColumnList() gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, ok := requireQuery(c, "workspaceId")
		if !ok {
			return
		}
		cols, err := s.deps.Workspaces.Columns(c.Request.Context(), ws)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, cols)
	}
}

type columnRequest struct {
	WorkspaceID string `json:"workspaceId" binding:"required"`
	pipeline.StageConfig
}

func (s *Server) handleColumnCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req columnRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		col, err := s.deps.Workspaces.CreateColumn(c.Request.Context(), req.WorkspaceID, req.StageConfig)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, col)
	}
}

func (s *Server) handleColumnPatch() gin.HandlerFunc {
	return func(c *gin.Context) {
		var patch workspace.ColumnPatch
		if err := c.ShouldBindJSON(&patch); err != nil {
			badRequest(c, err.Error())
			return
		}
		col, err := s.deps.Workspaces.UpdateColumn(c.Request.Context(), c.Param("id"), patch)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, col)
	}
}

func (s *Server) handleWorkspaceGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := s.deps.Workspaces.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, ws)
	}
}

func (s *Server) handleWorkspacePatch() gin.HandlerFunc {
	return func(c *gin.Context) {
		var st workspace.Settings
		if err := c.ShouldBindJSON(&st); err != nil {
			badRequest(c, err.Error())
			return
		}
		ctx := c.Request.Context()
		ws, err := s.deps.Workspaces.UpdateSettings(ctx, c.Param("id"), st)
		if err != nil {
			writeError(c, err)
			return
		}
		// Keep the running worker in line with the stored switch.
		if st.WorkerEnabled != nil && s.deps.Workers != nil {
			if *st.WorkerEnabled {
				err = s.deps.Workers.Start(ctx, ws.ID)
			} else {
				err = s.deps.Workers.Stop(ctx, ws.ID)
			}
			if err != nil {
				writeError(c, err)
				return
			}
		}
		c.JSON(http.StatusOK, ws)
	}
}
