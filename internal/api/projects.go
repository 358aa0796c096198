package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/stageline/internal/documents"
	"github.com/zulandar/stageline/internal/pipeline"
	"github.com/zulandar/stageline/internal/workflow"
)

func (s *Server) handleProjectList() gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, ok := requireQuery(c, "workspaceId")
		if !ok {
			return
		}
		projects, err := s.deps.Workflow.ListProjects(c.Request.Context(), ws)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, projects)
	}
}

func (s *Server) handleProjectCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var in workflow.CreateProjectInput
		if err := c.ShouldBindJSON(&in); err != nil {
			badRequest(c, err.Error())
			return
		}
		project, err := s.deps.Workflow.CreateProject(c.Request.Context(), in, actor(c, ""))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, project)
	}
}

func (s *Server) handleProjectGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		project, err := s.deps.Workflow.GetProject(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, project)
	}
}

type projectPatch struct {
	Status *string `json:"status"`
}

// handleProjectPatch changes only the project status. Stage changes go
// through the transition endpoint.
func (s *Server) handleProjectPatch() gin.HandlerFunc {
	return func(c *gin.Context) {
		var patch projectPatch
		if err := c.ShouldBindJSON(&patch); err != nil {
			badRequest(c, err.Error())
			return
		}
		ctx := c.Request.Context()
		if patch.Status == nil {
			project, err := s.deps.Workflow.GetProject(ctx, c.Param("id"))
			if err != nil {
				writeError(c, err)
				return
			}
			c.JSON(http.StatusOK, project)
			return
		}
		project, err := s.deps.Workflow.UpdateStatus(ctx, c.Param("id"), *patch.Status)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, project)
	}
}

type transitionRequest struct {
	TargetStage pipeline.StageID `json:"targetStage" binding:"required"`
	TriggeredBy string           `json:"triggeredBy"`
}

func (s *Server) handleProjectTransition() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req transitionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		res, err := s.deps.Workflow.RequestTransition(c.Request.Context(), c.Param("id"), req.TargetStage, actor(c, req.TriggeredBy))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

type approvalRequest struct {
	Stage    pipeline.StageID `json:"stage" binding:"required"`
	Approver string           `json:"approver"`
}

func (s *Server) handleProjectApprove() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req approvalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		approver := req.Approver
		if sub := c.GetString(actorKey); sub != "" {
			approver = sub
		}
		status, err := s.deps.Workflow.Approve(c.Request.Context(), c.Param("id"), req.Stage, approver)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

type iterationRequest struct {
	Count int            `json:"count"`
	Phase pipeline.Phase `json:"phase" binding:"required"`
}

func (s *Server) handleProjectIterations() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req iterationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		run, err := s.deps.Iterations.RunIterations(c.Request.Context(), c.Param("id"), req.Count, req.Phase)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, run)
	}
}

func (s *Server) handleIterationList() gin.HandlerFunc {
	return func(c *gin.Context) {
		runs, err := s.deps.Iterations.List(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, runs)
	}
}

func (s *Server) handleDocumentList() gin.HandlerFunc {
	return func(c *gin.Context) {
		docs, err := s.deps.Documents.List(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, docs)
	}
}

func (s *Server) handleDocumentCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var in documents.Input
		if err := c.ShouldBindJSON(&in); err != nil {
			badRequest(c, err.Error())
			return
		}
		ctx := c.Request.Context()
		if _, err := s.deps.Workflow.GetProject(ctx, c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		in.ProjectID = c.Param("id")
		if !in.Type.Valid() {
			badRequest(c, "unknown document type "+string(in.Type))
			return
		}
		switch in.GeneratedBy {
		case "", documents.GeneratedByUser, documents.GeneratedByAI:
		default:
			badRequest(c, "generatedBy must be user or ai")
			return
		}
		doc, err := s.deps.Documents.Save(ctx, in)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, doc)
	}
}

func (s *Server) handleProjectHistory() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if _, err := s.deps.Workflow.GetProject(ctx, c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		history, err := s.deps.Workflow.History(ctx, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, history)
	}
}
