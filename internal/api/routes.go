package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth())

	api := s.router.Group("/api")
	if s.opts.AuthSecret != "" {
		api.Use(requireAuth(s.opts.AuthSecret))
	}

	// Jobs.
	api.GET("/jobs", s.handleJobList())
	api.POST("/jobs", s.handleJobCreate())
	api.POST("/jobs/process", s.handleJobProcess())
	api.GET("/jobs/:id", s.handleJobGet())
	api.POST("/jobs/:id/retry", s.handleJobRetry())
	api.POST("/jobs/:id/complete", s.handleJobComplete())
	api.POST("/jobs/:id/fail", s.handleJobFail())

	// Worker.
	api.GET("/worker", s.handleWorkerStatus())
	api.POST("/worker", s.handleWorkerControl())
	api.GET("/worker/events", s.handleWorkerEvents())

	// Projects.
	api.GET("/projects", s.handleProjectList())
	api.POST("/projects", s.handleProjectCreate())
	api.GET("/projects/:id", s.handleProjectGet())
	api.PATCH("/projects/:id", s.handleProjectPatch())
	api.POST("/projects/:id/transition", s.handleProjectTransition())
	api.POST("/projects/:id/approvals", s.handleProjectApprove())
	api.POST("/projects/:id/iterations", s.handleProjectIterations())
	api.GET("/projects/:id/iterations", s.handleIterationList())
	api.GET("/projects/:id/documents", s.handleDocumentList())
	api.POST("/projects/:id/documents", s.handleDocumentCreate())
	api.GET("/projects/:id/history", s.handleProjectHistory())

	// Pipeline columns and workspace settings.
	api.GET("/columns", s.handleColumnList())
	api.POST("/columns", s.handleColumnCreate())
	api.PATCH("/columns/:id", s.handleColumnPatch())
	api.GET("/workspaces/:id", s.handleWorkspaceGet())
	api.PATCH("/workspaces/:id", s.handleWorkspacePatch())

	// Notifications.
	api.GET("/notifications", s.handleNotificationList())
	api.PATCH("/notifications", s.handleNotificationMarkAll())
	api.PATCH("/notifications/:id", s.handleNotificationPatch())
}

func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := s.deps.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// requireQuery returns the named query parameter or aborts with 400.
func requireQuery(c *gin.Context, name string) (string, bool) {
	v := c.Query(name)
	if v == "" {
		badRequest(c, name+" is required")
		return "", false
	}
	return v, true
}
