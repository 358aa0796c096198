package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/stageline/internal/iteration"
	"github.com/zulandar/stageline/internal/jury"
	"github.com/zulandar/stageline/internal/pipeline"
	"github.com/zulandar/stageline/internal/queue"
	"github.com/zulandar/stageline/internal/validation"
	"github.com/zulandar/stageline/internal/workflow"
	"github.com/zulandar/stageline/internal/workspace"
	"gorm.io/gorm"
)

// statusFor maps a service error to an HTTP status.
func statusFor(err error) int {
	var (
		wfStructural *workflow.StructuralError
		qStructural  *queue.StructuralError
		statusErr    *workflow.StatusError
		inputErr     *workspace.InputError
		pipelineErr  *pipeline.ValidationError
		schemaErr    *validation.ValidationError
		precondition *workflow.PreconditionError
		noContent    *iteration.NoContentError
	)
	switch {
	case errors.As(err, &precondition), errors.As(err, &noContent):
		return http.StatusConflict
	case errors.Is(err, queue.ErrNotClaimed):
		return http.StatusConflict
	case errors.As(err, &wfStructural), errors.As(err, &qStructural), errors.As(err, &statusErr),
		errors.As(err, &inputErr), errors.As(err, &pipelineErr), errors.As(err, &schemaErr):
		return http.StatusBadRequest
	case errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, jury.ErrNoPersonas):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {"error": ...}. Precondition failures also carry
// their blocking reasons.
func writeError(c *gin.Context, err error) {
	code := statusFor(err)
	body := gin.H{"error": err.Error()}

	var precondition *workflow.PreconditionError
	if errors.As(err, &precondition) {
		body["blockingReasons"] = precondition.Reasons
	}
	if code == http.StatusInternalServerError {
		c.Error(err)
		body["error"] = "internal error"
	}
	c.AbortWithStatusJSON(code, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}
