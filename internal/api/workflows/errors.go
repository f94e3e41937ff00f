package workflows

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qms-lifecycle/qms-lifecycle/internal/workflow"
)

// respondError maps an engine error onto a status code and a JSON body that
// carries the typed error's details
func respondError(c *gin.Context, err error) {
	var (
		denied     *workflow.PermissionDeniedError
		transition *workflow.InvalidTransitionError
		conflict   *workflow.ConflictError
		blocked    *workflow.BlockedEscalationError
		notFound   *workflow.NotFoundError
	)
	switch {
	case errors.As(err, &denied):
		c.JSON(http.StatusForbidden, gin.H{
			"error":    "Permission denied",
			"state":    denied.State,
			"required": denied.Required,
			"held":     denied.Held,
			"reason":   denied.Reason,
		})
	case errors.As(err, &transition):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":           transition.Error(),
			"state":           transition.State,
			"active_step":     transition.ActiveStep,
			"allowed_actions": transition.Allowed,
		})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":            conflict.Error(),
			"expected_version": conflict.ExpectedVersion,
			"current_version":  conflict.CurrentVersion,
		})
	case errors.As(err, &blocked):
		c.JSON(http.StatusLocked, gin.H{
			"error":    blocked.Error(),
			"step_seq": blocked.StepSeq,
			"level":    blocked.Level,
		})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": notFound.Error()})
	case errors.Is(err, workflow.ErrInvalidInput):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		slog.Error("workflow request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
