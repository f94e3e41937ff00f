// Package workflows implements the HTTP handlers for workflow instances, record
// revisions, audit trails and electronic signatures. Every handler acts on behalf
// of the authenticated actor; authorization is decided by the engine.
package workflows

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/qms-lifecycle/qms-lifecycle/internal/db/models"
	"github.com/qms-lifecycle/qms-lifecycle/internal/middleware"
	"github.com/qms-lifecycle/qms-lifecycle/internal/permissions"
	"github.com/qms-lifecycle/qms-lifecycle/internal/workflow"
)

// Handlers serves the workflow API
type Handlers struct {
	engine *workflow.Engine
}

// NewHandlers creates Handlers backed by engine
func NewHandlers(engine *workflow.Engine) *Handlers {
	return &Handlers{engine: engine}
}

// StartWorkflowRequest is the body of POST /api/v1/workflows
type StartWorkflowRequest struct {
	RecordID string              `json:"record_id" binding:"required"`
	Type     string              `json:"type" binding:"required"`
	Steps    []workflow.StepSpec `json:"steps" binding:"required,min=1,dive"`
}

// SubmitStepRequest is the body of POST /api/v1/workflows/:id/steps/:seq/submit
type SubmitStepRequest struct {
	Outcome string `json:"outcome" binding:"required"`
	Comment string `json:"comment"`
	// ExpectedVersion pins the submission to a workflow version; zero means latest.
	ExpectedVersion int64  `json:"expected_version"`
	Password        string `json:"password"`
}

// ReassignStepRequest is the body of POST /api/v1/workflows/:id/steps/:seq/reassign
type ReassignStepRequest struct {
	AssigneeUserID string `json:"assignee_user_id"`
	AssigneeRole   string `json:"assignee_role"`
}

// ReviseRecordRequest is the body of POST /api/v1/records/:id/revisions
type ReviseRecordRequest struct {
	ContentRef string `json:"content_ref" binding:"required"`
	Content    string `json:"content"`
}

// StartWorkflowHandler starts a workflow on a record
// POST /api/v1/workflows
func (h *Handlers) StartWorkflowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req StartWorkflowRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
			return
		}

		inst, err := h.engine.StartWorkflow(c.Request.Context(), workflow.StartRequest{
			RecordID: req.RecordID,
			Type:     models.WorkflowType(req.Type),
			Steps:    req.Steps,
			ActorID:  middleware.ActorID(c),
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, inst)
	}
}

// GetWorkflowHandler returns a workflow instance with its steps
// GET /api/v1/workflows/:id
func (h *Handlers) GetWorkflowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		inst, err := h.engine.GetInstance(c.Request.Context(), c.Param("id"), middleware.ActorID(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, inst)
	}
}

// SubmitStepHandler records the actor's decision on the active step
// POST /api/v1/workflows/:id/steps/:seq/submit
func (h *Handlers) SubmitStepHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		seq, ok := stepSeq(c)
		if !ok {
			return
		}
		var req SubmitStepRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
			return
		}

		inst, err := h.engine.SubmitStep(c.Request.Context(), workflow.SubmitRequest{
			InstanceID:      c.Param("id"),
			StepSeq:         seq,
			ActorID:         middleware.ActorID(c),
			Outcome:         models.StepOutcome(req.Outcome),
			Comment:         req.Comment,
			ExpectedVersion: req.ExpectedVersion,
			Password:        req.Password,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, inst)
	}
}

// WithdrawWorkflowHandler withdraws a workflow before any step completes
// POST /api/v1/workflows/:id/withdraw
func (h *Handlers) WithdrawWorkflowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		inst, err := h.engine.WithdrawWorkflow(c.Request.Context(), c.Param("id"), middleware.ActorID(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, inst)
	}
}

// EscalateHandler escalates the active step one level
// POST /api/v1/workflows/:id/escalate
func (h *Handlers) EscalateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		inst, err := h.engine.Escalate(c.Request.Context(), c.Param("id"), middleware.ActorID(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, inst)
	}
}

// ReassignStepHandler points the active or blocked step at a new assignee
// POST /api/v1/workflows/:id/steps/:seq/reassign
func (h *Handlers) ReassignStepHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		seq, ok := stepSeq(c)
		if !ok {
			return
		}
		var req ReassignStepRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
			return
		}

		inst, err := h.engine.ReassignStep(c.Request.Context(), workflow.ReassignRequest{
			InstanceID:     c.Param("id"),
			StepSeq:        seq,
			ActorID:        middleware.ActorID(c),
			AssigneeUserID: req.AssigneeUserID,
			AssigneeRole:   req.AssigneeRole,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, inst)
	}
}

// MakeEffectiveHandler releases an approved document
// POST /api/v1/workflows/:id/effective
func (h *Handlers) MakeEffectiveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		inst, err := h.engine.MakeEffective(c.Request.Context(), c.Param("id"), middleware.ActorID(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, inst)
	}
}

// ReviseRecordHandler stores a new record version
// POST /api/v1/records/:id/revisions
func (h *Handlers) ReviseRecordHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ReviseRecordRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
			return
		}

		rec, err := h.engine.ReviseRecord(c.Request.Context(), workflow.ReviseRequest{
			RecordID:   c.Param("id"),
			ActorID:    middleware.ActorID(c),
			ContentRef: req.ContentRef,
			Content:    []byte(req.Content),
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, rec)
	}
}

// AuditTrailHandler lists a record's audit entries in sequence order
// GET /api/v1/records/:id/audit
func (h *Handlers) AuditTrailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, err := h.engine.AuditTrail(c.Request.Context(), c.Param("id"), middleware.ActorID(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries, "total": len(entries)})
	}
}

// PermissionsHandler reports effective capabilities on a record. Without a
// user_id query parameter it reports the caller's own; inspecting another user
// requires read on the record.
// GET /api/v1/records/:id/permissions?user_id=
func (h *Handlers) PermissionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		recordID := c.Param("id")
		actorID := middleware.ActorID(c)

		userID := c.DefaultQuery("user_id", actorID)
		if userID != actorID {
			own, err := h.engine.EffectivePermissions(ctx, recordID, actorID)
			if err != nil {
				respondError(c, err)
				return
			}
			if !own.Has(permissions.CapRead) {
				c.JSON(http.StatusForbidden, gin.H{"error": "Permission denied", "required": []string{string(permissions.CapRead)}})
				return
			}
		}

		caps, err := h.engine.EffectivePermissions(ctx, recordID, userID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"record_id":    recordID,
			"user_id":      userID,
			"capabilities": caps.Strings(),
		})
	}
}

// ListSignaturesHandler lists a record's signatures, optionally for one version
// GET /api/v1/records/:id/signatures?version=
func (h *Handlers) ListSignaturesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		version := 0
		if v := c.Query("version"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "version must be a positive integer"})
				return
			}
			version = n
		}

		sigs, err := h.engine.Signatures(c.Request.Context(), c.Param("id"), version, middleware.ActorID(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"signatures": sigs, "total": len(sigs)})
	}
}

// VerifySignatureHandler recomputes a signature against the stored content
// GET /api/v1/signatures/:id/verify
func (h *Handlers) VerifySignatureHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		v, err := h.engine.VerifySignature(c.Request.Context(), c.Param("id"), middleware.ActorID(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, v)
	}
}

func stepSeq(c *gin.Context) (int, bool) {
	seq, err := strconv.Atoi(c.Param("seq"))
	if err != nil || seq < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "step sequence must be a positive integer"})
		return 0, false
	}
	return seq, true
}
