package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/c360studio/semflow/executor"
	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/workflow"
)

// CreateRequest starts a workflow from a template.
type CreateRequest struct {
	TemplateID     string           `json:"template_id" binding:"required"`
	ConversationID string           `json:"conversation_id" binding:"required"`
	Context        workflow.Context `json:"context,omitempty"`
}

// AdvanceResponse is a step result plus the number of steps run.
type AdvanceResponse struct {
	executor.StepResult
	Steps int `json:"steps"`
}

// TemplateSummary lists a template without its task bodies.
type TemplateSummary struct {
	ID          string                        `json:"id"`
	Name        string                        `json:"name"`
	Description string                        `json:"description,omitempty"`
	Schema      map[string]workflow.ValueKind `json:"schema"`
	Tasks       int                           `json:"tasks"`
	Source      string                        `json:"source,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.health != nil {
		body["providers"] = s.health.Health()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleListTemplates(c *gin.Context) {
	templates := s.catalog.List()
	out := make([]TemplateSummary, 0, len(templates))
	for _, t := range templates {
		out = append(out, TemplateSummary{
			ID:          t.ID,
			Name:        t.Name,
			Description: t.Description,
			Schema:      t.Schema,
			Tasks:       len(t.Tasks),
			Source:      t.Source,
		})
	}
	c.JSON(http.StatusOK, gin.H{"templates": out})
}

func (s *Server) handleCreate(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequestResponse(c, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	tmpl, ok := s.catalog.Get(req.TemplateID)
	if !ok {
		notFoundResponse(c, "template "+req.TemplateID)
		return
	}
	inst, err := s.exec.Create(c.Request.Context(), tmpl, req.ConversationID, req.Context)
	if err != nil {
		s.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusCreated, inst)
}

func (s *Server) handleList(c *gin.Context) {
	filter := storage.Filter{
		ConversationID: c.Query("conversation_id"),
		TemplateID:     c.Query("template_id"),
		Status:         workflow.Status(c.Query("status")),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		badRequestResponse(c, fmt.Sprintf("unknown status %q", filter.Status))
		return
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequestResponse(c, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	list, err := s.exec.List(c.Request.Context(), filter)
	if err != nil {
		s.errorResponse(c, err)
		return
	}
	if list == nil {
		list = []*workflow.Instance{}
	}
	c.JSON(http.StatusOK, gin.H{"workflows": list})
}

func (s *Server) handleGet(c *gin.Context) {
	inst, err := s.exec.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// handleAdvance runs one step, or up to ?drive=N steps.
func (s *Server) handleAdvance(c *gin.Context) {
	id := c.Param("id")
	drive := 0
	if raw := c.Query("drive"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			badRequestResponse(c, "drive must be a positive integer")
			return
		}
		drive = min(n, s.maxSteps)
	}

	var (
		res   executor.StepResult
		steps = 1
		err   error
	)
	if drive > 0 {
		res, steps, err = s.exec.Drive(c.Request.Context(), id, drive)
	} else {
		res, err = s.exec.Advance(c.Request.Context(), id)
	}
	if err != nil {
		s.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, AdvanceResponse{StepResult: res, Steps: steps})
}

func (s *Server) handleCancel(c *gin.Context) {
	inst, err := s.exec.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) handleProvideInput(c *gin.Context) {
	var partial workflow.Context
	if err := c.ShouldBindJSON(&partial); err != nil {
		badRequestResponse(c, fmt.Sprintf("invalid context: %v", err))
		return
	}
	inst, err := s.exec.ProvideInput(c.Request.Context(), c.Param("id"), partial)
	if err != nil {
		s.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// errorResponse maps executor and validation errors to status codes.
func (s *Server) errorResponse(c *gin.Context, err error) {
	var verr *workflow.ValidationError
	switch {
	case errors.Is(err, executor.ErrNotFound):
		notFoundResponse(c, "workflow "+c.Param("id"))
	case errors.Is(err, executor.ErrBusy):
		conflictResponse(c, err)
	case errors.Is(err, executor.ErrTerminal):
		conflictResponse(c, err)
	case errors.As(err, &verr), errors.Is(err, workflow.ErrInvalidPlan):
		badRequestResponse(c, err.Error())
	default:
		s.logger.Error("Request failed", "path", c.FullPath(), "error", err)
		internalErrorResponse(c, err)
	}
}

func notFoundResponse(c *gin.Context, resource string) {
	c.JSON(http.StatusNotFound, gin.H{"error": resource + " not found"})
}

func badRequestResponse(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": message})
}

func conflictResponse(c *gin.Context, err error) {
	c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
}

func internalErrorResponse(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":  "internal server error",
		"detail": err.Error(),
	})
}
