package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"agentry/internal/agents"
	"agentry/internal/billing"
	"agentry/internal/connectors"
	"agentry/internal/middleware"
	"agentry/internal/modules"
)

// ListAgents returns the caller's agents, newest first.
func (s *Server) ListAgents(c *gin.Context) {
	page, limit := pageParams(c)
	list, total, err := s.agents.List(c.Request.Context(), middleware.GetUserID(c), page, limit)
	if err != nil {
		middleware.Abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list agents")
		return
	}

	c.JSON(http.StatusOK, gin.H{"agents": list, "pagination": pageInfo(page, limit, total)})
}

// CreateAgent creates a draft agent.
func (s *Server) CreateAgent(c *gin.Context) {
	var input agents.CreateInput
	if !bindJSON(c, &input) {
		return
	}

	agent, err := s.agents.Create(c.Request.Context(), middleware.GetUserID(c), input)
	if err != nil {
		s.agentError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"agent": agent})
}

// GetAgent returns one agent owned by the caller.
func (s *Server) GetAgent(c *gin.Context) {
	id := uintParam(c, "id")
	if id == 0 {
		return
	}

	agent, err := s.agents.Get(c.Request.Context(), middleware.GetUserID(c), id)
	if err != nil {
		s.agentError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"agent": agent})
}

// UpdateAgent applies a partial update to the persona or status.
func (s *Server) UpdateAgent(c *gin.Context) {
	id := uintParam(c, "id")
	if id == 0 {
		return
	}

	var input agents.UpdateInput
	if !bindJSON(c, &input) {
		return
	}

	agent, err := s.agents.Update(c.Request.Context(), middleware.GetUserID(c), id, input)
	if err != nil {
		s.agentError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"agent": agent})
}

// ArchiveAgent retires an agent. Archived agents keep their run
// history but refuse new runs.
func (s *Server) ArchiveAgent(c *gin.Context) {
	id := uintParam(c, "id")
	if id == 0 {
		return
	}

	if err := s.agents.Archive(c.Request.Context(), middleware.GetUserID(c), id); err != nil {
		s.agentError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// AttachModule adds a module capability to the agent.
func (s *Server) AttachModule(c *gin.Context) {
	id := uintParam(c, "id")
	if id == 0 {
		return
	}

	agent, err := s.agents.AttachModule(c.Request.Context(), middleware.GetUserID(c), id, c.Param("key"))
	if err != nil {
		s.agentError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"agent": agent})
}

// DetachModule removes a module capability from the agent.
func (s *Server) DetachModule(c *gin.Context) {
	id := uintParam(c, "id")
	if id == 0 {
		return
	}

	agent, err := s.agents.DetachModule(c.Request.Context(), middleware.GetUserID(c), id, c.Param("key"))
	if err != nil {
		s.agentError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"agent": agent})
}

// EnableConnector lets the agent use an external connector.
func (s *Server) EnableConnector(c *gin.Context) {
	id := uintParam(c, "id")
	if id == 0 {
		return
	}

	agent, err := s.agents.EnableConnector(c.Request.Context(), middleware.GetUserID(c), id, c.Param("key"))
	if err != nil {
		s.agentError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"agent": agent})
}

// DisableConnector removes a connector from the agent.
func (s *Server) DisableConnector(c *gin.Context) {
	id := uintParam(c, "id")
	if id == 0 {
		return
	}

	agent, err := s.agents.DisableConnector(c.Request.Context(), middleware.GetUserID(c), id, c.Param("key"))
	if err != nil {
		s.agentError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"agent": agent})
}

type runAgentRequest struct {
	Module string                 `json:"module" binding:"required"`
	Input  map[string]interface{} `json:"input"`
}

// RunAgent dispatches one module invocation through the agent,
// charging credits and recording the run.
func (s *Server) RunAgent(c *gin.Context) {
	id := uintParam(c, "id")
	if id == 0 {
		return
	}

	var input runAgentRequest
	if !bindJSON(c, &input) {
		return
	}

	result, err := s.agents.Run(c.Request.Context(), middleware.GetUserID(c), id, input.Module, input.Input)
	if err != nil {
		s.agentError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// ListRuns returns the agent's run history, newest first.
func (s *Server) ListRuns(c *gin.Context) {
	id := uintParam(c, "id")
	if id == 0 {
		return
	}

	page, limit := pageParams(c)
	runs, total, err := s.agents.Runs(c.Request.Context(), middleware.GetUserID(c), id, page, limit)
	if err != nil {
		s.agentError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"runs": runs, "pagination": pageInfo(page, limit, total)})
}

type previewAgentRequest struct {
	Message string `json:"message" binding:"required"`
}

// PreviewAgent returns a sample reply in the agent's persona without
// charging credits.
func (s *Server) PreviewAgent(c *gin.Context) {
	id := uintParam(c, "id")
	if id == 0 {
		return
	}

	var input previewAgentRequest
	if !bindJSON(c, &input) {
		return
	}

	reply, err := s.agents.PersonaPreview(c.Request.Context(), middleware.GetUserID(c), id, input.Message)
	if err != nil {
		s.agentError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"reply": reply})
}

// agentError maps agent service errors onto the uniform error body.
func (s *Server) agentError(c *gin.Context, err error) {
	var guardrail *agents.GuardrailError
	var badInput *modules.InputError

	switch {
	case errors.Is(err, agents.ErrAgentNotFound):
		middleware.Abort(c, http.StatusNotFound, "AGENT_NOT_FOUND", "agent not found")
	case errors.Is(err, agents.ErrAgentNotActive):
		middleware.Abort(c, http.StatusConflict, "AGENT_NOT_ACTIVE", err.Error())
	case errors.As(err, &guardrail):
		middleware.AbortWithDetails(c, http.StatusUnprocessableEntity, "GUARDRAIL_BLOCKED", err.Error(), gin.H{
			"term": guardrail.Term,
		})
	case errors.As(err, &badInput):
		middleware.AbortWithDetails(c, http.StatusBadRequest, "INVALID_INPUT", err.Error(), gin.H{
			"field": badInput.Field,
		})
	case errors.Is(err, modules.ErrUnknownModule):
		middleware.Abort(c, http.StatusNotFound, "MODULE_NOT_FOUND", err.Error())
	case errors.Is(err, modules.ErrModuleNotAttached):
		middleware.Abort(c, http.StatusConflict, "MODULE_NOT_ATTACHED", err.Error())
	case errors.Is(err, connectors.ErrUnknownConnector):
		middleware.Abort(c, http.StatusNotFound, "CONNECTOR_NOT_FOUND", err.Error())
	case errors.Is(err, billing.ErrInsufficientCredits):
		middleware.Abort(c, http.StatusPaymentRequired, "INSUFFICIENT_CREDITS", "not enough credits for this run")
	default:
		middleware.Abort(c, http.StatusBadRequest, "AGENT_ERROR", err.Error())
	}
}
