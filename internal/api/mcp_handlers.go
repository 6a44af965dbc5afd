package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"agentry/internal/logging"
	"agentry/internal/mcp"
	"agentry/internal/middleware"
)

// ListMCPServers returns the caller's registered MCP servers.
func (s *Server) ListMCPServers(c *gin.Context) {
	list, err := s.mcpSvc.List(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		middleware.Abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list MCP servers")
		return
	}

	c.JSON(http.StatusOK, gin.H{"servers": list})
}

// RegisterMCPServer registers an external MCP server. The auth token
// is encrypted before it touches the database.
func (s *Server) RegisterMCPServer(c *gin.Context) {
	var input mcp.RegisterInput
	if !bindJSON(c, &input) {
		return
	}

	server, err := s.mcpSvc.Register(c.Request.Context(), middleware.GetUserID(c), input)
	if err != nil {
		middleware.Abort(c, http.StatusBadRequest, "MCP_ERROR", err.Error())
		return
	}

	c.JSON(http.StatusCreated, gin.H{"server": server})
}

// DeleteMCPServer unregisters a server and drops any live connection.
func (s *Server) DeleteMCPServer(c *gin.Context) {
	id := uintParam(c, "id")
	if id == 0 {
		return
	}

	if err := s.mcpSvc.Delete(c.Request.Context(), middleware.GetUserID(c), id); err != nil {
		if errors.Is(err, mcp.ErrServerNotFound) {
			middleware.Abort(c, http.StatusNotFound, "MCP_SERVER_NOT_FOUND", "MCP server not found")
			return
		}
		middleware.Abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to delete MCP server")
		return
	}

	c.Status(http.StatusNoContent)
}

// MCPServerTools connects to the server and lists its tools.
func (s *Server) MCPServerTools(c *gin.Context) {
	id := uintParam(c, "id")
	if id == 0 {
		return
	}

	tools, err := s.mcpSvc.Tools(c.Request.Context(), middleware.GetUserID(c), id)
	if err != nil {
		s.mcpUpstreamError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"tools": tools})
}

type callToolRequest struct {
	Tool      string                 `json:"tool" binding:"required"`
	Arguments map[string]interface{} `json:"arguments"`
}

// CallMCPTool proxies one tool call to a registered server.
func (s *Server) CallMCPTool(c *gin.Context) {
	id := uintParam(c, "id")
	if id == 0 {
		return
	}

	var input callToolRequest
	if !bindJSON(c, &input) {
		return
	}

	userID := middleware.GetUserID(c)
	result, err := s.mcpSvc.CallTool(c.Request.Context(), userID, id, input.Tool, input.Arguments)
	if err != nil {
		s.mcpUpstreamError(c, err)
		return
	}

	if err := s.tracker.RecordConnectorCall(c.Request.Context(), userID, "mcp"); err != nil {
		logging.S().Warnw("Failed to record MCP tool call", "server_id", id, "error", err)
	}

	c.JSON(http.StatusOK, gin.H{"result": result})
}

// MCPSocket upgrades the request into an inbound MCP session exposing
// this platform's modules, datasets and personas.
func (s *Server) MCPSocket(c *gin.Context) {
	var agentID uint
	if raw := c.Query("agent_id"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			middleware.Abort(c, http.StatusBadRequest, "INVALID_ID", "invalid agent_id parameter")
			return
		}
		agentID = uint(parsed)
	}

	// The upgrader writes its own HTTP error on failure.
	if err := s.mcpSrv.HandleConnection(c.Writer, c.Request, middleware.GetUserID(c), agentID); err != nil {
		logging.S().Warnw("MCP upgrade failed", "user_id", middleware.GetUserID(c), "error", err)
	}
}

// mcpUpstreamError answers for the proxy paths, where anything past
// the ownership check means the remote server misbehaved.
func (s *Server) mcpUpstreamError(c *gin.Context, err error) {
	if errors.Is(err, mcp.ErrServerNotFound) {
		middleware.Abort(c, http.StatusNotFound, "MCP_SERVER_NOT_FOUND", "MCP server not found")
		return
	}
	middleware.Abort(c, http.StatusBadGateway, "MCP_UPSTREAM_ERROR", err.Error())
}
