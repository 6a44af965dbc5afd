package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"agentry/internal/agents"
	"agentry/internal/logging"
	"agentry/internal/metrics"
	"agentry/internal/modules"
	"agentry/internal/transform"
	"agentry/pkg/models"
)

const (
	// maxResourceRows caps how many dataset rows one resources/read
	// returns.
	maxResourceRows = 100

	// maxPageLimit mirrors the REST listing cap.
	maxPageLimit = 100
)

// ModuleCatalog lists the modules exposed as MCP tools. Implemented by
// the module registry.
type ModuleCatalog interface {
	List() []modules.Descriptor
}

// AgentRunner dispatches tool calls through the agent run path.
// Implemented by the agents service.
type AgentRunner interface {
	List(ctx context.Context, userID uint, page, limit int) ([]models.Agent, int64, error)
	Run(ctx context.Context, userID, agentID uint, moduleKey string, input map[string]interface{}) (*agents.RunResult, error)
	PersonaPreview(ctx context.Context, userID, agentID uint, message string) (string, error)
}

// DatasetSource exposes staged datasets as MCP resources. Implemented
// by the dataset store.
type DatasetSource interface {
	List(ctx context.Context, ownerID uint, page, limit int) ([]models.Dataset, int64, error)
	RowsPage(ctx context.Context, ownerID, datasetID uint, page, limit int) ([]transform.Row, int64, error)
}

// Server speaks MCP to connected clients: tools are the module
// registry, resources are the caller's datasets, prompts are the
// caller's agent personas.
type Server struct {
	name    string
	version string

	modules  ModuleCatalog
	runner   AgentRunner
	datasets DatasetSource

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Session is one connected MCP client bound to an authenticated user
// and the agent its tool calls run as.
type Session struct {
	ID      string
	UserID  uint
	AgentID uint

	conn        *websocket.Conn
	server      *Server
	initialized bool
	clientInfo  ClientInfo

	mu sync.Mutex // guards writes
}

// NewServer wires the MCP surface. Runner and datasets may be nil in
// reduced deployments; the matching methods then report errors.
func NewServer(name, version string, catalog ModuleCatalog, runner AgentRunner, datasets DatasetSource) *Server {
	return &Server{
		name:     name,
		version:  version,
		modules:  catalog,
		runner:   runner,
		datasets: datasets,
		sessions: make(map[string]*Session),
		upgrader: websocket.Upgrader{
			// The HTTP layer authenticates before the upgrade, so an
			// origin check adds nothing here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleConnection upgrades an authenticated request and starts the
// session's read loop.
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request, userID, agentID uint) error {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade failed: %w", err)
	}

	session := &Session{
		ID:      uuid.New().String(),
		UserID:  userID,
		AgentID: agentID,
		conn:    conn,
		server:  s,
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	metrics.Get().RecordMCPConnection("server", 1)
	logging.S().Infow("MCP client connected",
		"session_id", session.ID, "user_id", userID, "agent_id", agentID)

	go session.readLoop()
	return nil
}

// SessionCount reports how many clients are connected.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (c *Session) readLoop() {
	defer func() {
		c.server.mu.Lock()
		delete(c.server.sessions, c.ID)
		c.server.mu.Unlock()
		c.conn.Close()
		metrics.Get().RecordMCPConnection("server", -1)
		logging.S().Infow("MCP client disconnected", "session_id", c.ID)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.S().Warnw("MCP read error", "session_id", c.ID, "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError(nil, ErrCodeParse, "Parse error", nil)
			continue
		}

		metrics.Get().RecordMCPMessage(string(msg.Method), "inbound")
		c.handleMessage(&msg)
	}
}

func (c *Session) handleMessage(msg *Message) {
	ctx := context.Background()

	switch msg.Method {
	case MethodInitialize:
		c.handleInitialize(msg)
	case MethodInitialized:
		c.initialized = true
	case MethodShutdown:
		c.sendResult(msg.ID, nil)
	case MethodPing:
		c.sendResult(msg.ID, map[string]interface{}{})
	case MethodToolsList:
		c.handleToolsList(msg)
	case MethodToolsCall:
		c.handleToolsCall(ctx, msg)
	case MethodResourcesList:
		c.handleResourcesList(ctx, msg)
	case MethodResourcesRead:
		c.handleResourcesRead(ctx, msg)
	case MethodPromptsList:
		c.handlePromptsList(ctx, msg)
	case MethodPromptsGet:
		c.handlePromptsGet(ctx, msg)
	default:
		c.sendError(msg.ID, ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", msg.Method), nil)
	}
}

func (c *Session) handleInitialize(msg *Message) {
	var params InitializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.sendError(msg.ID, ErrCodeInvalidParams, "Invalid params", nil)
			return
		}
	}
	c.clientInfo = params.ClientInfo

	c.sendResult(msg.ID, InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: ServerCapabilities{
			Tools:     &ToolsCapability{},
			Resources: &ResourcesCapability{},
			Prompts:   &PromptsCapability{},
		},
		ServerInfo: ServerInfo{Name: c.server.name, Version: c.server.version},
	})
}

func (c *Session) handleToolsList(msg *Message) {
	descriptors := c.server.modules.List()
	tools := make([]Tool, 0, len(descriptors))
	for _, d := range descriptors {
		tools = append(tools, Tool{
			Name:        d.Key,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	c.sendResult(msg.ID, ToolsListResult{Tools: tools})
}

func (c *Session) handleToolsCall(ctx context.Context, msg *Message) {
	var params ToolCallParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		c.sendError(msg.ID, ErrCodeInvalidParams, "Invalid params", nil)
		return
	}
	if c.server.runner == nil {
		c.sendError(msg.ID, ErrCodeInternal, "Tool calls are not configured", nil)
		return
	}

	res, err := c.server.runner.Run(ctx, c.UserID, c.AgentID, params.Name, params.Arguments)
	if err != nil {
		// Run failures are tool results, not protocol errors.
		c.sendResult(msg.ID, ToolCallResult{
			Content: []ContentBlock{{Type: "text", Text: err.Error()}},
			IsError: true,
		})
		return
	}

	payload, err := json.Marshal(map[string]interface{}{
		"run_id":          res.RunID,
		"status":          res.Status,
		"credits_charged": res.Credits,
		"output":          res.Output,
	})
	if err != nil {
		c.sendError(msg.ID, ErrCodeInternal, "Result not serializable", nil)
		return
	}
	c.sendResult(msg.ID, ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: string(payload), MimeType: "application/json"}},
	})
}

func (c *Session) handleResourcesList(ctx context.Context, msg *Message) {
	if c.server.datasets == nil {
		c.sendResult(msg.ID, ResourcesListResult{Resources: []Resource{}})
		return
	}
	list, _, err := c.server.datasets.List(ctx, c.UserID, 1, maxPageLimit)
	if err != nil {
		c.sendError(msg.ID, ErrCodeInternal, err.Error(), nil)
		return
	}

	resources := make([]Resource, 0, len(list))
	for _, ds := range list {
		resources = append(resources, Resource{
			URI:         datasetURI(ds.ID),
			Name:        ds.Name,
			Description: fmt.Sprintf("%d staged rows", ds.RowCount),
			MimeType:    "application/json",
		})
	}
	c.sendResult(msg.ID, ResourcesListResult{Resources: resources})
}

func (c *Session) handleResourcesRead(ctx context.Context, msg *Message) {
	var params ResourceReadParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		c.sendError(msg.ID, ErrCodeInvalidParams, "Invalid params", nil)
		return
	}
	if c.server.datasets == nil {
		c.sendError(msg.ID, ErrCodeInternal, "Datasets are not configured", nil)
		return
	}

	datasetID, ok := parseDatasetURI(params.URI)
	if !ok {
		c.sendError(msg.ID, ErrCodeInvalidParams, fmt.Sprintf("Unknown resource: %s", params.URI), nil)
		return
	}

	rows, _, err := c.server.datasets.RowsPage(ctx, c.UserID, datasetID, 1, maxResourceRows)
	if err != nil {
		c.sendError(msg.ID, ErrCodeInternal, err.Error(), nil)
		return
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		c.sendError(msg.ID, ErrCodeInternal, "Rows not serializable", nil)
		return
	}

	c.sendResult(msg.ID, ResourceReadResult{
		Contents: []ResourceContent{{
			URI:      params.URI,
			MimeType: "application/json",
			Text:     string(payload),
		}},
	})
}

func (c *Session) handlePromptsList(ctx context.Context, msg *Message) {
	if c.server.runner == nil {
		c.sendResult(msg.ID, PromptsListResult{Prompts: []Prompt{}})
		return
	}
	list, _, err := c.server.runner.List(ctx, c.UserID, 1, maxPageLimit)
	if err != nil {
		c.sendError(msg.ID, ErrCodeInternal, err.Error(), nil)
		return
	}

	prompts := make([]Prompt, 0, len(list))
	for _, agent := range list {
		prompts = append(prompts, Prompt{
			Name:        agentPromptName(agent.ID),
			Description: agent.Goal,
			Arguments: []PromptArgument{{
				Name:        "message",
				Description: "Message for the persona to answer",
				Required:    true,
			}},
		})
	}
	c.sendResult(msg.ID, PromptsListResult{Prompts: prompts})
}

func (c *Session) handlePromptsGet(ctx context.Context, msg *Message) {
	var params PromptGetParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		c.sendError(msg.ID, ErrCodeInvalidParams, "Invalid params", nil)
		return
	}
	if c.server.runner == nil {
		c.sendError(msg.ID, ErrCodeInternal, "Prompts are not configured", nil)
		return
	}

	agentID, ok := parseAgentPromptName(params.Name)
	if !ok {
		c.sendError(msg.ID, ErrCodeInvalidParams, fmt.Sprintf("Unknown prompt: %s", params.Name), nil)
		return
	}

	reply, err := c.server.runner.PersonaPreview(ctx, c.UserID, agentID, params.Arguments["message"])
	if err != nil {
		c.sendError(msg.ID, ErrCodeInternal, err.Error(), nil)
		return
	}

	c.sendResult(msg.ID, PromptGetResult{
		Description: fmt.Sprintf("Persona reply from %s", params.Name),
		Messages: []PromptMessage{{
			Role:    "assistant",
			Content: ContentBlock{Type: "text", Text: reply},
		}},
	})
}

func (c *Session) sendResult(id interface{}, result interface{}) {
	payload, _ := json.Marshal(result)
	c.send(&Message{JSONRPC: "2.0", ID: id, Result: payload})
}

func (c *Session) sendError(id interface{}, code int, message string, data interface{}) {
	c.send(&Message{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	})
}

func (c *Session) send(msg *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.WriteJSON(msg); err != nil {
		logging.S().Warnw("MCP send error", "session_id", c.ID, "error", err)
		return
	}
	method := string(msg.Method)
	if method == "" {
		method = "response"
	}
	metrics.Get().RecordMCPMessage(method, "outbound")
}

func datasetURI(id uint) string {
	return fmt.Sprintf("agentry://datasets/%d", id)
}

func parseDatasetURI(uri string) (uint, bool) {
	const prefix = "agentry://datasets/"
	if !strings.HasPrefix(uri, prefix) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(uri, prefix), 10, 32)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func agentPromptName(id uint) string {
	return fmt.Sprintf("agent-%d", id)
}

func parseAgentPromptName(name string) (uint, bool) {
	const prefix = "agent-"
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(name, prefix), 10, 32)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}
