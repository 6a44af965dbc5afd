package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"agentry/internal/logging"
	"agentry/internal/metrics"
)

const (
	handshakeTimeout = 10 * time.Second
	requestTimeout   = 30 * time.Second
)

// Auth kinds for outbound connections.
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthAPIKey = "api_key"
)

// Conn is one outbound connection to an external MCP server.
type Conn struct {
	ServerID uint
	URL      string
	Name     string

	conn       *websocket.Conn
	serverInfo *ServerInfo
	tools      []Tool

	requestID int64
	pending   map[int64]chan *Message
	mu        sync.RWMutex
	connected bool
	lastError error
}

// Manager tracks outbound connections keyed by the registered server's
// row ID.
type Manager struct {
	mu    sync.RWMutex
	conns map[uint]*Conn
}

// NewManager creates an empty connection manager.
func NewManager() *Manager {
	return &Manager{conns: make(map[uint]*Conn)}
}

// AuthHeader builds the header injected at dial time. The token is the
// decrypted credential; callers open it from the server row first.
func AuthHeader(authKind, token string) http.Header {
	switch authKind {
	case AuthBearer:
		return http.Header{"Authorization": {"Bearer " + token}}
	case AuthAPIKey:
		return http.Header{"X-API-Key": {token}}
	default:
		return nil
	}
}

// Connect dials the server and completes the MCP handshake. An already
// connected server is returned as is.
func (m *Manager) Connect(ctx context.Context, serverID uint, name, url string, headers http.Header) (*Conn, error) {
	m.mu.RLock()
	existing, ok := m.conns[serverID]
	m.mu.RUnlock()
	if ok && existing.IsConnected() {
		return existing, nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, url, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MCP server: %w", err)
	}

	c := &Conn{
		ServerID:  serverID,
		URL:       url,
		Name:      name,
		conn:      ws,
		pending:   make(map[int64]chan *Message),
		connected: true,
	}

	m.mu.Lock()
	m.conns[serverID] = c
	m.mu.Unlock()

	metrics.Get().RecordMCPConnection("client", 1)
	go c.readLoop()

	if err := c.initialize(ctx); err != nil {
		m.Disconnect(serverID)
		return nil, fmt.Errorf("MCP handshake failed: %w", err)
	}

	logging.S().Infow("Connected to external MCP server",
		"server_id", serverID, "name", name, "url", url)
	return c, nil
}

// Get returns an existing live connection.
func (m *Manager) Get(serverID uint) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[serverID]
	return c, ok && c.IsConnected()
}

// Disconnect closes and forgets a connection.
func (m *Manager) Disconnect(serverID uint) {
	m.mu.Lock()
	c, ok := m.conns[serverID]
	if ok {
		delete(m.conns, serverID)
	}
	m.mu.Unlock()

	if ok {
		c.Close()
	}
}

// CloseAll tears down every connection, for shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for id, c := range m.conns {
		conns = append(conns, c)
		delete(m.conns, id)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (c *Conn) initialize(ctx context.Context) error {
	result, err := c.Request(ctx, MethodInitialize, InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      ClientInfo{Name: "agentry", Version: "1.0.0"},
	})
	if err != nil {
		return err
	}

	var init InitializeResult
	if err := json.Unmarshal(result.Result, &init); err != nil {
		return fmt.Errorf("failed to parse initialize result: %w", err)
	}

	c.mu.Lock()
	c.serverInfo = &init.ServerInfo
	c.mu.Unlock()

	return c.Notify(MethodInitialized, nil)
}

// Request sends one request and waits for its correlated response.
func (c *Conn) Request(ctx context.Context, method Method, params interface{}) (*Message, error) {
	id := atomic.AddInt64(&c.requestID, 1)

	var encoded json.RawMessage
	if params != nil {
		var err error
		encoded, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	respChan := make(chan *Message, 1)
	c.mu.Lock()
	c.pending[id] = respChan
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(&Message{JSONRPC: "2.0", ID: id, Method: method, Params: encoded}); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	metrics.Get().RecordMCPMessage(string(method), "outbound")

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	case <-time.After(requestTimeout):
		return nil, fmt.Errorf("request timed out after %s", requestTimeout)
	}
}

// Notify sends a notification; no response is expected.
func (c *Conn) Notify(method Method, params interface{}) error {
	var encoded json.RawMessage
	if params != nil {
		var err error
		encoded, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}
	return c.write(&Message{JSONRPC: "2.0", Method: method, Params: encoded})
}

// ListTools fetches and caches the server's tool list.
func (c *Conn) ListTools(ctx context.Context) ([]Tool, error) {
	result, err := c.Request(ctx, MethodToolsList, nil)
	if err != nil {
		return nil, err
	}

	var list ToolsListResult
	if err := json.Unmarshal(result.Result, &list); err != nil {
		return nil, fmt.Errorf("failed to parse tools list: %w", err)
	}

	c.mu.Lock()
	c.tools = list.Tools
	c.mu.Unlock()
	return list.Tools, nil
}

// CallTool invokes a tool on the remote server.
func (c *Conn) CallTool(ctx context.Context, name string, arguments map[string]interface{}) (*ToolCallResult, error) {
	result, err := c.Request(ctx, MethodToolsCall, ToolCallParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, err
	}

	var call ToolCallResult
	if err := json.Unmarshal(result.Result, &call); err != nil {
		return nil, fmt.Errorf("failed to parse tool result: %w", err)
	}
	return &call, nil
}

// Ping checks liveness.
func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.Request(ctx, MethodPing, nil)
	return err
}

// Tools returns the cached tool list from the last ListTools.
func (c *Conn) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// Info returns the remote server's identity after the handshake.
func (c *Conn) Info() *ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// IsConnected reports whether the read loop is still alive.
func (c *Conn) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// LastError returns the error that ended the connection, if any.
func (c *Conn) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

// Close tears the connection down. Pending requests fail with their
// timeout.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected && c.conn == nil {
		return nil
	}
	c.connected = false
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *Conn) write(msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("connection closed")
	}
	return c.conn.WriteJSON(msg)
}

func (c *Conn) readLoop() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		metrics.Get().RecordMCPConnection("client", -1)
	}()

	for {
		c.mu.RLock()
		ws := c.conn
		c.mu.RUnlock()
		if ws == nil {
			return
		}

		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.S().Warnw("MCP client read error", "url", c.URL, "error", err)
			}
			c.mu.Lock()
			c.lastError = err
			c.mu.Unlock()
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.S().Warnw("MCP client parse error", "url", c.URL, "error", err)
			continue
		}
		method := string(msg.Method)
		if method == "" {
			method = "response"
		}
		metrics.Get().RecordMCPMessage(method, "inbound")

		// Correlate responses; stray notifications are ignored.
		if msg.ID == nil {
			continue
		}
		id, ok := msg.ID.(float64)
		if !ok {
			continue
		}
		c.mu.RLock()
		respChan, exists := c.pending[int64(id)]
		c.mu.RUnlock()
		if exists {
			respChan <- &msg
		}
	}
}
