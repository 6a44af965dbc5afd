package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"agentry/internal/agents"
	"agentry/internal/modules"
	"agentry/internal/secrets"
	"agentry/internal/transform"
	"agentry/pkg/models"
)

// ---- server fixtures ----

type stubCatalog struct {
	descriptors []modules.Descriptor
}

func (s *stubCatalog) List() []modules.Descriptor { return s.descriptors }

type stubRunner struct {
	mu         sync.Mutex
	agents     []models.Agent
	result     *agents.RunResult
	runErr     error
	previewErr error
	lastKey    string
	lastInput  map[string]interface{}
}

func (s *stubRunner) List(ctx context.Context, userID uint, page, limit int) ([]models.Agent, int64, error) {
	return s.agents, int64(len(s.agents)), nil
}

func (s *stubRunner) Run(ctx context.Context, userID, agentID uint, moduleKey string, input map[string]interface{}) (*agents.RunResult, error) {
	s.mu.Lock()
	s.lastKey = moduleKey
	s.lastInput = input
	s.mu.Unlock()
	if s.runErr != nil {
		return nil, s.runErr
	}
	return s.result, nil
}

func (s *stubRunner) PersonaPreview(ctx context.Context, userID, agentID uint, message string) (string, error) {
	if s.previewErr != nil {
		return "", s.previewErr
	}
	return "As Scout: " + message, nil
}

type stubDatasets struct {
	list    []models.Dataset
	rows    []transform.Row
	rowsErr error
}

func (s *stubDatasets) List(ctx context.Context, ownerID uint, page, limit int) ([]models.Dataset, int64, error) {
	return s.list, int64(len(s.list)), nil
}

func (s *stubDatasets) RowsPage(ctx context.Context, ownerID, datasetID uint, page, limit int) ([]transform.Row, int64, error) {
	if s.rowsErr != nil {
		return nil, 0, s.rowsErr
	}
	return s.rows, int64(len(s.rows)), nil
}

// rpcClient drives a Server session over a real websocket.
type rpcClient struct {
	t    *testing.T
	conn *websocket.Conn
	next int64
}

func dialTestServer(t *testing.T, s *Server, userID, agentID uint) *rpcClient {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.HandleConnection(w, r, userID, agentID); err != nil {
			t.Errorf("handle connection: %v", err)
		}
	}))
	t.Cleanup(srv.Close)

	url := strings.Replace(srv.URL, "http://", "ws://", 1)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	return &rpcClient{t: t, conn: conn}
}

func (c *rpcClient) call(method Method, params interface{}) *Message {
	c.t.Helper()
	c.next++

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		require.NoError(c.t, err)
		raw = data
	}
	require.NoError(c.t, c.conn.WriteJSON(&Message{JSONRPC: "2.0", ID: c.next, Method: method, Params: raw}))
	return c.read()
}

func (c *rpcClient) notify(method Method) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(&Message{JSONRPC: "2.0", Method: method}))
}

func (c *rpcClient) read() *Message {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var resp Message
	require.NoError(c.t, c.conn.ReadJSON(&resp))
	return &resp
}

func unmarshalResult(t *testing.T, msg *Message, target interface{}) {
	t.Helper()
	require.Nil(t, msg.Error, "unexpected RPC error: %+v", msg.Error)
	require.NoError(t, json.Unmarshal(msg.Result, target))
}

func TestServerHandshake(t *testing.T) {
	srv := NewServer("agentry", "1.0.0", &stubCatalog{}, &stubRunner{}, &stubDatasets{})
	client := dialTestServer(t, srv, 1, 0)

	resp := client.call(MethodInitialize, InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      ClientInfo{Name: "test-client", Version: "0.0.1"},
	})

	var result InitializeResult
	unmarshalResult(t, resp, &result)
	assert.Equal(t, ProtocolVersion, result.ProtocolVersion)
	assert.Equal(t, "agentry", result.ServerInfo.Name)
	require.NotNil(t, result.Capabilities.Tools)
	require.NotNil(t, result.Capabilities.Resources)
	require.NotNil(t, result.Capabilities.Prompts)

	client.notify(MethodInitialized)

	pong := client.call(MethodPing, nil)
	assert.Nil(t, pong.Error)

	// A completed round trip means the session is registered.
	assert.Equal(t, 1, srv.SessionCount())
}

func TestServerToolsListAndCall(t *testing.T) {
	catalog := &stubCatalog{descriptors: []modules.Descriptor{{
		Key:         "data_transform",
		Name:        "Data Transform",
		Description: "Run a transform pipeline",
		InputSchema: map[string]interface{}{"type": "object"},
	}}}
	runner := &stubRunner{result: &agents.RunResult{
		RunID:   7,
		Status:  models.RunStatusSucceeded,
		Credits: 5,
		Output:  map[string]interface{}{"row_count": 3},
	}}
	srv := NewServer("agentry", "1.0.0", catalog, runner, &stubDatasets{})
	client := dialTestServer(t, srv, 1, 9)

	resp := client.call(MethodToolsList, nil)
	var tools ToolsListResult
	unmarshalResult(t, resp, &tools)
	require.Len(t, tools.Tools, 1)
	assert.Equal(t, "data_transform", tools.Tools[0].Name)
	assert.Equal(t, "object", tools.Tools[0].InputSchema["type"])

	resp = client.call(MethodToolsCall, ToolCallParams{
		Name:      "data_transform",
		Arguments: map[string]interface{}{"dataset_id": 3},
	})
	var result ToolCallResult
	unmarshalResult(t, resp, &result)
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "application/json", result.Content[0].MimeType)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &payload))
	assert.Equal(t, float64(7), payload["run_id"])
	assert.Equal(t, models.RunStatusSucceeded, payload["status"])
	assert.Equal(t, float64(5), payload["credits_charged"])

	runner.mu.Lock()
	assert.Equal(t, "data_transform", runner.lastKey)
	assert.Equal(t, float64(3), runner.lastInput["dataset_id"])
	runner.mu.Unlock()
}

func TestServerToolCallFailureIsToolResult(t *testing.T) {
	runner := &stubRunner{runErr: errors.New("agent 9 is paused")}
	srv := NewServer("agentry", "1.0.0", &stubCatalog{}, runner, &stubDatasets{})
	client := dialTestServer(t, srv, 1, 9)

	resp := client.call(MethodToolsCall, ToolCallParams{Name: "data_transform"})

	require.Nil(t, resp.Error, "run failures must not become protocol errors")
	var result ToolCallResult
	unmarshalResult(t, resp, &result)
	assert.True(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Contains(t, result.Content[0].Text, "paused")
}

func TestServerResources(t *testing.T) {
	ds := &stubDatasets{
		list: []models.Dataset{{ID: 3, Name: "city traffic", RowCount: 2}},
		rows: []transform.Row{
			{"city": "Berlin", "visits": float64(120)},
			{"city": "Lisbon", "visits": float64(80)},
		},
	}
	srv := NewServer("agentry", "1.0.0", &stubCatalog{}, &stubRunner{}, ds)
	client := dialTestServer(t, srv, 1, 0)

	resp := client.call(MethodResourcesList, nil)
	var list ResourcesListResult
	unmarshalResult(t, resp, &list)
	require.Len(t, list.Resources, 1)
	assert.Equal(t, "agentry://datasets/3", list.Resources[0].URI)
	assert.Equal(t, "city traffic", list.Resources[0].Name)
	assert.Equal(t, "2 staged rows", list.Resources[0].Description)

	resp = client.call(MethodResourcesRead, ResourceReadParams{URI: "agentry://datasets/3"})
	var read ResourceReadResult
	unmarshalResult(t, resp, &read)
	require.Len(t, read.Contents, 1)
	assert.Equal(t, "agentry://datasets/3", read.Contents[0].URI)

	var rows []transform.Row
	require.NoError(t, json.Unmarshal([]byte(read.Contents[0].Text), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "Berlin", rows[0]["city"])

	resp = client.call(MethodResourcesRead, ResourceReadParams{URI: "agentry://files/3"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
}

func TestServerPrompts(t *testing.T) {
	runner := &stubRunner{agents: []models.Agent{{ID: 5, Name: "Scout", Goal: "Track market trends"}}}
	srv := NewServer("agentry", "1.0.0", &stubCatalog{}, runner, &stubDatasets{})
	client := dialTestServer(t, srv, 1, 0)

	resp := client.call(MethodPromptsList, nil)
	var list PromptsListResult
	unmarshalResult(t, resp, &list)
	require.Len(t, list.Prompts, 1)
	assert.Equal(t, "agent-5", list.Prompts[0].Name)
	assert.Equal(t, "Track market trends", list.Prompts[0].Description)
	require.Len(t, list.Prompts[0].Arguments, 1)
	assert.Equal(t, "message", list.Prompts[0].Arguments[0].Name)
	assert.True(t, list.Prompts[0].Arguments[0].Required)

	resp = client.call(MethodPromptsGet, PromptGetParams{
		Name:      "agent-5",
		Arguments: map[string]string{"message": "hello"},
	})
	var got PromptGetResult
	unmarshalResult(t, resp, &got)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "assistant", got.Messages[0].Role)
	assert.Equal(t, "As Scout: hello", got.Messages[0].Content.Text)

	resp = client.call(MethodPromptsGet, PromptGetParams{Name: "nope"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
}

func TestServerUnknownMethod(t *testing.T) {
	srv := NewServer("agentry", "1.0.0", &stubCatalog{}, &stubRunner{}, &stubDatasets{})
	client := dialTestServer(t, srv, 1, 0)

	resp := client.call(Method("tools/remove"), nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "tools/remove")
}

func TestServerParseError(t *testing.T) {
	srv := NewServer("agentry", "1.0.0", &stubCatalog{}, &stubRunner{}, &stubDatasets{})
	client := dialTestServer(t, srv, 1, 0)

	require.NoError(t, client.conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":`)))
	resp := client.read()
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeParse, resp.Error.Code)
	assert.Nil(t, resp.ID)
}

// ---- client fixtures ----

// fakeRemote is a minimal JSON-RPC server standing in for an external
// MCP endpoint.
type fakeRemote struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	headers    http.Header
	toolsCalls int
	silent     map[string]bool
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()
	f := &fakeRemote{silent: make(map[string]bool)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRemote) url() string {
	return strings.Replace(f.srv.URL, "http://", "ws://", 1)
}

func (f *fakeRemote) header(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headers == nil {
		return ""
	}
	return f.headers.Get(key)
}

func (f *fakeRemote) listCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.toolsCalls
}

func (f *fakeRemote) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.headers = r.Header.Clone()
	f.mu.Unlock()

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Method {
		case MethodInitialize:
			f.reply(conn, msg.ID, InitializeResult{
				ProtocolVersion: ProtocolVersion,
				ServerInfo:      ServerInfo{Name: "fake-tools", Version: "0.1.0"},
			})
		case MethodInitialized:
			// Notification, nothing to send.
		case MethodPing:
			f.reply(conn, msg.ID, map[string]interface{}{})
		case MethodToolsList:
			f.mu.Lock()
			f.toolsCalls++
			f.mu.Unlock()
			f.reply(conn, msg.ID, ToolsListResult{Tools: []Tool{{
				Name:        "summarize",
				Description: "Summarize a document",
			}}})
		case MethodToolsCall:
			var params ToolCallParams
			_ = json.Unmarshal(msg.Params, &params)
			if f.silent[params.Name] {
				continue
			}
			if params.Name == "missing" {
				f.replyError(conn, msg.ID, ErrCodeMethodNotFound, "tool not found")
				continue
			}
			f.reply(conn, msg.ID, ToolCallResult{Content: []ContentBlock{{
				Type: "text",
				Text: "ok:" + params.Name,
			}}})
		}
	}
}

func (f *fakeRemote) reply(conn *websocket.Conn, id interface{}, result interface{}) {
	payload, _ := json.Marshal(result)
	_ = conn.WriteJSON(&Message{JSONRPC: "2.0", ID: id, Result: payload})
}

func (f *fakeRemote) replyError(conn *websocket.Conn, id interface{}, code int, message string) {
	_ = conn.WriteJSON(&Message{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}})
}

func TestManagerConnectAndListTools(t *testing.T) {
	remote := newFakeRemote(t)
	manager := NewManager()
	t.Cleanup(manager.CloseAll)
	ctx := context.Background()

	conn, err := manager.Connect(ctx, 1, "fake", remote.url(), nil)
	require.NoError(t, err)
	assert.True(t, conn.IsConnected())
	require.NotNil(t, conn.Info())
	assert.Equal(t, "fake-tools", conn.Info().Name)

	tools, err := conn.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "summarize", tools[0].Name)
	assert.Equal(t, 1, remote.listCalls())

	// The Tools accessor serves the cached copy without a round trip.
	assert.Len(t, conn.Tools(), 1)
	assert.Equal(t, 1, remote.listCalls())
}

func TestManagerReuseAndDisconnect(t *testing.T) {
	remote := newFakeRemote(t)
	manager := NewManager()
	t.Cleanup(manager.CloseAll)
	ctx := context.Background()

	first, err := manager.Connect(ctx, 4, "fake", remote.url(), nil)
	require.NoError(t, err)
	second, err := manager.Connect(ctx, 4, "fake", remote.url(), nil)
	require.NoError(t, err)
	assert.Same(t, first, second)

	got, ok := manager.Get(4)
	require.True(t, ok)
	assert.Same(t, first, got)

	manager.Disconnect(4)
	_, ok = manager.Get(4)
	assert.False(t, ok)
	assert.False(t, first.IsConnected())
}

func TestManagerConnectFailure(t *testing.T) {
	manager := NewManager()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := manager.Connect(ctx, 9, "gone", "ws://127.0.0.1:1", nil)
	require.Error(t, err)
	_, ok := manager.Get(9)
	assert.False(t, ok)
}

func TestAuthHeader(t *testing.T) {
	h := AuthHeader(AuthBearer, "tok-123")
	assert.Equal(t, "Bearer tok-123", h.Get("Authorization"))

	h = AuthHeader(AuthAPIKey, "tok-456")
	assert.Equal(t, "tok-456", h.Get("X-API-Key"))

	assert.Nil(t, AuthHeader(AuthNone, "ignored"))
}

func TestConnAuthHeadersReachRemote(t *testing.T) {
	remote := newFakeRemote(t)
	manager := NewManager()
	t.Cleanup(manager.CloseAll)

	_, err := manager.Connect(context.Background(), 2, "fake", remote.url(), AuthHeader(AuthBearer, "tok-123"))
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-123", remote.header("Authorization"))
}

func TestConnRPCErrorSurfaced(t *testing.T) {
	remote := newFakeRemote(t)
	manager := NewManager()
	t.Cleanup(manager.CloseAll)
	ctx := context.Background()

	conn, err := manager.Connect(ctx, 3, "fake", remote.url(), nil)
	require.NoError(t, err)

	_, err = conn.CallTool(ctx, "missing", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MCP error -32601")
}

func TestConnRequestHonorsContext(t *testing.T) {
	remote := newFakeRemote(t)
	remote.silent["sleepy"] = true
	manager := NewManager()
	t.Cleanup(manager.CloseAll)

	conn, err := manager.Connect(context.Background(), 5, "fake", remote.url(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = conn.CallTool(ctx, "sleepy", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// ---- registry service fixtures ----

func newServiceEnv(t *testing.T) (*Service, *Manager, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.MCPServer{}))

	key, err := secrets.GenerateMasterKey()
	require.NoError(t, err)
	sec, err := secrets.NewManager(key)
	require.NoError(t, err)

	manager := NewManager()
	t.Cleanup(manager.CloseAll)

	return NewService(db, sec, manager), manager, db
}

func TestRegisterValidation(t *testing.T) {
	svc, _, _ := newServiceEnv(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, 1, RegisterInput{Name: "  ", URL: "wss://mcp.example.com"})
	assert.ErrorContains(t, err, "name")

	_, err = svc.Register(ctx, 1, RegisterInput{Name: "docs", URL: "https://mcp.example.com"})
	assert.ErrorContains(t, err, "ws:// or wss://")

	_, err = svc.Register(ctx, 1, RegisterInput{Name: "docs", URL: "wss://mcp.example.com", AuthKind: "basic"})
	assert.ErrorContains(t, err, "unknown auth kind")

	_, err = svc.Register(ctx, 1, RegisterInput{Name: "docs", URL: "wss://mcp.example.com", AuthKind: AuthBearer})
	assert.ErrorContains(t, err, "token is required")
}

func TestRegisterSealsToken(t *testing.T) {
	svc, _, _ := newServiceEnv(t)
	ctx := context.Background()

	server, err := svc.Register(ctx, 7, RegisterInput{
		Name:     "docs",
		URL:      "wss://mcp.example.com",
		AuthKind: AuthBearer,
		Token:    "super-secret",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, server.Status)
	assert.NotEmpty(t, server.AuthCiphertext)
	assert.NotContains(t, server.AuthCiphertext, "super-secret")

	opened, err := svc.secrets.Open(7, server.AuthCiphertext)
	require.NoError(t, err)
	assert.Equal(t, "super-secret", opened)
}

func TestRegisterWithoutAuth(t *testing.T) {
	svc, _, _ := newServiceEnv(t)

	server, err := svc.Register(context.Background(), 1, RegisterInput{Name: "open", URL: "ws://mcp.local:9000"})
	require.NoError(t, err)
	assert.Equal(t, AuthNone, server.AuthKind)
	assert.Empty(t, server.AuthCiphertext)
}

func TestListAndDeleteScoping(t *testing.T) {
	svc, _, _ := newServiceEnv(t)
	ctx := context.Background()

	first, err := svc.Register(ctx, 1, RegisterInput{Name: "alpha", URL: "wss://a.example.com"})
	require.NoError(t, err)
	_, err = svc.Register(ctx, 1, RegisterInput{Name: "beta", URL: "wss://b.example.com"})
	require.NoError(t, err)
	_, err = svc.Register(ctx, 2, RegisterInput{Name: "other", URL: "wss://c.example.com"})
	require.NoError(t, err)

	list, err := svc.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "beta", list[0].Name)

	err = svc.Delete(ctx, 2, first.ID)
	assert.ErrorIs(t, err, ErrServerNotFound)

	require.NoError(t, svc.Delete(ctx, 1, first.ID))
	list, err = svc.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "beta", list[0].Name)
}

func TestToolsMarksReachable(t *testing.T) {
	remote := newFakeRemote(t)
	svc, _, db := newServiceEnv(t)
	ctx := context.Background()

	server, err := svc.Register(ctx, 1, RegisterInput{
		Name:     "fake",
		URL:      remote.url(),
		AuthKind: AuthBearer,
		Token:    "tok-9",
	})
	require.NoError(t, err)

	tools, err := svc.Tools(ctx, 1, server.ID)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "summarize", tools[0].Name)
	assert.Equal(t, "Bearer tok-9", remote.header("Authorization"))

	var stored models.MCPServer
	require.NoError(t, db.First(&stored, server.ID).Error)
	assert.Equal(t, StatusReachable, stored.Status)
	require.NotNil(t, stored.LastSeenAt)
	assert.WithinDuration(t, time.Now(), *stored.LastSeenAt, 5*time.Second)
}

func TestToolsMarksUnreachable(t *testing.T) {
	svc, _, db := newServiceEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	server, err := svc.Register(ctx, 1, RegisterInput{Name: "gone", URL: "ws://127.0.0.1:1"})
	require.NoError(t, err)

	_, err = svc.Tools(ctx, 1, server.ID)
	require.Error(t, err)

	var stored models.MCPServer
	require.NoError(t, db.First(&stored, server.ID).Error)
	assert.Equal(t, StatusUnreachable, stored.Status)
	assert.Nil(t, stored.LastSeenAt)
}

func TestToolsScopedToOwner(t *testing.T) {
	remote := newFakeRemote(t)
	svc, _, _ := newServiceEnv(t)
	ctx := context.Background()

	server, err := svc.Register(ctx, 1, RegisterInput{Name: "fake", URL: remote.url()})
	require.NoError(t, err)

	_, err = svc.Tools(ctx, 2, server.ID)
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestCallToolProxies(t *testing.T) {
	remote := newFakeRemote(t)
	svc, _, _ := newServiceEnv(t)
	ctx := context.Background()

	server, err := svc.Register(ctx, 1, RegisterInput{Name: "fake", URL: remote.url()})
	require.NoError(t, err)

	result, err := svc.CallTool(ctx, 1, server.ID, "summarize", map[string]interface{}{"text": "hello"})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "ok:summarize", result.Content[0].Text)
}

func TestDeleteDropsConnection(t *testing.T) {
	remote := newFakeRemote(t)
	svc, manager, _ := newServiceEnv(t)
	ctx := context.Background()

	server, err := svc.Register(ctx, 1, RegisterInput{Name: "fake", URL: remote.url()})
	require.NoError(t, err)

	_, err = svc.Tools(ctx, 1, server.ID)
	require.NoError(t, err)
	_, ok := manager.Get(server.ID)
	require.True(t, ok)

	require.NoError(t, svc.Delete(ctx, 1, server.ID))
	_, ok = manager.Get(server.ID)
	assert.False(t, ok)
}
