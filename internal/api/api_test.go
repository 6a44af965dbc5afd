package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"agentry/internal/agents"
	"agentry/internal/ai"
	"agentry/internal/auth"
	"agentry/internal/billing"
	"agentry/internal/cache"
	"agentry/internal/config"
	"agentry/internal/connectors"
	"agentry/internal/datasets"
	"agentry/internal/export"
	"agentry/internal/mcp"
	"agentry/internal/modules"
	"agentry/internal/secrets"
	"agentry/internal/transform"
	"agentry/internal/usage"
	"agentry/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type echoModule struct{}

func (m *echoModule) Descriptor() modules.Descriptor {
	return modules.Descriptor{
		Key:        "echo",
		Name:       "Echo",
		Version:    "1.0.0",
		Category:   "test",
		CreditCost: 2,
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"message": map[string]interface{}{"type": "string"}},
			"required":   []string{"message"},
		},
	}
}

func (m *echoModule) Invoke(_ context.Context, _ *models.Agent, input map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{"echo": input["message"]}, nil
}

type apiEnv struct {
	router *gin.Engine
	db     *gorm.DB
}

// newAPIEnv wires the whole service graph against in-memory stores and
// returns the assembled router. Every test gets its own environment,
// so rate limiter buckets and usage caches never leak across tests.
func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{}, &models.Session{},
		&models.Agent{}, &models.AgentRun{},
		&models.MCPConnector{}, &models.ConnectorCredential{}, &models.MCPServer{},
		&models.Dataset{}, &models.Snapshot{},
		&models.CreditTransaction{},
	))

	defaults := connectors.Defaults()
	for i := range defaults {
		require.NoError(t, db.Create(&defaults[i]).Error)
	}

	c := cache.New(cache.DefaultConfig())
	t.Cleanup(func() { c.Close() })

	masterKey, err := secrets.GenerateMasterKey()
	require.NoError(t, err)
	sm, err := secrets.NewManager(masterKey)
	require.NoError(t, err)

	tracker := usage.NewTracker(db, nil)
	require.NoError(t, tracker.Migrate())
	t.Cleanup(tracker.Close)

	tokens := auth.NewTokenService("api-test-secret")
	authSvc := auth.NewService(db, tokens)
	credits := billing.NewService(db)
	engine := transform.NewEngine(nil)

	store, err := datasets.NewStore(db, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	catalog := connectors.NewService(db, c, sm)

	registry := modules.NewRegistry(credits, tracker)
	registry.Register(&echoModule{})
	registry.Register(modules.NewDataTransformModule(engine, store))

	router := ai.NewRouterWithClients(nil, ai.NewMockClient())
	t.Cleanup(router.Close)

	agentSvc := agents.NewService(db, c, registry, catalog, tracker, router)

	storage, err := export.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	exports := export.NewService(db, storage, store)

	manager := mcp.NewManager()
	t.Cleanup(manager.CloseAll)
	mcpSvc := mcp.NewService(db, sm, manager)
	mcpSrv := mcp.NewServer("agentry", "test", registry, agentSvc, store)

	srv := NewServer(Deps{
		DB:         db,
		Config:     &config.Config{Environment: "test", CORSOrigins: []string{"http://localhost:5173"}},
		Auth:       authSvc,
		Modules:    registry,
		Engine:     engine,
		Agents:     agentSvc,
		Connectors: catalog,
		MCPService: mcpSvc,
		MCPServer:  mcpSrv,
		Datasets:   store,
		Exports:    exports,
		Tracker:    tracker,
		Credits:    credits,
		Version:    "test",
	})

	return &apiEnv{router: srv.Router(), db: db}
}

func (e *apiEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// register creates an account through the public endpoint and returns
// the access token and user ID. The auth group is rate limited to 5
// requests per test environment, so tests budget their register and
// login calls.
func (e *apiEnv) register(t *testing.T, username string) (string, uint) {
	t.Helper()

	w := e.do(t, http.MethodPost, "/api/auth/register", "", gin.H{
		"username": username,
		"email":    username + "@example.com",
		"password": "correct-horse-battery",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	res := gjson.Parse(w.Body.String())
	token := res.Get("tokens.access_token").String()
	require.NotEmpty(t, token)
	return token, uint(res.Get("user.id").Uint())
}

// createActiveAgent provisions an agent with the echo module attached
// and flips it to active.
func (e *apiEnv) createActiveAgent(t *testing.T, token, name string) uint {
	t.Helper()

	w := e.do(t, http.MethodPost, "/api/agents", token, gin.H{
		"name":    name,
		"role":    "analyst",
		"modules": []string{"echo"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := uint(gjson.Get(w.Body.String(), "agent.id").Uint())

	w = e.do(t, http.MethodPatch, fmt.Sprintf("/api/agents/%d", id), token, gin.H{"status": "active"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return id
}

func TestHealthAndVersion(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	res := gjson.Parse(w.Body.String())
	assert.Equal(t, "healthy", res.Get("status").String())
	assert.Equal(t, "connected", res.Get("database").String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = env.do(t, http.MethodGet, "/version", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	res = gjson.Parse(w.Body.String())
	assert.Equal(t, "test", res.Get("version").String())
	assert.GreaterOrEqual(t, res.Get("uptime_s").Int(), int64(0))
}

func TestRegisterAndMe(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, http.MethodPost, "/api/auth/register", "", gin.H{
		"username":  "ada",
		"email":     "ada@example.com",
		"password":  "correct-horse-battery",
		"full_name": "Ada Lovelace",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	res := gjson.Parse(w.Body.String())
	assert.Equal(t, "ada", res.Get("user.username").String())
	assert.Equal(t, "free", res.Get("user.plan").String())
	assert.Equal(t, int64(100), res.Get("user.credits").Int())
	assert.False(t, res.Get("user.password_hash").Exists())
	assert.Equal(t, "Bearer", res.Get("tokens.token_type").String())

	token := res.Get("tokens.access_token").String()
	w = env.do(t, http.MethodGet, "/api/auth/me", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ada", gjson.Get(w.Body.String(), "user.username").String())

	w = env.do(t, http.MethodGet, "/api/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "AUTH_REQUIRED", gjson.Get(w.Body.String(), "code").String())
}

func TestRegisterValidation(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, http.MethodPost, "/api/auth/register", "", gin.H{
		"username": "bad",
		"email":    "not-an-email",
		"password": "correct-horse-battery",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", gjson.Get(w.Body.String(), "code").String())

	env.register(t, "taken")

	w = env.do(t, http.MethodPost, "/api/auth/register", "", gin.H{
		"username": "taken",
		"email":    "other@example.com",
		"password": "correct-horse-battery",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "USER_EXISTS", gjson.Get(w.Body.String(), "code").String())
}

func TestLoginFlow(t *testing.T) {
	env := newAPIEnv(t)
	env.register(t, "lin")

	w := env.do(t, http.MethodPost, "/api/auth/login", "", gin.H{
		"username": "lin",
		"password": "wrong-password-entirely",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", gjson.Get(w.Body.String(), "code").String())

	// The account email works as the login identifier too.
	w = env.do(t, http.MethodPost, "/api/auth/login", "", gin.H{
		"username": "lin@example.com",
		"password": "correct-horse-battery",
	})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, gjson.Get(w.Body.String(), "tokens.refresh_token").String())
}

func TestRefreshRotation(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, http.MethodPost, "/api/auth/register", "", gin.H{
		"username": "rey",
		"email":    "rey@example.com",
		"password": "correct-horse-battery",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	first := gjson.Get(w.Body.String(), "tokens.refresh_token").String()

	w = env.do(t, http.MethodPost, "/api/auth/refresh", "", gin.H{"refresh_token": first})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	second := gjson.Get(w.Body.String(), "tokens.refresh_token").String()
	assert.NotEqual(t, first, second)

	// Rotation revokes the old token.
	w = env.do(t, http.MethodPost, "/api/auth/refresh", "", gin.H{"refresh_token": first})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", gjson.Get(w.Body.String(), "code").String())

	w = env.do(t, http.MethodPost, "/api/auth/logout", "", gin.H{"refresh_token": second})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodPost, "/api/auth/refresh", "", gin.H{"refresh_token": second})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthRequired(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, http.MethodGet, "/api/agents", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "AUTH_REQUIRED", gjson.Get(w.Body.String(), "code").String())

	w = env.do(t, http.MethodGet, "/api/agents", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", gjson.Get(w.Body.String(), "code").String())
}

func TestAgentLifecycle(t *testing.T) {
	env := newAPIEnv(t)
	token, _ := env.register(t, "ana")

	w := env.do(t, http.MethodPost, "/api/agents", token, gin.H{
		"name":       "Trend Watcher",
		"goal":       "summarize what moved this week",
		"role":       "analyst",
		"modules":    []string{"echo"},
		"connectors": []string{"weather"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := gjson.Parse(w.Body.String())
	assert.Equal(t, "draft", res.Get("agent.status").String())
	id := res.Get("agent.id").Uint()

	// Draft agents refuse runs.
	runPath := fmt.Sprintf("/api/agents/%d/run", id)
	w = env.do(t, http.MethodPost, runPath, token, gin.H{
		"module": "echo",
		"input":  gin.H{"message": "hi"},
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "AGENT_NOT_ACTIVE", gjson.Get(w.Body.String(), "code").String())

	w = env.do(t, http.MethodPatch, fmt.Sprintf("/api/agents/%d", id), token, gin.H{"status": "active"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "active", gjson.Get(w.Body.String(), "agent.status").String())

	w = env.do(t, http.MethodPost, runPath, token, gin.H{
		"module": "echo",
		"input":  gin.H{"message": "hi"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res = gjson.Parse(w.Body.String())
	assert.Equal(t, "succeeded", res.Get("status").String())
	assert.Equal(t, "hi", res.Get("output.echo").String())
	assert.Equal(t, int64(2), res.Get("credits_charged").Int())
	assert.Greater(t, res.Get("run_id").Uint(), uint64(0))

	// data-transform is registered but not attached to this agent.
	w = env.do(t, http.MethodPost, runPath, token, gin.H{
		"module": "data-transform",
		"input":  gin.H{"rows": []gin.H{}},
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "MODULE_NOT_ATTACHED", gjson.Get(w.Body.String(), "code").String())

	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/agents/%d/modules/data-transform", id), token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, gjson.Get(w.Body.String(), "agent.modules").Array(), 2)

	w = env.do(t, http.MethodDelete, fmt.Sprintf("/api/agents/%d/modules/data-transform", id), token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, gjson.Get(w.Body.String(), "agent.modules").Array(), 1)

	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/agents/%d/preview", id), token, gin.H{"message": "hello"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, gjson.Get(w.Body.String(), "reply").String(), "mock response")

	// Both dispatches left audit rows, newest first.
	w = env.do(t, http.MethodGet, fmt.Sprintf("/api/agents/%d/runs", id), token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	res = gjson.Parse(w.Body.String())
	assert.Equal(t, int64(2), res.Get("pagination.total").Int())
	assert.Equal(t, "failed", res.Get("runs.0.status").String())
	assert.Equal(t, "succeeded", res.Get("runs.1.status").String())

	// Only the successful run charged credits.
	w = env.do(t, http.MethodGet, "/api/billing/balance", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(98), gjson.Get(w.Body.String(), "balance").Int())

	// Archiving soft-deletes the agent, so reads and runs stop resolving.
	w = env.do(t, http.MethodDelete, fmt.Sprintf("/api/agents/%d", id), token, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, fmt.Sprintf("/api/agents/%d", id), token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "AGENT_NOT_FOUND", gjson.Get(w.Body.String(), "code").String())

	w = env.do(t, http.MethodPost, runPath, token, gin.H{
		"module": "echo",
		"input":  gin.H{"message": "hi"},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunGuardrailBlocked(t *testing.T) {
	env := newAPIEnv(t)
	token, _ := env.register(t, "gia")

	w := env.do(t, http.MethodPost, "/api/agents", token, gin.H{
		"name":       "Compliance Bot",
		"modules":    []string{"echo"},
		"guardrails": []string{"crypto"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := gjson.Get(w.Body.String(), "agent.id").Uint()

	w = env.do(t, http.MethodPatch, fmt.Sprintf("/api/agents/%d", id), token, gin.H{"status": "active"})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/agents/%d/run", id), token, gin.H{
		"module": "echo",
		"input":  gin.H{"message": "please buy CRYPTO now"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	res := gjson.Parse(w.Body.String())
	assert.Equal(t, "GUARDRAIL_BLOCKED", res.Get("code").String())
	assert.Equal(t, "crypto", res.Get("details.term").String())

	// Blocked dispatches are audited but never charged.
	w = env.do(t, http.MethodGet, fmt.Sprintf("/api/agents/%d/runs", id), token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "blocked", gjson.Get(w.Body.String(), "runs.0.status").String())

	w = env.do(t, http.MethodGet, "/api/billing/balance", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(100), gjson.Get(w.Body.String(), "balance").Int())
}

func TestAgentQuota(t *testing.T) {
	env := newAPIEnv(t)
	token, userID := env.register(t, "max")

	// Fill the free plan's agent allowance before the first quota read.
	for i := 0; i < 3; i++ {
		require.NoError(t, env.db.Create(&models.Agent{
			OwnerID: userID,
			Name:    fmt.Sprintf("seeded %d", i),
			Status:  "active",
		}).Error)
	}

	w := env.do(t, http.MethodPost, "/api/agents", token, gin.H{"name": "one too many"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code, w.Body.String())
	res := gjson.Parse(w.Body.String())
	assert.Equal(t, "QUOTA_EXCEEDED", res.Get("code").String())
	assert.Equal(t, "agents", res.Get("details.limit").String())
	assert.Equal(t, int64(3), res.Get("details.max").Int())
}

func TestModuleCatalog(t *testing.T) {
	env := newAPIEnv(t)
	token, _ := env.register(t, "mod")

	w := env.do(t, http.MethodGet, "/api/modules", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	keys := make([]string, 0)
	for _, m := range gjson.Get(w.Body.String(), "modules").Array() {
		keys = append(keys, m.Get("key").String())
	}
	assert.ElementsMatch(t, []string{"data-transform", "echo"}, keys)

	w = env.do(t, http.MethodGet, "/api/modules/echo", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := gjson.Parse(w.Body.String())
	assert.Equal(t, "echo", res.Get("module.key").String())
	assert.Equal(t, int64(2), res.Get("module.credit_cost").Int())

	w = env.do(t, http.MethodGet, "/api/modules/nope", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "MODULE_NOT_FOUND", gjson.Get(w.Body.String(), "code").String())
}

func TestTransformEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	token, _ := env.register(t, "eli")

	w := env.do(t, http.MethodPost, "/api/transform/execute", token, gin.H{
		"pipeline": gin.H{
			"name": "active filter",
			"steps": []gin.H{
				{"op": "filter", "config": gin.H{
					"conditions": []gin.H{{"field": "active", "op": "eq", "value": true}},
				}},
			},
		},
		"rows": []gin.H{
			{"active": true, "n": 1},
			{"active": false, "n": 2},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := gjson.Parse(w.Body.String())
	assert.Equal(t, int64(2), res.Get("stats.in_rows").Int())
	assert.Equal(t, int64(1), res.Get("stats.out_rows").Int())
	assert.Equal(t, int64(1), res.Get("rows.0.n").Int())

	w = env.do(t, http.MethodPost, "/api/transform/execute", token, gin.H{
		"pipeline": gin.H{"steps": []gin.H{}},
		"rows":     []gin.H{{"n": 1}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_PIPELINE", gjson.Get(w.Body.String(), "code").String())

	w = env.do(t, http.MethodPost, "/api/transform/validate", token, gin.H{
		"pipeline": gin.H{"steps": []gin.H{{"op": "warp"}}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	res = gjson.Parse(w.Body.String())
	assert.False(t, res.Get("valid").Bool())
	assert.NotEmpty(t, res.Get("error").String())

	w = env.do(t, http.MethodPost, "/api/transform/validate", token, gin.H{
		"pipeline": gin.H{"steps": []gin.H{
			{"op": "filter", "config": gin.H{
				"conditions": []gin.H{{"field": "n", "op": "gt", "value": 1}},
			}},
		}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gjson.Get(w.Body.String(), "valid").Bool())
}

func TestDatasetFlow(t *testing.T) {
	env := newAPIEnv(t)
	token, _ := env.register(t, "dina")

	w := env.do(t, http.MethodPost, "/api/datasets", token, gin.H{
		"name":        "leads",
		"description": "inbound leads",
		"rows": []gin.H{
			{"email": "a@x.io", "score": 10},
			{"email": "b@x.io", "score": 4},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := gjson.Parse(w.Body.String())
	assert.Equal(t, int64(2), res.Get("dataset.row_count").Int())
	id := res.Get("dataset.id").Uint()

	w = env.do(t, http.MethodGet, "/api/datasets", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), gjson.Get(w.Body.String(), "pagination.total").Int())

	w = env.do(t, http.MethodGet, fmt.Sprintf("/api/datasets/%d/rows", id), token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	res = gjson.Parse(w.Body.String())
	assert.Len(t, res.Get("rows").Array(), 2)
	assert.Equal(t, int64(2), res.Get("pagination.total").Int())

	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/datasets/%d/rows", id), token, gin.H{
		"rows": []gin.H{{"email": "c@x.io", "score": 7}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(3), gjson.Get(w.Body.String(), "dataset.row_count").Int())

	w = env.do(t, http.MethodGet, fmt.Sprintf("/api/datasets/%d", id), token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Greater(t, gjson.Get(w.Body.String(), "dataset.size_bytes").Int(), int64(0))

	w = env.do(t, http.MethodDelete, fmt.Sprintf("/api/datasets/%d", id), token, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, fmt.Sprintf("/api/datasets/%d", id), token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "DATASET_NOT_FOUND", gjson.Get(w.Body.String(), "code").String())

	w = env.do(t, http.MethodPost, "/api/datasets", token, gin.H{"description": "nameless"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", gjson.Get(w.Body.String(), "code").String())
}

func TestExportFlow(t *testing.T) {
	env := newAPIEnv(t)
	token, _ := env.register(t, "eve")

	w := env.do(t, http.MethodPost, "/api/datasets", token, gin.H{
		"name": "leads",
		"rows": []gin.H{{"email": "a@x.io"}, {"email": "b@x.io"}},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	datasetID := gjson.Get(w.Body.String(), "dataset.id").Uint()

	w = env.do(t, http.MethodPost, "/api/exports", token, gin.H{
		"kind":       "dataset",
		"dataset_id": datasetID,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := gjson.Parse(w.Body.String())
	assert.Equal(t, "complete", res.Get("snapshot.status").String())
	assert.Equal(t, "dataset", res.Get("snapshot.kind").String())
	assert.Equal(t, "local", res.Get("snapshot.storage_kind").String())
	assert.Greater(t, res.Get("snapshot.size_bytes").Int(), int64(0))
	snapID := res.Get("snapshot.id").Uint()

	w = env.do(t, http.MethodPost, "/api/exports", token, gin.H{
		"kind":   "pipeline_result",
		"name":   "weekly rollup",
		"result": gin.H{"rows": []gin.H{{"n": 1}}, "stats": gin.H{"out_rows": 1}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/exports", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	res = gjson.Parse(w.Body.String())
	assert.Equal(t, int64(2), res.Get("pagination.total").Int())
	assert.Equal(t, "pipeline_result", res.Get("snapshots.0.kind").String())

	w = env.do(t, http.MethodGet, fmt.Sprintf("/api/exports/%d/download", snapID), token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
	assert.Contains(t, w.Header().Get("Content-Disposition"), ".json")
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	res = gjson.Parse(w.Body.String())
	assert.Equal(t, "leads", res.Get("dataset.name").String())
	assert.Len(t, res.Get("rows").Array(), 2)

	w = env.do(t, http.MethodPost, "/api/exports", token, gin.H{"kind": "dataset"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", gjson.Get(w.Body.String(), "code").String())

	w = env.do(t, http.MethodPost, "/api/exports", token, gin.H{"kind": "csv"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodDelete, fmt.Sprintf("/api/exports/%d", snapID), token, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, fmt.Sprintf("/api/exports/%d", snapID), token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "EXPORT_NOT_FOUND", gjson.Get(w.Body.String(), "code").String())
}

func TestUsageAndBilling(t *testing.T) {
	env := newAPIEnv(t)
	token, _ := env.register(t, "uri")

	w := env.do(t, http.MethodGet, "/api/usage/summary", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := gjson.Parse(w.Body.String())
	assert.Equal(t, "free", res.Get("summary.plan").String())
	assert.Equal(t, int64(0), res.Get("summary.agents").Int())
	assert.Equal(t, int64(3), res.Get("summary.max_agents").Int())
	assert.Equal(t, int64(50), res.Get("summary.max_invocations_per_day").Int())
	assert.Equal(t, int64(10000), res.Get("summary.rows_per_call").Int())

	id := env.createActiveAgent(t, token, "Meter Reader")
	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/agents/%d/run", id), token, gin.H{
		"module": "echo",
		"input":  gin.H{"message": "tick"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Recording usage drops the cached summary, so the next read is fresh.
	w = env.do(t, http.MethodGet, "/api/usage/summary", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	res = gjson.Parse(w.Body.String())
	assert.Equal(t, int64(1), res.Get("summary.agents").Int())
	assert.Equal(t, int64(1), res.Get("summary.invocations_today").Int())

	w = env.do(t, http.MethodGet, "/api/usage/history?days=7", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	res = gjson.Parse(w.Body.String())
	assert.Equal(t, int64(7), res.Get("days").Int())
	assert.Len(t, res.Get("history").Array(), 1)
	assert.Equal(t, int64(1), res.Get("history.0.invocations").Int())

	w = env.do(t, http.MethodGet, "/api/usage/history?days=900", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(90), gjson.Get(w.Body.String(), "days").Int())

	w = env.do(t, http.MethodGet, "/api/usage/history?days=abc", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(30), gjson.Get(w.Body.String(), "days").Int())

	w = env.do(t, http.MethodGet, "/api/billing/balance", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(98), gjson.Get(w.Body.String(), "balance").Int())

	w = env.do(t, http.MethodGet, "/api/billing/transactions", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	res = gjson.Parse(w.Body.String())
	assert.Equal(t, int64(1), res.Get("pagination.total").Int())
	assert.Equal(t, int64(-2), res.Get("transactions.0.delta").Int())
	assert.Equal(t, "module_invocation", res.Get("transactions.0.reason").String())
	assert.Equal(t, "echo", res.Get("transactions.0.ref").String())
	assert.Equal(t, int64(98), res.Get("transactions.0.balance").Int())

	w = env.do(t, http.MethodGet, "/api/billing/plans", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	res = gjson.Parse(w.Body.String())
	assert.Len(t, res.Get("plans").Array(), 4)
	assert.Equal(t, "free", res.Get("plans.0.key").String())
	assert.True(t, res.Get("plans.1.popular").Bool())
}

func TestAdminEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	_, aliceID := env.register(t, "alice")
	bobToken, bobID := env.register(t, "bob")

	// Promote alice, then log in again so the new claims carry the flag.
	require.NoError(t, env.db.Model(&models.User{}).Where("id = ?", aliceID).
		Update("is_admin", true).Error)
	w := env.do(t, http.MethodPost, "/api/auth/login", "", gin.H{
		"username": "alice",
		"password": "correct-horse-battery",
	})
	require.Equal(t, http.StatusOK, w.Code)
	adminToken := gjson.Get(w.Body.String(), "tokens.access_token").String()

	w = env.do(t, http.MethodGet, "/api/admin/stats", bobToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", gjson.Get(w.Body.String(), "code").String())

	w = env.do(t, http.MethodPatch, fmt.Sprintf("/api/admin/users/%d", bobID), adminToken, gin.H{"plan": "pro"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "pro", gjson.Get(w.Body.String(), "user.plan").String())

	w = env.do(t, http.MethodPatch, fmt.Sprintf("/api/admin/users/%d", bobID), adminToken, gin.H{"plan": "gold"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_PLAN", gjson.Get(w.Body.String(), "code").String())

	w = env.do(t, http.MethodPatch, "/api/admin/users/9999", adminToken, gin.H{"plan": "pro"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "USER_NOT_FOUND", gjson.Get(w.Body.String(), "code").String())

	w = env.do(t, http.MethodGet, "/api/admin/users", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(2), gjson.Get(w.Body.String(), "pagination.total").Int())

	w = env.do(t, http.MethodGet, "/api/admin/users?search=bob", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := gjson.Parse(w.Body.String())
	assert.Equal(t, int64(1), res.Get("pagination.total").Int())
	assert.Equal(t, "bob", res.Get("users.0.username").String())

	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/admin/users/%d/credits", bobID), adminToken, gin.H{
		"amount": 50,
		"reason": "promo",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res = gjson.Parse(w.Body.String())
	assert.Equal(t, int64(50), res.Get("transaction.delta").Int())
	assert.Equal(t, int64(150), res.Get("transaction.balance").Int())
	assert.Equal(t, "promo", res.Get("transaction.reason").String())

	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/admin/users/%d/credits", bobID), adminToken, gin.H{
		"amount": -200,
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INSUFFICIENT_CREDITS", gjson.Get(w.Body.String(), "code").String())

	w = env.do(t, http.MethodGet, "/api/billing/balance", bobToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(150), gjson.Get(w.Body.String(), "balance").Int())

	w = env.do(t, http.MethodGet, "/api/admin/stats", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	res = gjson.Parse(w.Body.String())
	assert.Equal(t, int64(2), res.Get("stats.users.total").Int())
	assert.Equal(t, int64(1), res.Get("stats.users.admins").Int())
	assert.Equal(t, int64(1), res.Get("stats.users.by_plan.free").Int())
	assert.Equal(t, int64(1), res.Get("stats.users.by_plan.pro").Int())
}

func TestConnectorEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	token, _ := env.register(t, "cora")

	w := env.do(t, http.MethodGet, "/api/connectors", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := gjson.Parse(w.Body.String())
	assert.Len(t, res.Get("connectors").Array(), 3)
	assert.Equal(t, "google-trends", res.Get("connectors.0.key").String())

	// Without a stored credential the test endpoint serves the
	// deterministic fallback and never leaves the process.
	w = env.do(t, http.MethodPost, "/api/connectors/google-trends/test", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res = gjson.Parse(w.Body.String())
	assert.Equal(t, "google-trends", res.Get("connector").String())
	assert.Equal(t, "fallback", res.Get("result.source").String())
	assert.Equal(t, "golang", res.Get("result.keyword").String())
	assert.Len(t, res.Get("result.interest_over_time").Array(), 12)

	w = env.do(t, http.MethodPost, "/api/connectors/nope/test", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "CONNECTOR_NOT_FOUND", gjson.Get(w.Body.String(), "code").String())

	// Weather is keyless; storing a credential for it is a mistake.
	w = env.do(t, http.MethodPost, "/api/connectors/weather/credentials", token, gin.H{"api_key": "k"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "CREDENTIAL_ERROR", gjson.Get(w.Body.String(), "code").String())

	w = env.do(t, http.MethodPost, "/api/connectors/google-trends/credentials", token, gin.H{
		"api_key": "serp-9f3",
		"label":   "serp account",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "google-trends", gjson.Get(w.Body.String(), "credential.connector_key").String())
	assert.NotContains(t, w.Body.String(), "serp-9f3")

	w = env.do(t, http.MethodGet, "/api/connectors/credentials", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, gjson.Get(w.Body.String(), "credentials").Array(), 1)
	assert.NotContains(t, w.Body.String(), "serp-9f3")

	w = env.do(t, http.MethodDelete, "/api/connectors/google-trends/credentials", token, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodDelete, "/api/connectors/google-trends/credentials", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "CREDENTIAL_NOT_FOUND", gjson.Get(w.Body.String(), "code").String())
}

func TestMCPServerEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	token, _ := env.register(t, "mia")

	w := env.do(t, http.MethodPost, "/api/mcp/servers", token, gin.H{
		"name":      "local tools",
		"url":       "ws://127.0.0.1:9/mcp",
		"auth_kind": "bearer",
		"token":     "mcp-s3cret",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := gjson.Parse(w.Body.String())
	assert.Equal(t, "unknown", res.Get("server.status").String())
	assert.NotContains(t, w.Body.String(), "mcp-s3cret")
	id := res.Get("server.id").Uint()

	w = env.do(t, http.MethodPost, "/api/mcp/servers", token, gin.H{
		"name": "bad",
		"url":  "http://example.com/mcp",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "MCP_ERROR", gjson.Get(w.Body.String(), "code").String())

	w = env.do(t, http.MethodGet, "/api/mcp/servers", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, gjson.Get(w.Body.String(), "servers").Array(), 1)

	// Nothing listens on port 9, so the proxy reports the upstream.
	w = env.do(t, http.MethodGet, fmt.Sprintf("/api/mcp/servers/%d/tools", id), token, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "MCP_UPSTREAM_ERROR", gjson.Get(w.Body.String(), "code").String())

	w = env.do(t, http.MethodGet, "/api/mcp/servers/9999/tools", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "MCP_SERVER_NOT_FOUND", gjson.Get(w.Body.String(), "code").String())

	w = env.do(t, http.MethodDelete, fmt.Sprintf("/api/mcp/servers/%d", id), token, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodDelete, fmt.Sprintf("/api/mcp/servers/%d", id), token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestErrorBody(t *testing.T) {
	env := newAPIEnv(t)
	token, _ := env.register(t, "err")

	w := env.do(t, http.MethodGet, "/api/agents/abc", token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	res := gjson.Parse(w.Body.String())
	assert.Equal(t, "INVALID_ID", res.Get("code").String())
	assert.NotEmpty(t, res.Get("error").String())
	assert.True(t, res.Get("timestamp").Exists())
	assert.NotEmpty(t, res.Get("request_id").String())
	assert.Equal(t, w.Header().Get("X-Request-ID"), res.Get("request_id").String())
}
