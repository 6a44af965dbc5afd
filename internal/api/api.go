// Package api assembles the HTTP surface: route groups, the handler
// set, and the middleware chain around them.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"agentry/internal/agents"
	"agentry/internal/auth"
	"agentry/internal/billing"
	"agentry/internal/config"
	"agentry/internal/connectors"
	"agentry/internal/datasets"
	"agentry/internal/export"
	"agentry/internal/mcp"
	"agentry/internal/metrics"
	"agentry/internal/middleware"
	"agentry/internal/modules"
	"agentry/internal/transform"
	"agentry/internal/usage"
)

// Server holds the services the handlers dispatch into.
type Server struct {
	db         *gorm.DB
	cfg        *config.Config
	auth       *auth.Service
	modules    *modules.Registry
	engine     *transform.Engine
	agents     *agents.Service
	connectors *connectors.Service
	mcpSvc     *mcp.Service
	mcpSrv     *mcp.Server
	datasets   *datasets.Store
	exports    *export.Service
	tracker    *usage.Tracker
	credits    *billing.Service

	version string
	started time.Time
}

// Deps carries everything a Server needs.
type Deps struct {
	DB         *gorm.DB
	Config     *config.Config
	Auth       *auth.Service
	Modules    *modules.Registry
	Engine     *transform.Engine
	Agents     *agents.Service
	Connectors *connectors.Service
	MCPService *mcp.Service
	MCPServer  *mcp.Server
	Datasets   *datasets.Store
	Exports    *export.Service
	Tracker    *usage.Tracker
	Credits    *billing.Service
	Version    string
}

// NewServer wires the handler set.
func NewServer(d Deps) *Server {
	return &Server{
		db:         d.DB,
		cfg:        d.Config,
		auth:       d.Auth,
		modules:    d.Modules,
		engine:     d.Engine,
		agents:     d.Agents,
		connectors: d.Connectors,
		mcpSvc:     d.MCPService,
		mcpSrv:     d.MCPServer,
		datasets:   d.Datasets,
		exports:    d.Exports,
		tracker:    d.Tracker,
		credits:    d.Credits,
		version:    d.Version,
		started:    time.Now(),
	}
}

// Router builds the gin engine with the full middleware chain and
// every route group mounted.
func (s *Server) Router() *gin.Engine {
	if s.cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(metrics.PrometheusMiddleware())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS(s.cfg.CORSOrigins))
	r.Use(middleware.RateLimit(middleware.NewIPRateLimiter(rate.Every(200*time.Millisecond), 50)))
	r.Use(middleware.Timeout(30 * time.Second))

	r.GET("/health", s.Health)
	r.GET("/version", s.Version)
	r.GET("/metrics", metrics.PrometheusHandler())

	api := r.Group("/api")

	public := api.Group("/auth")
	public.Use(middleware.AuthRateLimit())
	{
		public.POST("/register", s.Register)
		public.POST("/login", s.Login)
		public.POST("/refresh", s.Refresh)
		public.POST("/logout", s.Logout)
		public.GET("/oauth/:provider/url", s.OAuthURL)
		public.POST("/oauth/:provider/callback", s.OAuthCallback)
	}

	requireAuth := middleware.RequireAuth(s.auth.Tokens())
	quota := middleware.NewQuotaChecker(s.tracker)

	protected := api.Group("")
	protected.Use(requireAuth)
	{
		protected.GET("/auth/me", s.Me)

		protected.GET("/modules", s.ListModules)
		protected.GET("/modules/:key", s.GetModule)

		protected.POST("/transform/execute", s.ExecuteTransform)
		protected.POST("/transform/validate", s.ValidateTransform)

		protected.GET("/agents", s.ListAgents)
		protected.POST("/agents", quota.AgentQuota(), s.CreateAgent)
		protected.GET("/agents/:id", s.GetAgent)
		protected.PATCH("/agents/:id", s.UpdateAgent)
		protected.DELETE("/agents/:id", s.ArchiveAgent)
		protected.POST("/agents/:id/modules/:key", s.AttachModule)
		protected.DELETE("/agents/:id/modules/:key", s.DetachModule)
		protected.POST("/agents/:id/connectors/:key", s.EnableConnector)
		protected.DELETE("/agents/:id/connectors/:key", s.DisableConnector)
		protected.POST("/agents/:id/run", quota.InvocationQuota(), s.RunAgent)
		protected.GET("/agents/:id/runs", s.ListRuns)
		protected.POST("/agents/:id/preview", s.PreviewAgent)

		protected.GET("/connectors", s.ListConnectors)
		protected.POST("/connectors/:key/test", quota.ConnectorQuota(), s.TestConnector)
		protected.GET("/connectors/credentials", s.ListCredentials)
		protected.POST("/connectors/:key/credentials", s.SaveCredential)
		protected.DELETE("/connectors/:key/credentials", s.DeleteCredential)

		protected.GET("/mcp/servers", s.ListMCPServers)
		protected.POST("/mcp/servers", s.RegisterMCPServer)
		protected.DELETE("/mcp/servers/:id", s.DeleteMCPServer)
		protected.GET("/mcp/servers/:id/tools", s.MCPServerTools)
		protected.POST("/mcp/servers/:id/call", quota.ConnectorQuota(), s.CallMCPTool)
		protected.GET("/mcp/ws", s.MCPSocket)

		protected.GET("/datasets", s.ListDatasets)
		protected.POST("/datasets", s.CreateDataset)
		protected.GET("/datasets/:id", s.GetDataset)
		protected.GET("/datasets/:id/rows", s.DatasetRows)
		protected.POST("/datasets/:id/rows", s.AppendDatasetRows)
		protected.DELETE("/datasets/:id", s.DeleteDataset)

		protected.POST("/exports", s.CreateExport)
		protected.GET("/exports", s.ListExports)
		protected.GET("/exports/:id", s.GetExport)
		protected.GET("/exports/:id/download", s.DownloadExport)
		protected.DELETE("/exports/:id", s.DeleteExport)

		protected.GET("/usage/summary", s.UsageSummary)
		protected.GET("/usage/history", s.UsageHistory)
		protected.GET("/billing/balance", s.BillingBalance)
		protected.GET("/billing/transactions", s.BillingTransactions)
		protected.GET("/billing/plans", s.BillingPlans)
	}

	admin := api.Group("/admin")
	admin.Use(requireAuth, middleware.RequireAdmin())
	{
		admin.GET("/users", s.AdminListUsers)
		admin.PATCH("/users/:id", s.AdminUpdateUser)
		admin.POST("/users/:id/credits", s.AdminAdjustCredits)
		admin.GET("/stats", s.AdminStats)
	}

	return r
}

// pageParams reads ?page= and ?limit= with sane bounds.
func pageParams(c *gin.Context) (page, limit int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit
}

// pageInfo is the pagination block list endpoints return.
func pageInfo(page, limit int, total int64) gin.H {
	totalPages := int((total + int64(limit) - 1) / int64(limit))
	return gin.H{
		"page":        page,
		"limit":       limit,
		"total":       total,
		"total_pages": totalPages,
	}
}

// uintParam parses a numeric path parameter. A zero return means the
// request was already aborted.
func uintParam(c *gin.Context, name string) uint {
	raw := c.Param(name)
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		middleware.Abort(c, http.StatusBadRequest, "INVALID_ID", "invalid "+name+" parameter")
		return 0
	}
	return uint(id)
}

// bindJSON binds the body and answers 400 with the binding error on
// failure.
func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		middleware.AbortWithDetails(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body", err.Error())
		return false
	}
	return true
}

// sessionMeta captures the client fingerprint stored on sessions.
func sessionMeta(c *gin.Context) auth.SessionMeta {
	return auth.SessionMeta{
		UserAgent: c.Request.UserAgent(),
		IPAddress: c.ClientIP(),
	}
}
