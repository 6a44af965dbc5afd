package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Plans
const (
	PlanFree       = "free"
	PlanPro        = "pro"
	PlanTeam       = "team"
	PlanEnterprise = "enterprise"
)

// User represents an account on the Agentry platform
type User struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	// Basic user information
	Username     string `json:"username" gorm:"uniqueIndex;not null"`
	Email        string `json:"email" gorm:"uniqueIndex;not null"`
	PasswordHash string `json:"-"`
	FullName     string `json:"full_name"`
	AvatarURL    string `json:"avatar_url"`

	// OAuth identity (empty for password accounts)
	OAuthProvider string `json:"oauth_provider,omitempty"` // google, github
	OAuthSubject  string `json:"-" gorm:"index"`

	// Account status
	IsActive   bool `json:"is_active" gorm:"default:true"`
	IsVerified bool `json:"is_verified" gorm:"default:false"`
	IsAdmin    bool `json:"is_admin" gorm:"default:false"` // Admin users bypass quotas and credits

	// Plan and credits
	Plan            string    `json:"plan" gorm:"default:'free'"` // free, pro, team, enterprise
	PlanRenewsAt    time.Time `json:"plan_renews_at"`
	Credits         int       `json:"credits" gorm:"default:100"`        // Available credits
	LifetimeCredits int       `json:"lifetime_credits" gorm:"default:0"` // Total credits ever granted

	// Relationships
	Agents   []Agent   `json:"agents,omitempty" gorm:"foreignKey:OwnerID"`
	Sessions []Session `json:"-" gorm:"foreignKey:UserID"`
	Datasets []Dataset `json:"datasets,omitempty" gorm:"foreignKey:OwnerID"`
}

// IsUnlimited returns true if the user bypasses credit and quota checks
func (u *User) IsUnlimited() bool {
	return u.IsAdmin || u.Plan == PlanEnterprise
}

// HasCredits returns true if the user can afford the given cost
func (u *User) HasCredits(cost int) bool {
	if u.IsUnlimited() {
		return true
	}
	return u.Credits >= cost
}

// DeductCredits deducts credits from the user, returning false when the
// balance is insufficient. Unlimited users are never charged.
func (u *User) DeductCredits(amount int) bool {
	if u.IsUnlimited() {
		return true
	}
	if u.Credits >= amount {
		u.Credits -= amount
		return true
	}
	return false
}

// Session represents a refresh-token session
type Session struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	CreatedAt time.Time `json:"created_at"`

	UserID           uint       `json:"user_id" gorm:"not null;index"`
	RefreshTokenHash string     `json:"-" gorm:"uniqueIndex;not null"` // sha256 of the opaque token
	UserAgent        string     `json:"user_agent"`
	IPAddress        string     `json:"ip_address"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
}

// IsValid returns true if the session can still mint access tokens
func (s *Session) IsValid() bool {
	return s.RevokedAt == nil && time.Now().Before(s.ExpiresAt)
}

// Agent represents a configured LLM persona: a goal, a role, guardrails,
// and the set of modules and connectors it is allowed to use.
type Agent struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	OwnerID uint `json:"owner_id" gorm:"not null;index"`
	Owner   User `json:"-" gorm:"foreignKey:OwnerID"`

	// Persona
	Name        string   `json:"name" gorm:"not null"`
	Goal        string   `json:"goal" gorm:"type:text"`
	Role        string   `json:"role"`                              // analyst, marketer, developer, support
	Guardrails  []string `json:"guardrails" gorm:"serializer:json"` // denied terms / rules
	Temperature float64  `json:"temperature" gorm:"default:0.7"`

	// Capabilities
	Modules    []string `json:"modules" gorm:"serializer:json"`    // attached module keys
	Connectors []string `json:"connectors" gorm:"serializer:json"` // enabled connector keys

	// Lifecycle
	Status    string     `json:"status" gorm:"default:'draft'"` // draft, active, archived
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	RunCount  int64      `json:"run_count" gorm:"default:0"`

	Runs []AgentRun `json:"-" gorm:"foreignKey:AgentID"`
}

// HasModule returns true if the module key is attached to the agent
func (a *Agent) HasModule(key string) bool {
	for _, m := range a.Modules {
		if m == key {
			return true
		}
	}
	return false
}

// HasConnector returns true if the connector key is enabled for the agent
func (a *Agent) HasConnector(key string) bool {
	for _, c := range a.Connectors {
		if c == key {
			return true
		}
	}
	return false
}

// GuardrailViolation returns the first guardrail whose denied term appears
// in the given text (case-insensitive), or "" when the text is clean.
func (a *Agent) GuardrailViolation(text string) string {
	lower := strings.ToLower(text)
	for _, g := range a.Guardrails {
		term := strings.ToLower(strings.TrimSpace(g))
		if term != "" && strings.Contains(lower, term) {
			return g
		}
	}
	return ""
}

// Run statuses for AgentRun records
const (
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
	RunStatusBlocked   = "blocked" // guardrail violation
)

// AgentRun records a single module invocation dispatched through an agent
type AgentRun struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	CreatedAt time.Time `json:"created_at"`

	AgentID uint `json:"agent_id" gorm:"not null;index"`
	UserID  uint `json:"user_id" gorm:"not null;index"`

	ModuleKey      string `json:"module_key" gorm:"not null;index"`
	Status         string `json:"status" gorm:"not null"`
	DurationMs     int64  `json:"duration_ms"`
	CreditsCharged int    `json:"credits_charged"`
	InputBytes     int    `json:"input_bytes"`
	OutputBytes    int    `json:"output_bytes"`
	Output         string `json:"output,omitempty" gorm:"type:text"` // truncated to 16KB
	Error          string `json:"error,omitempty"`
}

// Connector statuses
const (
	ConnectorStatusAvailable = "available"
	ConnectorStatusDegraded  = "degraded" // upstream failing, fallback in use
	ConnectorStatusDisabled  = "disabled"
)

// MCPConnector is a catalog entry describing an external API integration
// (weather, trends, search) that agents can enable.
type MCPConnector struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	Key         string `json:"key" gorm:"uniqueIndex;not null"` // weather, google-trends, web-search
	Name        string `json:"name" gorm:"not null"`
	Description string `json:"description" gorm:"type:text"`
	Category    string `json:"category"`                        // data, marketing, research
	AuthKind    string `json:"auth_kind" gorm:"default:'none'"` // none, api_key, bearer
	BaseURL     string `json:"base_url"`

	// JSON schema describing per-agent connector settings
	ConfigSchema map[string]interface{} `json:"config_schema,omitempty" gorm:"serializer:json"`

	Status string `json:"status" gorm:"default:'available'"` // available, degraded, disabled
}

// RequiresCredential returns true if calls need a stored credential
func (c *MCPConnector) RequiresCredential() bool {
	return c.AuthKind != "" && c.AuthKind != "none"
}

// ConnectorCredential stores an encrypted API credential for a connector
type ConnectorCredential struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID       uint   `json:"user_id" gorm:"not null;index:idx_cred_user_connector,unique"`
	ConnectorKey string `json:"connector_key" gorm:"not null;index:idx_cred_user_connector,unique"`
	Ciphertext   string `json:"-" gorm:"type:text;not null"` // AES-GCM, base64
	Label        string `json:"label"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

// MCPServer is a tenant-registered external MCP server reachable over
// WebSocket. The auth token, when present, is encrypted at rest the same
// way connector credentials are.
type MCPServer struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	OwnerID  uint   `json:"owner_id" gorm:"not null;index"`
	Name     string `json:"name" gorm:"not null"`
	URL      string `json:"url" gorm:"not null"` // ws:// or wss://
	AuthKind string `json:"auth_kind" gorm:"default:'none'"` // none, bearer, api_key

	AuthCiphertext string `json:"-" gorm:"type:text"` // AES-GCM, base64

	Status     string     `json:"status" gorm:"default:'unknown'"` // unknown, reachable, unreachable
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

// Dataset is a staged collection of rows used as pipeline input
type Dataset struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	OwnerID     uint   `json:"owner_id" gorm:"not null;index"`
	Name        string `json:"name" gorm:"not null"`
	Description string `json:"description"`

	// Row schema used to validate ingestion (field -> kind)
	Schema map[string]interface{} `json:"schema,omitempty" gorm:"serializer:json"`

	RowCount  int64  `json:"row_count" gorm:"default:0"`
	SizeBytes int64  `json:"size_bytes" gorm:"default:0"`
	TableName string `json:"-" gorm:"not null"` // backing table in the staging store
}

// Snapshot statuses
const (
	SnapshotPending  = "pending"
	SnapshotComplete = "complete"
	SnapshotFailed   = "failed"
)

// Snapshot records an exported pipeline result or dataset dump
type Snapshot struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OwnerID     uint   `json:"owner_id" gorm:"not null;index"`
	Kind        string `json:"kind" gorm:"not null"` // pipeline_result, dataset
	Name        string `json:"name" gorm:"not null"`
	StorageKind string `json:"storage_kind" gorm:"not null"` // local, s3
	ObjectKey   string `json:"object_key" gorm:"not null"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentType string `json:"content_type" gorm:"default:'application/json'"`
	Status      string `json:"status" gorm:"default:'pending'"`
	Error       string `json:"error,omitempty"`
}

// Credit transaction reasons
const (
	CreditReasonGrant  = "grant"
	CreditReasonCharge = "charge"
	CreditReasonRefund = "refund"
)

// CreditTransaction is one movement on a user's credit balance
type CreditTransaction struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	CreatedAt time.Time `json:"created_at"`

	UserID  uint   `json:"user_id" gorm:"not null;index"`
	Delta   int    `json:"delta"`   // positive for grant/refund, negative for charge
	Balance int    `json:"balance"` // balance after this movement
	Reason  string `json:"reason" gorm:"not null"`
	Ref     string `json:"ref"` // module key, "monthly_grant", admin note
}
