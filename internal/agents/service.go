// Package agents manages agent personas and dispatches their module
// runs: CRUD over Agent rows, capability attachment, guardrail and
// quota checks, and the AgentRun audit trail.
package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"agentry/internal/ai"
	"agentry/internal/cache"
	"agentry/internal/connectors"
	"agentry/internal/logging"
	"agentry/internal/modules"
	"agentry/pkg/models"
)

var (
	ErrAgentNotFound  = errors.New("agent not found")
	ErrAgentNotActive = errors.New("agent is not active")
)

// Agent statuses.
const (
	StatusDraft    = "draft"
	StatusActive   = "active"
	StatusArchived = "archived"
)

const (
	maxNameLen       = 100
	maxGuardrails    = 20
	defaultPageLimit = 20
	maxPageLimit     = 100
)

var validRoles = map[string]bool{
	"":          true,
	"analyst":   true,
	"marketer":  true,
	"developer": true,
	"support":   true,
}

// QuotaChecker gates agent creation and runs against plan limits.
// Implemented by usage.Tracker; nil disables quota enforcement.
type QuotaChecker interface {
	AllowAgent(ctx context.Context, userID uint) error
	AllowInvocation(ctx context.Context, userID uint) error
}

// Service owns the agent lifecycle. All lookups are scoped to the
// owning user; a foreign agent id reads as not found.
type Service struct {
	db       *gorm.DB
	cache    *cache.Cache
	registry *modules.Registry
	catalog  *connectors.Service
	quota    QuotaChecker
	router   *ai.Router
}

// NewService wires the agent service. Quota and router may be nil.
func NewService(db *gorm.DB, c *cache.Cache, registry *modules.Registry, catalog *connectors.Service, quota QuotaChecker, router *ai.Router) *Service {
	return &Service{
		db:       db,
		cache:    c,
		registry: registry,
		catalog:  catalog,
		quota:    quota,
		router:   router,
	}
}

// CreateInput carries the fields accepted when creating an agent.
type CreateInput struct {
	Name        string   `json:"name"`
	Goal        string   `json:"goal"`
	Role        string   `json:"role"`
	Guardrails  []string `json:"guardrails"`
	Temperature *float64 `json:"temperature"`
	Modules     []string `json:"modules"`
	Connectors  []string `json:"connectors"`
}

// UpdateInput carries a partial update; nil fields are left unchanged.
type UpdateInput struct {
	Name        *string   `json:"name"`
	Goal        *string   `json:"goal"`
	Role        *string   `json:"role"`
	Guardrails  *[]string `json:"guardrails"`
	Temperature *float64  `json:"temperature"`
	Status      *string   `json:"status"`
}

// Create validates the persona and capabilities and persists the agent
// in draft status.
func (s *Service) Create(ctx context.Context, userID uint, in CreateInput) (*models.Agent, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if len(name) > maxNameLen {
		return nil, fmt.Errorf("agent name exceeds %d characters", maxNameLen)
	}
	if !validRoles[in.Role] {
		return nil, fmt.Errorf("unknown role %q", in.Role)
	}
	guardrails, err := normalizeGuardrails(in.Guardrails)
	if err != nil {
		return nil, err
	}
	temperature := 0.7
	if in.Temperature != nil {
		if *in.Temperature < 0 || *in.Temperature > 2 {
			return nil, fmt.Errorf("temperature must be between 0 and 2")
		}
		temperature = *in.Temperature
	}
	if err := s.validateModules(in.Modules); err != nil {
		return nil, err
	}
	if err := s.validateConnectors(ctx, in.Connectors); err != nil {
		return nil, err
	}
	if s.quota != nil {
		if err := s.quota.AllowAgent(ctx, userID); err != nil {
			return nil, err
		}
	}

	agent := &models.Agent{
		OwnerID:     userID,
		Name:        name,
		Goal:        strings.TrimSpace(in.Goal),
		Role:        in.Role,
		Guardrails:  guardrails,
		Temperature: temperature,
		Modules:     dedupe(in.Modules),
		Connectors:  dedupe(in.Connectors),
		Status:      StatusDraft,
	}
	if err := s.db.WithContext(ctx).Create(agent).Error; err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}
	s.invalidateLists(ctx, userID)
	logging.S().Infow("Agent created", "agent_id", agent.ID, "owner_id", userID, "name", name)
	return agent, nil
}

// Get returns one agent owned by the user.
func (s *Service) Get(ctx context.Context, userID, agentID uint) (*models.Agent, error) {
	var agent models.Agent
	err := s.cache.GetOrSetJSON(ctx, cache.AgentKey(agentID), cache.AgentListTTL, &agent, func() (interface{}, error) {
		var row models.Agent
		if err := s.db.WithContext(ctx).First(&row, agentID).Error; err != nil {
			return nil, err
		}
		return &row, nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	if agent.OwnerID != userID {
		return nil, ErrAgentNotFound
	}
	return &agent, nil
}

type agentPage struct {
	Agents []models.Agent `json:"agents"`
	Total  int64          `json:"total"`
}

// List returns the user's agents, newest first.
func (s *Service) List(ctx context.Context, userID uint, page, limit int) ([]models.Agent, int64, error) {
	page, limit = clampPage(page, limit)

	var payload agentPage
	err := s.cache.GetOrSetJSON(ctx, cache.AgentListKey(userID, page, limit), cache.AgentListTTL, &payload, func() (interface{}, error) {
		var out agentPage
		if err := s.db.WithContext(ctx).
			Model(&models.Agent{}).
			Where("owner_id = ?", userID).
			Count(&out.Total).Error; err != nil {
			return nil, err
		}
		err := s.db.WithContext(ctx).
			Where("owner_id = ?", userID).
			Order("id DESC").
			Offset((page - 1) * limit).
			Limit(limit).
			Find(&out.Agents).Error
		if err != nil {
			return nil, err
		}
		return &out, nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list agents: %w", err)
	}
	return payload.Agents, payload.Total, nil
}

// Update applies a partial update to the persona or status.
func (s *Service) Update(ctx context.Context, userID, agentID uint, in UpdateInput) (*models.Agent, error) {
	agent, err := s.getForWrite(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, fmt.Errorf("agent name is required")
		}
		if len(name) > maxNameLen {
			return nil, fmt.Errorf("agent name exceeds %d characters", maxNameLen)
		}
		agent.Name = name
	}
	if in.Goal != nil {
		agent.Goal = strings.TrimSpace(*in.Goal)
	}
	if in.Role != nil {
		if !validRoles[*in.Role] {
			return nil, fmt.Errorf("unknown role %q", *in.Role)
		}
		agent.Role = *in.Role
	}
	if in.Guardrails != nil {
		guardrails, err := normalizeGuardrails(*in.Guardrails)
		if err != nil {
			return nil, err
		}
		agent.Guardrails = guardrails
	}
	if in.Temperature != nil {
		if *in.Temperature < 0 || *in.Temperature > 2 {
			return nil, fmt.Errorf("temperature must be between 0 and 2")
		}
		agent.Temperature = *in.Temperature
	}
	if in.Status != nil {
		switch *in.Status {
		case StatusDraft, StatusActive:
			agent.Status = *in.Status
		case StatusArchived:
			return nil, fmt.Errorf("use archive to retire an agent")
		default:
			return nil, fmt.Errorf("unknown status %q", *in.Status)
		}
	}

	if err := s.db.WithContext(ctx).Save(agent).Error; err != nil {
		return nil, fmt.Errorf("failed to update agent: %w", err)
	}
	s.invalidate(ctx, agent)
	return agent, nil
}

// Archive retires the agent: status archived plus soft delete, so runs
// keep their foreign key but the agent disappears from listings.
func (s *Service) Archive(ctx context.Context, userID, agentID uint) error {
	agent, err := s.getForWrite(ctx, userID, agentID)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(agent).Update("status", StatusArchived).Error; err != nil {
			return err
		}
		return tx.Delete(agent).Error
	})
	if err != nil {
		return fmt.Errorf("failed to archive agent: %w", err)
	}
	s.invalidate(ctx, agent)
	logging.S().Infow("Agent archived", "agent_id", agentID, "owner_id", userID)
	return nil
}

// AttachModule adds a module key to the agent's capability list.
func (s *Service) AttachModule(ctx context.Context, userID, agentID uint, key string) (*models.Agent, error) {
	agent, err := s.getForWrite(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}
	if err := s.validateModules([]string{key}); err != nil {
		return nil, err
	}
	if agent.HasModule(key) {
		return agent, nil
	}
	agent.Modules = append(agent.Modules, key)
	if err := s.db.WithContext(ctx).Model(agent).Update("modules", agent.Modules).Error; err != nil {
		return nil, fmt.Errorf("failed to attach module: %w", err)
	}
	s.invalidate(ctx, agent)
	return agent, nil
}

// DetachModule removes a module key from the agent.
func (s *Service) DetachModule(ctx context.Context, userID, agentID uint, key string) (*models.Agent, error) {
	agent, err := s.getForWrite(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}
	if !agent.HasModule(key) {
		return nil, fmt.Errorf("%w: %s", modules.ErrModuleNotAttached, key)
	}
	kept := make([]string, 0, len(agent.Modules))
	for _, m := range agent.Modules {
		if m != key {
			kept = append(kept, m)
		}
	}
	agent.Modules = kept
	if err := s.db.WithContext(ctx).Model(agent).Update("modules", agent.Modules).Error; err != nil {
		return nil, fmt.Errorf("failed to detach module: %w", err)
	}
	s.invalidate(ctx, agent)
	return agent, nil
}

// EnableConnector adds a connector key to the agent.
func (s *Service) EnableConnector(ctx context.Context, userID, agentID uint, key string) (*models.Agent, error) {
	agent, err := s.getForWrite(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}
	if err := s.validateConnectors(ctx, []string{key}); err != nil {
		return nil, err
	}
	if agent.HasConnector(key) {
		return agent, nil
	}
	agent.Connectors = append(agent.Connectors, key)
	if err := s.db.WithContext(ctx).Model(agent).Update("connectors", agent.Connectors).Error; err != nil {
		return nil, fmt.Errorf("failed to enable connector: %w", err)
	}
	s.invalidate(ctx, agent)
	return agent, nil
}

// DisableConnector removes a connector key from the agent.
func (s *Service) DisableConnector(ctx context.Context, userID, agentID uint, key string) (*models.Agent, error) {
	agent, err := s.getForWrite(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}
	if !agent.HasConnector(key) {
		return agent, nil
	}
	kept := make([]string, 0, len(agent.Connectors))
	for _, c := range agent.Connectors {
		if c != key {
			kept = append(kept, c)
		}
	}
	agent.Connectors = kept
	if err := s.db.WithContext(ctx).Model(agent).Update("connectors", agent.Connectors).Error; err != nil {
		return nil, fmt.Errorf("failed to disable connector: %w", err)
	}
	s.invalidate(ctx, agent)
	return agent, nil
}

// Runs returns the agent's run history, newest first.
func (s *Service) Runs(ctx context.Context, userID, agentID uint, page, limit int) ([]models.AgentRun, int64, error) {
	if _, err := s.Get(ctx, userID, agentID); err != nil {
		return nil, 0, err
	}
	page, limit = clampPage(page, limit)

	var total int64
	if err := s.db.WithContext(ctx).
		Model(&models.AgentRun{}).
		Where("agent_id = ?", agentID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}
	var runs []models.AgentRun
	err := s.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("id DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, total, nil
}

// getForWrite loads the agent fresh from the database, skipping the
// read cache so updates never start from a stale row.
func (s *Service) getForWrite(ctx context.Context, userID, agentID uint) (*models.Agent, error) {
	var agent models.Agent
	if err := s.db.WithContext(ctx).First(&agent, agentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	if agent.OwnerID != userID {
		return nil, ErrAgentNotFound
	}
	return &agent, nil
}

func (s *Service) validateModules(keys []string) error {
	for _, key := range keys {
		if _, err := s.registry.Get(key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) validateConnectors(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if _, err := s.catalog.Get(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, agent *models.Agent) {
	if err := s.cache.Delete(ctx, cache.AgentKey(agent.ID)); err != nil {
		logging.S().Warnw("Failed to invalidate agent cache", "agent_id", agent.ID, "error", err)
	}
	s.invalidateLists(ctx, agent.OwnerID)
}

func (s *Service) invalidateLists(ctx context.Context, userID uint) {
	if err := s.cache.DeletePattern(ctx, cache.UserAgentsPattern(userID)); err != nil {
		logging.S().Warnw("Failed to invalidate agent list cache", "owner_id", userID, "error", err)
	}
}

func normalizeGuardrails(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, g := range raw {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		out = append(out, g)
	}
	if len(out) > maxGuardrails {
		return nil, fmt.Errorf("at most %d guardrails are allowed", maxGuardrails)
	}
	return out, nil
}

func dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

func clampPage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return page, limit
}
