package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"agentry/internal/logging"
	"agentry/internal/secrets"
	"agentry/pkg/models"
)

// ErrServerNotFound is returned when a registered server does not
// exist or belongs to another user.
var ErrServerNotFound = errors.New("mcp server not found")

// Server registration statuses.
const (
	StatusUnknown     = "unknown"
	StatusReachable   = "reachable"
	StatusUnreachable = "unreachable"
)

const maxServerNameLen = 100

// Service manages tenant-registered external MCP servers: encrypted
// credentials at rest, live connections through the Manager.
type Service struct {
	db      *gorm.DB
	secrets *secrets.Manager
	manager *Manager
}

// NewService wires the registry.
func NewService(db *gorm.DB, sec *secrets.Manager, manager *Manager) *Service {
	return &Service{db: db, secrets: sec, manager: manager}
}

// RegisterInput describes a new external server registration.
type RegisterInput struct {
	Name     string `json:"name" binding:"required"`
	URL      string `json:"url" binding:"required"`
	AuthKind string `json:"auth_kind"`
	Token    string `json:"token"`
}

// Register stores a new external MCP server. The token, when present,
// is sealed before it touches the database.
func (s *Service) Register(ctx context.Context, ownerID uint, input RegisterInput) (*models.MCPServer, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, fmt.Errorf("server name is required")
	}
	if len(name) > maxServerNameLen {
		return nil, fmt.Errorf("server name must be at most %d characters", maxServerNameLen)
	}

	url := strings.TrimSpace(input.URL)
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return nil, fmt.Errorf("server URL must use ws:// or wss://")
	}

	authKind := input.AuthKind
	if authKind == "" {
		authKind = AuthNone
	}
	switch authKind {
	case AuthNone, AuthBearer, AuthAPIKey:
	default:
		return nil, fmt.Errorf("unknown auth kind %q", authKind)
	}

	var ciphertext string
	if authKind != AuthNone {
		if input.Token == "" {
			return nil, fmt.Errorf("a token is required for %s auth", authKind)
		}
		sealed, err := s.secrets.Seal(ownerID, input.Token)
		if err != nil {
			return nil, fmt.Errorf("failed to seal token: %w", err)
		}
		ciphertext = sealed
	}

	server := &models.MCPServer{
		OwnerID:        ownerID,
		Name:           name,
		URL:            url,
		AuthKind:       authKind,
		AuthCiphertext: ciphertext,
		Status:         StatusUnknown,
	}
	if err := s.db.WithContext(ctx).Create(server).Error; err != nil {
		return nil, fmt.Errorf("failed to register server: %w", err)
	}

	logging.S().Infow("External MCP server registered",
		"server_id", server.ID, "owner_id", ownerID, "url", url)
	return server, nil
}

// List returns the owner's registered servers, newest first.
func (s *Service) List(ctx context.Context, ownerID uint) ([]models.MCPServer, error) {
	var list []models.MCPServer
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("id DESC").
		Find(&list).Error
	return list, err
}

// Get loads one registration scoped to its owner.
func (s *Service) Get(ctx context.Context, ownerID, serverID uint) (*models.MCPServer, error) {
	var server models.MCPServer
	err := s.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", serverID, ownerID).
		First(&server).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrServerNotFound
		}
		return nil, err
	}
	return &server, nil
}

// Delete drops the live connection and soft-deletes the registration.
func (s *Service) Delete(ctx context.Context, ownerID, serverID uint) error {
	server, err := s.Get(ctx, ownerID, serverID)
	if err != nil {
		return err
	}
	s.manager.Disconnect(server.ID)
	if err := s.db.WithContext(ctx).Delete(server).Error; err != nil {
		return fmt.Errorf("failed to delete server: %w", err)
	}
	logging.S().Infow("External MCP server removed",
		"server_id", server.ID, "owner_id", ownerID)
	return nil
}

// Tools connects to the server if needed and lists its tools. The
// registration's status tracks the outcome.
func (s *Service) Tools(ctx context.Context, ownerID, serverID uint) ([]Tool, error) {
	server, err := s.Get(ctx, ownerID, serverID)
	if err != nil {
		return nil, err
	}

	conn, err := s.connect(ctx, server)
	if err != nil {
		s.markStatus(ctx, server, StatusUnreachable)
		return nil, err
	}

	tools, err := conn.ListTools(ctx)
	if err != nil {
		s.markStatus(ctx, server, StatusUnreachable)
		return nil, err
	}
	s.markStatus(ctx, server, StatusReachable)
	return tools, nil
}

// CallTool proxies one tool invocation to the registered server.
func (s *Service) CallTool(ctx context.Context, ownerID, serverID uint, tool string, arguments map[string]interface{}) (*ToolCallResult, error) {
	server, err := s.Get(ctx, ownerID, serverID)
	if err != nil {
		return nil, err
	}

	conn, err := s.connect(ctx, server)
	if err != nil {
		s.markStatus(ctx, server, StatusUnreachable)
		return nil, err
	}

	result, err := conn.CallTool(ctx, tool, arguments)
	if err != nil {
		return nil, err
	}
	s.markStatus(ctx, server, StatusReachable)
	return result, nil
}

func (s *Service) connect(ctx context.Context, server *models.MCPServer) (*Conn, error) {
	if conn, ok := s.manager.Get(server.ID); ok {
		return conn, nil
	}

	var token string
	if server.AuthKind != AuthNone && server.AuthCiphertext != "" {
		opened, err := s.secrets.Open(server.OwnerID, server.AuthCiphertext)
		if err != nil {
			return nil, fmt.Errorf("failed to open server token: %w", err)
		}
		token = opened
	}

	return s.manager.Connect(ctx, server.ID, server.Name, server.URL, AuthHeader(server.AuthKind, token))
}

func (s *Service) markStatus(ctx context.Context, server *models.MCPServer, status string) {
	updates := map[string]interface{}{"status": status}
	if status == StatusReachable {
		now := time.Now()
		updates["last_seen_at"] = &now
	}
	if err := s.db.WithContext(ctx).Model(server).UpdateColumns(updates).Error; err != nil {
		logging.S().Warnw("Failed to update MCP server status",
			"server_id", server.ID, "status", status, "error", err)
	}
}
