package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"agentry/internal/ai"
	"agentry/internal/logging"
	"agentry/internal/metrics"
	"agentry/internal/modules"
	"agentry/pkg/models"
)

// Run output rows are stored truncated; the full payload is returned
// to the caller only.
const maxStoredOutputBytes = 16 << 10

// GuardrailError reports the guardrail that blocked a run.
type GuardrailError struct {
	AgentID uint
	Term    string
}

func (e *GuardrailError) Error() string {
	return fmt.Sprintf("guardrail %q blocked the run", e.Term)
}

// RunResult is the outcome of a dispatched module run.
type RunResult struct {
	RunID      uint                   `json:"run_id"`
	Status     string                 `json:"status"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Credits    int                    `json:"credits_charged"`
	DurationMs int64                  `json:"duration_ms"`
}

// Run dispatches one module invocation through an agent. The agent
// must be active and have the module attached; input is screened
// against the agent's guardrails and the owner's plan quota before any
// credits move. Every dispatch that reaches the guardrail check leaves
// an AgentRun row.
func (s *Service) Run(ctx context.Context, userID, agentID uint, moduleKey string, input map[string]interface{}) (*RunResult, error) {
	agent, err := s.getForWrite(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status != StatusActive {
		return nil, fmt.Errorf("%w: status is %s", ErrAgentNotActive, agent.Status)
	}

	encoded, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("input is not serializable: %w", err)
	}

	if term := agent.GuardrailViolation(string(encoded)); term != "" {
		s.recordRun(ctx, agent, moduleKey, &models.AgentRun{
			Status:     models.RunStatusBlocked,
			InputBytes: len(encoded),
			Error:      fmt.Sprintf("guardrail %q matched input", term),
		})
		metrics.RecordGuardrailBlock(moduleKey)
		metrics.RecordAgentRun(moduleKey, models.RunStatusBlocked)
		logging.S().Infow("Run blocked by guardrail",
			"agent_id", agent.ID, "module", moduleKey, "guardrail", term)
		return nil, &GuardrailError{AgentID: agent.ID, Term: term}
	}

	if s.quota != nil {
		if err := s.quota.AllowInvocation(ctx, userID); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	result, err := s.registry.Invoke(ctx, agent, moduleKey, input)
	durationMs := time.Since(start).Milliseconds()

	if err != nil {
		if errors.Is(err, modules.ErrInsufficientCredits) {
			metrics.RecordCreditDenial(moduleKey)
		}
		s.recordRun(ctx, agent, moduleKey, &models.AgentRun{
			Status:     models.RunStatusFailed,
			DurationMs: durationMs,
			InputBytes: len(encoded),
			Error:      truncate(err.Error(), 512),
		})
		metrics.RecordAgentRun(moduleKey, models.RunStatusFailed)
		return nil, err
	}

	outputJSON, marshalErr := json.Marshal(result.Output)
	if marshalErr != nil {
		// Output reaches the caller even when it cannot be archived.
		logging.S().Errorw("Run output is not serializable",
			"agent_id", agent.ID, "module", moduleKey, "error", marshalErr)
		outputJSON = []byte(`{"error":"output not serializable"}`)
	}

	run := s.recordRun(ctx, agent, moduleKey, &models.AgentRun{
		Status:         models.RunStatusSucceeded,
		DurationMs:     durationMs,
		CreditsCharged: result.Credits,
		InputBytes:     len(encoded),
		OutputBytes:    len(outputJSON),
		Output:         truncate(string(outputJSON), maxStoredOutputBytes),
	})
	s.touchAgent(ctx, agent)
	metrics.RecordAgentRun(moduleKey, models.RunStatusSucceeded)

	res := &RunResult{
		Status:     models.RunStatusSucceeded,
		Output:     result.Output,
		Credits:    result.Credits,
		DurationMs: durationMs,
	}
	if run != nil {
		res.RunID = run.ID
	}
	return res, nil
}

// PersonaPreview generates a sample reply in the agent's voice without
// charging credits or recording a run.
func (s *Service) PersonaPreview(ctx context.Context, userID, agentID uint, message string) (string, error) {
	agent, err := s.Get(ctx, userID, agentID)
	if err != nil {
		return "", err
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return "", fmt.Errorf("message is required")
	}
	if s.router == nil || !s.router.HasProviders() {
		return "", fmt.Errorf("no AI providers configured")
	}

	resp, err := s.router.Generate(ctx, &ai.Request{
		System:      personaPrompt(agent),
		Prompt:      message,
		Temperature: float32(agent.Temperature),
		MaxTokens:   512,
		UserID:      userID,
	})
	if err != nil {
		return "", fmt.Errorf("preview generation failed: %w", err)
	}
	return resp.Content, nil
}

func personaPrompt(agent *models.Agent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %q, an AI agent.", agent.Name)
	if agent.Role != "" {
		fmt.Fprintf(&b, " Your role: %s.", agent.Role)
	}
	if agent.Goal != "" {
		fmt.Fprintf(&b, " Your goal: %s.", agent.Goal)
	}
	if len(agent.Guardrails) > 0 {
		fmt.Fprintf(&b, " Never discuss: %s.", strings.Join(agent.Guardrails, ", "))
	}
	return b.String()
}

// recordRun persists the audit row. Failures are logged, never
// propagated; losing an audit row must not fail the run itself.
func (s *Service) recordRun(ctx context.Context, agent *models.Agent, moduleKey string, run *models.AgentRun) *models.AgentRun {
	run.AgentID = agent.ID
	run.UserID = agent.OwnerID
	run.ModuleKey = moduleKey
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		logging.S().Errorw("Failed to record agent run",
			"agent_id", agent.ID, "module", moduleKey, "error", err)
		return nil
	}
	return run
}

// touchAgent bumps run bookkeeping on the agent row.
func (s *Service) touchAgent(ctx context.Context, agent *models.Agent) {
	now := time.Now()
	err := s.db.WithContext(ctx).Model(agent).UpdateColumns(map[string]interface{}{
		"last_run_at": now,
		"run_count":   gorm.Expr("run_count + 1"),
	}).Error
	if err != nil {
		logging.S().Warnw("Failed to update agent run counters", "agent_id", agent.ID, "error", err)
	}
	s.invalidate(ctx, agent)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
