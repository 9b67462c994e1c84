package usecase

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/steamwatch/internal/domain"
)

// recentViolations is how many violations GetStatus includes.
const recentViolations = 10

// Request payloads.
type (
	LinkAgentRequest struct {
		AgentID string `json:"agentId" validate:"required"`
		ChildID string `json:"childId" validate:"required"`
	}

	UnlinkAgentRequest struct {
		AgentID string `json:"agentId" validate:"required"`
	}

	GetViolationsRequest struct {
		Limit int `json:"limit" validate:"min=0"`
	}

	UpdateSettingsRequest struct {
		Settings *domain.SettingsPatch `json:"settings" validate:"required"`
	}
)

// Response payloads.
type (
	AgentsResult struct {
		Agents []domain.Agent `json:"agents"`
	}

	SuccessResult struct {
		Success bool `json:"success"`
	}

	ViolationsResult struct {
		Violations []domain.Violation `json:"violations"`
	}

	SettingsResult struct {
		Settings domain.Settings `json:"settings"`
	}

	StatusResult struct {
		AgentCount        int                `json:"agentCount"`
		ActiveAgents      int                `json:"activeAgents"`
		MonitoredChildren int                `json:"monitoredChildren"`
		RecentViolations  []domain.Violation `json:"recentViolations"`
		Settings          domain.Settings    `json:"settings"`
		LastSync          time.Time          `json:"lastSync"`
	}
)

// Handlers serves the plugin's named requests.
type Handlers struct {
	reconciler *Reconciler
	agents     domain.AgentService
	validate   *validator.Validate
	logger     *zap.Logger
}

// NewHandlers creates the request handlers.
func NewHandlers(r *Reconciler, agents domain.AgentService, logger *zap.Logger) *Handlers {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handlers{
		reconciler: r,
		agents:     agents,
		validate:   v,
		logger:     logger,
	}
}

// GetAgents merges the live agent list with local link annotations.
// Agents without a policy are configured on the way.
func (h *Handlers) GetAgents(ctx context.Context) (*AgentsResult, error) {
	live, err := h.agents.ListAgents(ctx)
	if err != nil {
		return nil, &domain.ExternalCallError{Op: "listAgents", Err: err}
	}

	out := make([]domain.Agent, 0, len(live))
	for _, a := range live {
		if err := h.reconciler.ConfigureAgent(ctx, a); err != nil {
			h.logger.Warn("failed to configure agent",
				zap.String("agent", a.ID),
				zap.Error(err))
		}
		if merged, ok := h.reconciler.Agent(a.ID); ok {
			out = append(out, merged)
		} else {
			out = append(out, a)
		}
	}
	h.reconciler.TouchSync()
	return &AgentsResult{Agents: out}, nil
}

func (h *Handlers) LinkAgent(ctx context.Context, req LinkAgentRequest) (*SuccessResult, error) {
	if err := h.check(req); err != nil {
		return nil, err
	}
	if err := h.reconciler.LinkAgent(ctx, req.AgentID, req.ChildID); err != nil {
		return nil, err
	}
	return &SuccessResult{Success: true}, nil
}

func (h *Handlers) UnlinkAgent(ctx context.Context, req UnlinkAgentRequest) (*SuccessResult, error) {
	if err := h.check(req); err != nil {
		return nil, err
	}
	if err := h.reconciler.UnlinkAgent(req.AgentID); err != nil {
		return nil, err
	}
	return &SuccessResult{Success: true}, nil
}

// GetViolations returns the newest violations first. A zero limit returns all.
func (h *Handlers) GetViolations(ctx context.Context, req GetViolationsRequest) (*ViolationsResult, error) {
	if err := h.check(req); err != nil {
		return nil, err
	}
	return &ViolationsResult{Violations: h.reconciler.Violations(req.Limit)}, nil
}

func (h *Handlers) ClearViolations(ctx context.Context) (*SuccessResult, error) {
	if err := h.reconciler.ClearViolations(); err != nil {
		return nil, err
	}
	return &SuccessResult{Success: true}, nil
}

func (h *Handlers) GetSettings(ctx context.Context) (*SettingsResult, error) {
	return &SettingsResult{Settings: h.reconciler.Settings()}, nil
}

func (h *Handlers) UpdateSettings(ctx context.Context, req UpdateSettingsRequest) (*SuccessResult, error) {
	if err := h.check(req); err != nil {
		return nil, err
	}
	if _, err := h.reconciler.UpdateSettings(ctx, *req.Settings); err != nil {
		return nil, err
	}
	return &SuccessResult{Success: true}, nil
}

// GetStatus summarizes agents, linked subjects and recent violations.
// activeAgents counts enabled (linked) agents.
func (h *Handlers) GetStatus(ctx context.Context) (*StatusResult, error) {
	agents := h.reconciler.Agents()
	active := 0
	children := make(map[string]struct{})
	for _, a := range agents {
		if a.Enabled {
			active++
		}
		if a.Linked() {
			children[a.ChildID] = struct{}{}
		}
	}
	return &StatusResult{
		AgentCount:        len(agents),
		ActiveAgents:      active,
		MonitoredChildren: len(children),
		RecentViolations:  h.reconciler.Violations(recentViolations),
		Settings:          h.reconciler.Settings(),
		LastSync:          h.reconciler.LastSync(),
	}, nil
}

// check validates a request struct, reporting the first failing field.
func (h *Handlers) check(req any) error {
	err := h.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &domain.ValidationError{Field: fe.Field(), Reason: describeTag(fe)}
	}
	return &domain.ValidationError{Reason: err.Error()}
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}
