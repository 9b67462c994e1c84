package infra

import (
	"context"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/steamwatch/internal/domain"
)

// connectionState is implemented by remote services that hold a connection,
// such as the hub client.
type connectionState interface {
	Connected() bool
}

// AgentMux combines the local agent with a remote agent service. Calls for
// the local agent's id go to the local agent; everything else goes remote.
type AgentMux struct {
	local  *LocalAgent
	remote domain.AgentService
	logger *zap.Logger
}

// NewAgentMux creates a mux. Either side may be nil.
func NewAgentMux(local *LocalAgent, remote domain.AgentService, logger *zap.Logger) *AgentMux {
	return &AgentMux{local: local, remote: remote, logger: logger}
}

// ListAgents returns the local agent followed by the remote ones. When the
// remote listing fails and a local agent exists, the local agent alone is
// returned and the failure is logged. A disconnected remote is not asked.
func (m *AgentMux) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	var out []domain.Agent
	if m.local != nil {
		local, _ := m.local.ListAgents(ctx)
		out = append(out, local...)
	}
	if m.remote == nil {
		return out, nil
	}
	if cs, ok := m.remote.(connectionState); ok && !cs.Connected() && m.local != nil {
		m.logger.Debug("remote agent service disconnected, listing local agent only")
		return out, nil
	}

	remote, err := m.remote.ListAgents(ctx)
	if err != nil {
		if m.local == nil {
			return nil, err
		}
		m.logger.Warn("remote agent listing failed, using local agent only", zap.Error(err))
		return out, nil
	}
	for _, a := range remote {
		if m.isLocal(a.ID) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (m *AgentMux) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	svc, err := m.route(agentID)
	if err != nil {
		return nil, err
	}
	return svc.GetAgent(ctx, agentID)
}

func (m *AgentMux) CreatePolicy(ctx context.Context, agentID string, p domain.Policy) error {
	svc, err := m.route(agentID)
	if err != nil {
		return err
	}
	return svc.CreatePolicy(ctx, agentID, p)
}

func (m *AgentMux) UpdatePolicy(ctx context.Context, agentID string, patch domain.PolicyPatch) error {
	svc, err := m.route(agentID)
	if err != nil {
		return err
	}
	return svc.UpdatePolicy(ctx, agentID, patch)
}

func (m *AgentMux) DeletePolicy(ctx context.Context, agentID, processName string) error {
	svc, err := m.route(agentID)
	if err != nil {
		return err
	}
	return svc.DeletePolicy(ctx, agentID, processName)
}

func (m *AgentMux) isLocal(agentID string) bool {
	return m.local != nil && agentID == m.local.ID()
}

func (m *AgentMux) route(agentID string) (domain.AgentService, error) {
	if m.isLocal(agentID) {
		return m.local, nil
	}
	if m.remote == nil {
		return nil, &domain.NotFoundError{What: "agent", Key: agentID}
	}
	return m.remote, nil
}

// Ensure AgentMux implements domain.AgentService.
var _ domain.AgentService = (*AgentMux)(nil)
