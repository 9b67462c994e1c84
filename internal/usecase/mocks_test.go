package usecase

import (
	"context"
	"errors"
	"sync"

	"github.com/eliteGoblin/focusd/steamwatch/internal/domain"
)

var errAgentOffline = errors.New("agent offline")

type policyCall struct {
	Op      string
	AgentID string
	Policy  domain.Policy
	Patch   domain.PolicyPatch
	Process string
}

// mockAgentService implements domain.AgentService for testing
type mockAgentService struct {
	mu        sync.Mutex
	agents    map[string]domain.Agent
	listErr   error
	getErr    map[string]error
	createErr map[string]error
	updateErr map[string]error
	deleteErr map[string]error
	calls     []policyCall
}

func newMockAgentService(agents ...domain.Agent) *mockAgentService {
	m := &mockAgentService{agents: make(map[string]domain.Agent)}
	for _, a := range agents {
		m.agents[a.ID] = a
	}
	return m
}

func (m *mockAgentService) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]domain.Agent, 0, len(m.agents))
	for _, id := range sortedKeys(m.agents) {
		out = append(out, m.agents[id])
	}
	return out, nil
}

func (m *mockAgentService) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.getErr[agentID]; err != nil {
		return nil, err
	}
	a, ok := m.agents[agentID]
	if !ok {
		return nil, &domain.NotFoundError{What: "agent", Key: agentID}
	}
	return &a, nil
}

func (m *mockAgentService) CreatePolicy(ctx context.Context, agentID string, p domain.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, policyCall{Op: "create", AgentID: agentID, Policy: p})
	return m.createErr[agentID]
}

func (m *mockAgentService) UpdatePolicy(ctx context.Context, agentID string, patch domain.PolicyPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, policyCall{Op: "update", AgentID: agentID, Patch: patch})
	return m.updateErr[agentID]
}

func (m *mockAgentService) DeletePolicy(ctx context.Context, agentID, processName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, policyCall{Op: "delete", AgentID: agentID, Process: processName})
	return m.deleteErr[agentID]
}

func (m *mockAgentService) callsOf(op string) []policyCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []policyCall
	for _, c := range m.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (m *mockAgentService) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// mockStateStore implements domain.StateStore for testing
type mockStateStore struct {
	mu      sync.Mutex
	saved   *domain.PluginState
	saves   int
	saveErr error
}

func (m *mockStateStore) Load() (*domain.PluginState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		return nil, nil
	}
	return m.saved.Clone(), nil
}

func (m *mockStateStore) Save(state *domain.PluginState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = state.Clone()
	m.saves++
	return nil
}

func (m *mockStateStore) last() *domain.PluginState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved
}

type notification struct {
	Kind    string
	Payload any
}

// mockNotifier implements domain.Notifier for testing
type mockNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (m *mockNotifier) Notify(kind string, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, notification{Kind: kind, Payload: payload})
}

func (m *mockNotifier) ofKind(kind string) []notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []notification
	for _, n := range m.sent {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// mockActivityLog implements domain.ActivityLog for testing
type mockActivityLog struct {
	mu      sync.Mutex
	entries []string
}

func (m *mockActivityLog) Record(kind, message string, fields map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, kind)
}
