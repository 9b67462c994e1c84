package infra

import (
	"context"
	"strings"
	"sync"

	"github.com/eliteGoblin/focusd/steamwatch/internal/domain"
)

// mockProcessManager is a test double for ProcessManager
type mockProcessManager struct {
	mu         sync.Mutex
	running    []domain.ProcessInfo
	findErr    error
	killErr    error
	killedPIDs []int
}

func newMockProcessManager(procs ...domain.ProcessInfo) *mockProcessManager {
	return &mockProcessManager{running: procs}
}

func (m *mockProcessManager) FindByName(pattern string) ([]domain.ProcessInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	var out []domain.ProcessInfo
	for _, p := range m.running {
		if strings.Contains(strings.ToLower(p.Name), strings.ToLower(pattern)) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockProcessManager) Kill(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.killErr != nil {
		return m.killErr
	}
	m.killedPIDs = append(m.killedPIDs, pid)
	kept := m.running[:0]
	for _, p := range m.running {
		if p.PID != pid {
			kept = append(kept, p)
		}
	}
	m.running = kept
	return nil
}

// recordingEvents is a test double for domain.AgentEvents
type recordingEvents struct {
	mu         sync.Mutex
	discovered []domain.Agent
	violations []domain.Violation
	detections []domain.Detection
}

func (r *recordingEvents) AgentDiscovered(agent domain.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovered = append(r.discovered, agent)
}

func (r *recordingEvents) AgentRemoved(agentID string) {}

func (r *recordingEvents) Violation(v domain.Violation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.violations = append(r.violations, v)
}

func (r *recordingEvents) ProcessDetected(d domain.Detection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detections = append(r.detections, d)
}

func (r *recordingEvents) discoveredCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.discovered)
}

// mockQuotaChecker is a test double for domain.QuotaChecker
type mockQuotaChecker struct {
	calls []string
	err   error
}

func (m *mockQuotaChecker) CheckQuota(ctx context.Context, agentID string) error {
	m.calls = append(m.calls, agentID)
	return m.err
}
