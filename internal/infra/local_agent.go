package infra

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/steamwatch/internal/domain"
)

// ScanResult summarizes one enforcement pass.
type ScanResult struct {
	Detected   []domain.ProcessInfo
	KilledPIDs []int
	Errors     []error
	ExecutedAt time.Time
}

// LocalAgent is an agent service for this machine. It holds the policy the
// plugin registers and scans the process table on the policy's interval,
// reporting detections and violations through domain.AgentEvents.
type LocalAgent struct {
	mu     sync.Mutex
	self   domain.Agent
	policy *domain.Policy
	reset  chan struct{}

	processManager domain.ProcessManager
	events         domain.AgentEvents
	quota          domain.QuotaChecker
	now            func() time.Time
	logger         *zap.Logger
}

// NewLocalAgent creates the local agent. The hostname and platform come from the OS.
func NewLocalAgent(agentID string, pm domain.ProcessManager, logger *zap.Logger) *LocalAgent {
	hostname, _ := os.Hostname()
	return &LocalAgent{
		self: domain.Agent{
			ID:       agentID,
			Hostname: hostname,
			Platform: domain.ParsePlatform(runtime.GOOS),
			Online:   true,
		},
		reset:          make(chan struct{}, 1),
		processManager: pm,
		now:            time.Now,
		logger:         logger,
	}
}

// WithEvents sets the sink for discovery, detection and violation events.
func (a *LocalAgent) WithEvents(events domain.AgentEvents) *LocalAgent {
	a.events = events
	return a
}

// WithQuotaChecker sets the checker asked on check-quota detections.
func (a *LocalAgent) WithQuotaChecker(q domain.QuotaChecker) *LocalAgent {
	a.quota = q
	return a
}

// WithPlatform overrides the reported platform (for testing).
func (a *LocalAgent) WithPlatform(p domain.Platform) *LocalAgent {
	a.self.Platform = p
	return a
}

// ID returns the local agent's id.
func (a *LocalAgent) ID() string {
	return a.self.ID
}

// ListAgents returns the local machine as the only agent.
func (a *LocalAgent) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	return []domain.Agent{a.self}, nil
}

// GetAgent returns the local agent record.
func (a *LocalAgent) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	if agentID != a.self.ID {
		return nil, &domain.NotFoundError{What: "agent", Key: agentID}
	}
	self := a.self
	return &self, nil
}

// CreatePolicy registers the policy, replacing any previous one.
func (a *LocalAgent) CreatePolicy(ctx context.Context, agentID string, p domain.Policy) error {
	if agentID != a.self.ID {
		return &domain.NotFoundError{What: "agent", Key: agentID}
	}
	a.mu.Lock()
	a.policy = &p
	a.mu.Unlock()
	a.signalReset()

	a.logger.Info("local policy registered",
		zap.String("process", p.ProcessName),
		zap.Duration("interval", p.CheckInterval))
	return nil
}

// UpdatePolicy applies patch to the registered policy.
func (a *LocalAgent) UpdatePolicy(ctx context.Context, agentID string, patch domain.PolicyPatch) error {
	if agentID != a.self.ID {
		return &domain.NotFoundError{What: "agent", Key: agentID}
	}
	a.mu.Lock()
	if a.policy == nil {
		a.mu.Unlock()
		return &domain.NotFoundError{What: "policy", Key: agentID}
	}
	updated := patch.Apply(*a.policy)
	a.policy = &updated
	a.mu.Unlock()

	if patch.CheckInterval != nil {
		a.signalReset()
	}
	return nil
}

// DeletePolicy removes the policy keyed by its main process name.
func (a *LocalAgent) DeletePolicy(ctx context.Context, agentID, processName string) error {
	if agentID != a.self.ID {
		return &domain.NotFoundError{What: "agent", Key: agentID}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.policy == nil || a.policy.ProcessName != processName {
		return &domain.NotFoundError{What: "policy", Key: processName}
	}
	a.policy = nil
	return nil
}

// Policy returns a copy of the registered policy.
func (a *LocalAgent) Policy() (domain.Policy, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.policy == nil {
		return domain.Policy{}, false
	}
	return *a.policy, true
}

// Run announces the agent and scans until ctx is canceled.
// This blocks until context is canceled.
func (a *LocalAgent) Run(ctx context.Context) error {
	if a.events != nil {
		a.events.AgentDiscovered(a.self)
	}
	a.logger.Info("local agent started",
		zap.String("agent", a.self.ID),
		zap.String("platform", string(a.self.Platform)))

	ticker := time.NewTicker(a.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("local agent stopping")
			return ctx.Err()

		case <-a.reset:
			ticker.Reset(a.interval())

		case <-ticker.C:
			a.runScan(ctx)
		}
	}
}

func (a *LocalAgent) runScan(ctx context.Context) {
	result := a.Scan(ctx)
	if len(result.KilledPIDs) > 0 || len(result.Errors) > 0 {
		a.logger.Info("scan completed",
			zap.Int("detected", len(result.Detected)),
			zap.Int("processes_killed", len(result.KilledPIDs)),
			zap.Int("errors", len(result.Errors)))
	}
}

// Scan runs one enforcement pass against the registered policy.
// Every matching process is reported as detected. When the policy is blocked
// each match is also a violation, killed if the on-violation action says so.
func (a *LocalAgent) Scan(ctx context.Context) ScanResult {
	now := a.now()
	result := ScanResult{ExecutedAt: now}

	p, ok := a.Policy()
	if !ok {
		return result
	}

	seen := make(map[int]bool)
	for _, pattern := range p.ProcessNames() {
		procs, err := a.processManager.FindByName(pattern)
		if err != nil {
			a.logger.Warn("failed to find processes",
				zap.String("pattern", pattern),
				zap.Error(err))
			result.Errors = append(result.Errors, err)
			continue
		}
		for _, proc := range procs {
			if seen[proc.PID] {
				continue
			}
			seen[proc.PID] = true
			result.Detected = append(result.Detected, proc)
		}
	}

	if len(result.Detected) == 0 {
		return result
	}

	for _, proc := range result.Detected {
		if a.events != nil {
			a.events.ProcessDetected(domain.Detection{AgentID: a.self.ID, ProcessName: proc.Name, Timestamp: now})
		}
	}

	if p.Actions.OnDetected == domain.ActionCheckQuota && a.quota != nil {
		if err := a.quota.CheckQuota(ctx, a.self.ID); err != nil {
			a.logger.Warn("quota check failed", zap.Error(err))
			result.Errors = append(result.Errors, err)
		}
	}

	if p.Allowed {
		return result
	}

	for _, proc := range result.Detected {
		if a.events != nil {
			a.events.Violation(domain.Violation{
				AgentID:     a.self.ID,
				Hostname:    a.self.Hostname,
				ProcessName: proc.Name,
				Timestamp:   now,
			})
		}
		if p.Actions.OnViolation != domain.ActionKillProcess {
			continue
		}
		if err := a.processManager.Kill(proc.PID); err != nil {
			a.logger.Warn("failed to kill process",
				zap.Int("pid", proc.PID),
				zap.Error(err))
			result.Errors = append(result.Errors, err)
			continue
		}
		a.logger.Info("killed process",
			zap.Int("pid", proc.PID),
			zap.String("name", proc.Name))
		result.KilledPIDs = append(result.KilledPIDs, proc.PID)
	}

	return result
}

func (a *LocalAgent) interval() time.Duration {
	p, ok := a.Policy()
	if !ok || p.CheckInterval < domain.MinCheckInterval {
		return domain.DefaultCheckInterval
	}
	return p.CheckInterval
}

func (a *LocalAgent) signalReset() {
	select {
	case a.reset <- struct{}{}:
	default:
	}
}

// Ensure LocalAgent implements domain.AgentService.
var _ domain.AgentService = (*LocalAgent)(nil)
