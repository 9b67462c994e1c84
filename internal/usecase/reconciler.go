// Package usecase contains application business logic.
package usecase

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/steamwatch/internal/domain"
	"github.com/eliteGoblin/focusd/steamwatch/internal/metrics"
	"github.com/eliteGoblin/focusd/steamwatch/internal/policy"
)

// Reconciler owns the plugin state. Every mutation goes through it, and it
// issues the create/update/delete policy calls that keep each agent's policy
// in line with the authorization decisions and settings.
//
// The state lock is never held across a call into the agent service or the store.
type Reconciler struct {
	mu          sync.Mutex
	state       *domain.PluginState
	configuring map[string]struct{}
	// unconfirmed holds agents whose policy came from persisted state and has
	// not been registered on the agent service since.
	unconfirmed map[string]struct{}

	saveMu sync.Mutex
	store  domain.StateStore
	agents domain.AgentService
	now    func() time.Time
	logger *zap.Logger
}

// NewReconciler creates a reconciler over an empty state.
// store may be nil, in which case nothing is persisted.
func NewReconciler(agents domain.AgentService, store domain.StateStore, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		state:       domain.NewPluginState(),
		configuring: make(map[string]struct{}),
		unconfirmed: make(map[string]struct{}),
		store:       store,
		agents:      agents,
		now:         time.Now,
		logger:      logger,
	}
}

// Load replaces the in-memory state with a copy of state. Loaded policies are
// unconfirmed until registered again through ConfigureAgent or RestorePolicies.
func (r *Reconciler) Load(state *domain.PluginState) {
	if state == nil {
		state = domain.NewPluginState()
	}
	s := state.Clone()
	s.Normalize()
	unconfirmed := make(map[string]struct{}, len(s.Policies))
	for id := range s.Policies {
		unconfirmed[id] = struct{}{}
	}

	r.mu.Lock()
	r.state = s
	r.unconfirmed = unconfirmed
	r.mu.Unlock()
	metrics.SetKnownAgents(len(s.Agents))
}

// Snapshot returns a deep copy of the current state.
func (r *Reconciler) Snapshot() *domain.PluginState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

// ConfigureAgent records the agent and, when it has no policy yet, registers
// a blocked policy for the Steam process family on it. A policy restored from
// persisted state is registered again as stored.
func (r *Reconciler) ConfigureAgent(ctx context.Context, agent domain.Agent) error {
	now := r.now()

	r.mu.Lock()
	existing, hasPolicy := r.state.Policies[agent.ID]
	_, unconfirmed := r.unconfirmed[agent.ID]
	_, busy := r.configuring[agent.ID]
	settings := r.state.Settings
	register := (!hasPolicy || unconfirmed) && !busy
	if register {
		r.configuring[agent.ID] = struct{}{}
	}
	r.mu.Unlock()

	var callErr error
	if register {
		p := existing
		if !hasPolicy {
			p = policy.Build(agent.Platform, settings, now)
		}
		err := r.agents.CreatePolicy(ctx, agent.ID, p)
		metrics.PolicyCall("create", err)

		r.mu.Lock()
		delete(r.configuring, agent.ID)
		if err == nil {
			delete(r.unconfirmed, agent.ID)
			if !hasPolicy {
				r.state.Policies[agent.ID] = p
			}
		}
		r.mu.Unlock()

		if err != nil {
			callErr = &domain.ExternalCallError{Op: "createPolicy", AgentID: agent.ID, Err: err}
			r.logger.Warn("failed to create policy",
				zap.String("agent", agent.ID),
				zap.Error(err))
		} else {
			r.logger.Info("policy created",
				zap.String("agent", agent.ID),
				zap.String("platform", string(agent.Platform)),
				zap.String("process", p.ProcessName),
				zap.Bool("restored", hasPolicy))
		}
	}

	r.mu.Lock()
	r.recordAgentLocked(agent)
	r.state.LastSync = now
	n := len(r.state.Agents)
	r.mu.Unlock()
	metrics.SetKnownAgents(n)

	if err := r.persist(); err != nil {
		return err
	}
	return callErr
}

// RefreshAgent updates the cached projection of a live agent record.
// Link annotations are kept.
func (r *Reconciler) RefreshAgent(agent domain.Agent) {
	r.mu.Lock()
	r.recordAgentLocked(agent)
	r.mu.Unlock()
}

// recordAgentLocked merges live fields into the cached agent, keeping local link state.
func (r *Reconciler) recordAgentLocked(live domain.Agent) {
	cached, ok := r.state.Agents[live.ID]
	if !ok {
		cached = domain.Agent{ID: live.ID}
	}
	cached.Hostname = live.Hostname
	cached.Platform = domain.ParsePlatform(string(live.Platform))
	cached.Online = live.Online
	r.state.Agents[live.ID] = cached
}

// ApplyAuthorization moves a linked agent's policy to allowed or blocked
// according to state. Unlinked agents are left untouched.
func (r *Reconciler) ApplyAuthorization(ctx context.Context, agentID string, state domain.AuthState) error {
	r.mu.Lock()
	agent, known := r.state.Agents[agentID]
	current, hasPolicy := r.state.Policies[agentID]
	r.mu.Unlock()

	if !known {
		return &domain.NotFoundError{What: "agent", Key: agentID}
	}
	if !hasPolicy {
		return &domain.NotFoundError{What: "policy", Key: agentID}
	}
	if !agent.Linked() {
		r.logger.Debug("ignoring authorization update for unlinked agent", zap.String("agent", agentID))
		return nil
	}

	allowed := state.Permits()
	err := r.agents.UpdatePolicy(ctx, agentID, domain.PolicyPatch{Allowed: &allowed})
	metrics.PolicyCall("update", err)
	if err != nil {
		r.logger.Warn("failed to update policy",
			zap.String("agent", agentID),
			zap.Bool("allowed", allowed),
			zap.Error(err))
		return &domain.ExternalCallError{Op: "updatePolicy", AgentID: agentID, Err: err}
	}

	r.mu.Lock()
	if p, ok := r.state.Policies[agentID]; ok {
		p.Allowed = allowed
		r.state.Policies[agentID] = p
	}
	r.mu.Unlock()

	if current.Allowed != allowed {
		metrics.AuthTransition(allowed)
		r.logger.Info("policy state changed",
			zap.String("agent", agentID),
			zap.String("subject", agent.ChildID),
			zap.Bool("allowed", allowed),
			zap.Bool("paused", state.Paused),
			zap.Int64("remaining_quota", state.RemainingQuota))
	}
	return r.persist()
}

// RemoveAgent deletes the agent's policy on the agent service and forgets the agent.
// The local records are discarded even when the delete call fails.
func (r *Reconciler) RemoveAgent(ctx context.Context, agentID string) error {
	r.mu.Lock()
	p, hasPolicy := r.state.Policies[agentID]
	delete(r.state.Policies, agentID)
	delete(r.state.Agents, agentID)
	delete(r.unconfirmed, agentID)
	n := len(r.state.Agents)
	r.mu.Unlock()
	metrics.SetKnownAgents(n)

	var callErr error
	if hasPolicy {
		if err := r.deletePolicy(ctx, agentID, p); err != nil {
			callErr = err
		}
	}
	if err := r.persist(); err != nil {
		return err
	}
	return callErr
}

// Unload deletes every registered policy, best effort, and discards them.
func (r *Reconciler) Unload(ctx context.Context) error {
	r.mu.Lock()
	policies := make(map[string]domain.Policy, len(r.state.Policies))
	for id, p := range r.state.Policies {
		policies[id] = p
	}
	r.state.Policies = make(map[string]domain.Policy)
	r.unconfirmed = make(map[string]struct{})
	r.mu.Unlock()

	for _, id := range sortedKeys(policies) {
		_ = r.deletePolicy(ctx, id, policies[id])
	}
	return r.persist()
}

// RestorePolicies registers every unconfirmed policy on the agent service
// again. Agent services may have lost them while the plugin was down without
// unloading; creating a policy that is still registered replaces it. Failed
// policies stay unconfirmed and are retried on the next call. It returns the
// number of policies restored.
func (r *Reconciler) RestorePolicies(ctx context.Context) int {
	r.mu.Lock()
	pending := make(map[string]domain.Policy, len(r.unconfirmed))
	for id := range r.unconfirmed {
		if _, busy := r.configuring[id]; busy {
			continue
		}
		if p, ok := r.state.Policies[id]; ok {
			pending[id] = p
		}
	}
	r.mu.Unlock()

	restored := 0
	for _, id := range sortedKeys(pending) {
		err := r.agents.CreatePolicy(ctx, id, pending[id])
		metrics.PolicyCall("create", err)
		if err != nil {
			r.logger.Warn("failed to restore policy, will retry",
				zap.String("agent", id),
				zap.Error(err))
			continue
		}
		r.mu.Lock()
		delete(r.unconfirmed, id)
		r.mu.Unlock()
		restored++
	}

	if len(pending) > 0 {
		r.logger.Info("policies restored",
			zap.Int("restored", restored),
			zap.Int("pending", len(pending)-restored))
	}
	return restored
}

func (r *Reconciler) deletePolicy(ctx context.Context, agentID string, p domain.Policy) error {
	err := r.agents.DeletePolicy(ctx, agentID, p.ProcessName)
	metrics.PolicyCall("delete", err)
	if err != nil {
		r.logger.Warn("failed to delete policy",
			zap.String("agent", agentID),
			zap.Error(err))
		return &domain.ExternalCallError{Op: "deletePolicy", AgentID: agentID, Err: err}
	}
	r.logger.Info("policy deleted", zap.String("agent", agentID))
	return nil
}

// LinkAgent links the agent to a subject and enables it. The authorization
// check is not re-run; the next state change for the subject applies.
// An agent not yet known locally is fetched from the agent service.
func (r *Reconciler) LinkAgent(ctx context.Context, agentID, childID string) error {
	r.mu.Lock()
	_, known := r.state.Agents[agentID]
	r.mu.Unlock()

	if !known {
		live, err := r.agents.GetAgent(ctx, agentID)
		if err != nil {
			return &domain.ExternalCallError{Op: "getAgent", AgentID: agentID, Err: err}
		}
		if live == nil {
			return &domain.NotFoundError{What: "agent", Key: agentID}
		}
		r.RefreshAgent(*live)
	}

	r.mu.Lock()
	a := r.state.Agents[agentID]
	a.ChildID = childID
	a.Enabled = true
	r.state.Agents[agentID] = a
	r.mu.Unlock()

	r.logger.Info("agent linked",
		zap.String("agent", agentID),
		zap.String("subject", childID))
	return r.persist()
}

// UnlinkAgent clears the agent's subject and disables it. The policy stays
// registered but stops receiving authorization updates. Unlinking an already
// unlinked agent succeeds.
func (r *Reconciler) UnlinkAgent(agentID string) error {
	r.mu.Lock()
	a, known := r.state.Agents[agentID]
	if !known {
		r.mu.Unlock()
		return &domain.NotFoundError{What: "agent", Key: agentID}
	}
	a.ChildID = ""
	a.Enabled = false
	r.state.Agents[agentID] = a
	r.mu.Unlock()

	r.logger.Info("agent unlinked", zap.String("agent", agentID))
	return r.persist()
}

// UpdateSettings applies patch and persists the result. A change to the check
// interval or kill-on-violation is pushed to every registered policy, one
// update call per agent; failures are logged and skipped. The allowed state
// is never changed here.
func (r *Reconciler) UpdateSettings(ctx context.Context, patch domain.SettingsPatch) (domain.Settings, error) {
	if patch.CheckInterval != nil {
		interval := time.Duration(*patch.CheckInterval) * time.Millisecond
		if interval < domain.MinCheckInterval {
			return domain.Settings{}, &domain.ValidationError{Field: "checkInterval", Reason: "must be at least 1000 ms"}
		}
	}

	r.mu.Lock()
	old := r.state.Settings
	next := old
	if patch.CheckInterval != nil {
		next.CheckInterval = time.Duration(*patch.CheckInterval) * time.Millisecond
	}
	if patch.KillOnViolation != nil {
		next.KillOnViolation = *patch.KillOnViolation
	}
	if patch.NotifyParent != nil {
		next.NotifyParent = *patch.NotifyParent
	}
	r.state.Settings = next
	ids := sortedKeys(r.state.Policies)
	r.mu.Unlock()

	if err := r.persist(); err != nil {
		return next, err
	}

	var pp domain.PolicyPatch
	if next.CheckInterval != old.CheckInterval {
		interval := next.CheckInterval
		pp.CheckInterval = &interval
	}
	if next.KillOnViolation != old.KillOnViolation {
		action := next.ViolationAction()
		pp.OnViolation = &action
	}
	if pp.CheckInterval == nil && pp.OnViolation == nil {
		return next, nil
	}

	updated := 0
	for _, id := range ids {
		err := r.agents.UpdatePolicy(ctx, id, pp)
		metrics.PolicyCall("update", err)
		if err != nil {
			r.logger.Warn("failed to propagate settings to policy",
				zap.String("agent", id),
				zap.Error(err))
			continue
		}
		r.mu.Lock()
		if p, ok := r.state.Policies[id]; ok {
			r.state.Policies[id] = pp.Apply(p)
		}
		r.mu.Unlock()
		updated++
	}

	r.logger.Info("settings propagated",
		zap.Duration("check_interval", next.CheckInterval),
		zap.Bool("kill_on_violation", next.KillOnViolation),
		zap.Int("policies_updated", updated),
		zap.Int("policies_total", len(ids)))
	return next, r.persist()
}

// RecordViolation prepends v to the violation log, evicting the oldest
// entries beyond domain.MaxViolations.
func (r *Reconciler) RecordViolation(v domain.Violation) error {
	r.mu.Lock()
	log := make([]domain.Violation, 0, min(len(r.state.Violations)+1, domain.MaxViolations))
	log = append(log, v)
	log = append(log, r.state.Violations...)
	if len(log) > domain.MaxViolations {
		log = log[:domain.MaxViolations]
	}
	r.state.Violations = log
	r.mu.Unlock()

	metrics.ViolationRecorded()
	return r.persist()
}

// ClearViolations empties the violation log.
func (r *Reconciler) ClearViolations() error {
	r.mu.Lock()
	r.state.Violations = make([]domain.Violation, 0)
	r.mu.Unlock()
	return r.persist()
}

// TouchSync marks the agent list as synced now.
func (r *Reconciler) TouchSync() {
	r.mu.Lock()
	r.state.LastSync = r.now()
	r.mu.Unlock()
}

// Violations returns up to limit violations, newest first. limit <= 0 means all.
func (r *Reconciler) Violations(limit int) []domain.Violation {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.state.Violations)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.Violation, n)
	copy(out, r.state.Violations[:n])
	return out
}

// Settings returns the current settings.
func (r *Reconciler) Settings() domain.Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Settings
}

// Agent returns the cached agent record.
func (r *Reconciler) Agent(agentID string) (domain.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.state.Agents[agentID]
	return a, ok
}

// Agents returns all cached agents ordered by ID.
func (r *Reconciler) Agents() []domain.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Agent, 0, len(r.state.Agents))
	for _, id := range sortedKeys(r.state.Agents) {
		out = append(out, r.state.Agents[id])
	}
	return out
}

// Policy returns the agent's registered policy.
func (r *Reconciler) Policy(agentID string) (domain.Policy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.state.Policies[agentID]
	return p, ok
}

// AgentsLinkedTo returns the IDs of agents linked to subjectID, ordered by ID.
func (r *Reconciler) AgentsLinkedTo(subjectID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, id := range sortedKeys(r.state.Agents) {
		if subjectID != "" && r.state.Agents[id].ChildID == subjectID {
			ids = append(ids, id)
		}
	}
	return ids
}

// LastSync returns when the agent list was last synced.
func (r *Reconciler) LastSync() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.LastSync
}

// persist saves a snapshot. Saves are serialized so the store always ends
// with the latest snapshot.
func (r *Reconciler) persist() error {
	if r.store == nil {
		return nil
	}
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	snapshot := r.Snapshot()
	if err := r.store.Save(snapshot); err != nil {
		r.logger.Error("failed to persist plugin state", zap.Error(err))
		return err
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
