package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/steamwatch/internal/domain"
	"github.com/eliteGoblin/focusd/steamwatch/internal/events"
	"github.com/eliteGoblin/focusd/steamwatch/internal/metrics"
	"github.com/eliteGoblin/focusd/steamwatch/internal/policy"
)

// Bridge turns agent and authorization events into reconciler transitions,
// violation records and notifications.
type Bridge struct {
	reconciler *Reconciler
	agents     domain.AgentService
	notifier   domain.Notifier
	activity   domain.ActivityLog
	now        func() time.Time
	logger     *zap.Logger
}

// NewBridge creates an event bridge. notifier and activity may be nil.
func NewBridge(
	r *Reconciler,
	agents domain.AgentService,
	notifier domain.Notifier,
	activity domain.ActivityLog,
	logger *zap.Logger,
) *Bridge {
	return &Bridge{
		reconciler: r,
		agents:     agents,
		notifier:   notifier,
		activity:   activity,
		now:        time.Now,
		logger:     logger,
	}
}

// Subscribe registers the bridge's handlers on bus.
// gate, when non-nil, is consulted before each event; events arriving while it
// returns false are dropped.
func (b *Bridge) Subscribe(bus *events.Bus, gate func() bool) {
	open := func(ev events.Event) bool {
		if gate == nil || gate() {
			return true
		}
		b.logger.Debug("plugin disabled, dropping event", zap.String("kind", string(ev.Kind)))
		return false
	}

	bus.Subscribe(events.KindAgentDiscovered, func(ctx context.Context, ev events.Event) {
		if a, ok := ev.Payload.(domain.Agent); ok && open(ev) {
			b.OnAgentDiscovered(ctx, a)
		}
	})
	bus.Subscribe(events.KindAgentRemoved, func(ctx context.Context, ev events.Event) {
		if id, ok := ev.Payload.(string); ok && open(ev) {
			b.OnAgentRemoved(ctx, id)
		}
	})
	bus.Subscribe(events.KindStateChange, func(ctx context.Context, ev events.Event) {
		if sc, ok := ev.Payload.(events.StateChange); ok && open(ev) {
			b.OnAuthStateChange(ctx, sc.SubjectID, sc.State)
		}
	})
	bus.Subscribe(events.KindViolation, func(ctx context.Context, ev events.Event) {
		if v, ok := ev.Payload.(domain.Violation); ok && open(ev) {
			b.OnViolation(ctx, v)
		}
	})
	bus.Subscribe(events.KindProcessDetected, func(ctx context.Context, ev events.Event) {
		if d, ok := ev.Payload.(domain.Detection); ok && open(ev) {
			b.OnProcessDetected(ctx, d)
		}
	})
}

// OnAgentDiscovered configures a newly seen agent.
func (b *Bridge) OnAgentDiscovered(ctx context.Context, agent domain.Agent) {
	b.logger.Debug("agent discovered",
		zap.String("agent", agent.ID),
		zap.String("hostname", agent.Hostname))
	if err := b.reconciler.ConfigureAgent(ctx, agent); err != nil {
		b.logger.Warn("failed to configure discovered agent",
			zap.String("agent", agent.ID),
			zap.Error(err))
	}
}

// OnAgentRemoved deletes the policy of an agent that left and forgets it.
func (b *Bridge) OnAgentRemoved(ctx context.Context, agentID string) {
	if _, known := b.reconciler.Agent(agentID); !known {
		b.logger.Debug("ignoring removal of unknown agent", zap.String("agent", agentID))
		return
	}
	if err := b.reconciler.RemoveAgent(ctx, agentID); err != nil {
		b.logger.Warn("failed to remove agent",
			zap.String("agent", agentID),
			zap.Error(err))
		return
	}
	b.logger.Info("agent removed", zap.String("agent", agentID))
}

// OnAuthStateChange re-evaluates every agent linked to the subject.
// A failure on one agent does not stop the others.
func (b *Bridge) OnAuthStateChange(ctx context.Context, subjectID string, state domain.AuthState) {
	ids := b.reconciler.AgentsLinkedTo(subjectID)
	if len(ids) == 0 {
		b.logger.Debug("no agents linked to subject", zap.String("subject", subjectID))
		return
	}

	for _, id := range ids {
		live, err := b.agents.GetAgent(ctx, id)
		if err != nil || live == nil {
			b.logger.Warn("failed to fetch agent, skipping",
				zap.String("agent", id),
				zap.Error(err))
			continue
		}
		b.reconciler.RefreshAgent(*live)

		if err := b.reconciler.ApplyAuthorization(ctx, id, state); err != nil {
			b.logger.Warn("failed to apply authorization",
				zap.String("agent", id),
				zap.String("subject", subjectID),
				zap.Error(err))
		}
	}
}

// OnViolation records Steam violations and notifies the parent when enabled.
// Violations for other processes are ignored.
func (b *Bridge) OnViolation(ctx context.Context, v domain.Violation) {
	if !policy.MatchesTarget(v.ProcessName) {
		b.logger.Debug("ignoring violation for unrelated process", zap.String("process", v.ProcessName))
		return
	}
	if v.Timestamp.IsZero() {
		v.Timestamp = b.now()
	}
	if v.Hostname == "" {
		if a, ok := b.reconciler.Agent(v.AgentID); ok {
			v.Hostname = a.Hostname
		}
	}

	if err := b.reconciler.RecordViolation(v); err != nil {
		b.logger.Warn("violation recorded but not persisted", zap.Error(err))
	}
	b.logger.Info("steam violation",
		zap.String("agent", v.AgentID),
		zap.String("hostname", v.Hostname),
		zap.String("process", v.ProcessName))

	if b.reconciler.Settings().NotifyParent {
		b.notify(domain.NotifySteamViolation, v)
	}
	if b.activity != nil {
		b.activity.Record("steam_violation", "Steam launched while blocked on "+v.Hostname, map[string]string{
			"agentId":     v.AgentID,
			"processName": v.ProcessName,
		})
	}
}

// OnProcessDetected forwards Steam detections to the presentation layer.
func (b *Bridge) OnProcessDetected(ctx context.Context, d domain.Detection) {
	if !policy.MatchesTarget(d.ProcessName) {
		return
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = b.now()
	}
	b.notify(domain.NotifySteamDetected, d)
}

func (b *Bridge) notify(kind string, payload any) {
	if b.notifier == nil {
		return
	}
	b.notifier.Notify(kind, payload)
	metrics.NotificationForwarded(kind)
}
