package events

import (
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/steamwatch/internal/domain"
)

// StateChange is the payload of a KindStateChange event.
type StateChange struct {
	SubjectID string
	State     domain.AuthState
}

// Emitter publishes collaborator callbacks onto a Bus.
// It implements domain.AgentEvents and domain.AuthEvents.
type Emitter struct {
	bus    *Bus
	logger *zap.Logger
}

// NewEmitter creates an emitter for bus.
func NewEmitter(bus *Bus, logger *zap.Logger) *Emitter {
	return &Emitter{bus: bus, logger: logger}
}

func (e *Emitter) AgentDiscovered(agent domain.Agent) {
	e.publish(Event{Kind: KindAgentDiscovered, Payload: agent})
}

func (e *Emitter) AgentRemoved(agentID string) {
	e.publish(Event{Kind: KindAgentRemoved, Payload: agentID})
}

func (e *Emitter) Violation(v domain.Violation) {
	e.publish(Event{Kind: KindViolation, Payload: v, At: v.Timestamp})
}

func (e *Emitter) ProcessDetected(d domain.Detection) {
	e.publish(Event{Kind: KindProcessDetected, Payload: d, At: d.Timestamp})
}

func (e *Emitter) StateChange(subjectID string, state domain.AuthState) {
	e.publish(Event{Kind: KindStateChange, Payload: StateChange{SubjectID: subjectID, State: state}})
}

func (e *Emitter) publish(ev Event) {
	if err := e.bus.Publish(ev); err != nil {
		e.logger.Warn("dropped event",
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
	}
}

// Ensure Emitter implements the collaborator event interfaces.
var _ domain.AgentEvents = (*Emitter)(nil)
var _ domain.AuthEvents = (*Emitter)(nil)
