// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Platform identifies the operating system an agent runs on.
type Platform string

const (
	PlatformWindows Platform = "windows"
	PlatformDarwin  Platform = "darwin"
	PlatformLinux   Platform = "linux"
)

// ParsePlatform normalizes the platform tags agents report ("win32", "macos", ...).
// Unknown tags are returned lowercased and unchanged.
func ParsePlatform(tag string) Platform {
	switch t := strings.ToLower(strings.TrimSpace(tag)); t {
	case "windows", "win32", "win64", "win":
		return PlatformWindows
	case "darwin", "macos", "mac", "osx":
		return PlatformDarwin
	case "linux":
		return PlatformLinux
	default:
		return Platform(t)
	}
}

// Agent is the cached projection of a remote device running the monitoring agent.
type Agent struct {
	ID       string   `json:"id"`
	Hostname string   `json:"hostname"`
	Platform Platform `json:"platform"`
	Online   bool     `json:"online"`
	ChildID  string   `json:"childId,omitempty"` // linked subject, empty when unlinked
	Enabled  bool     `json:"enabled"`
}

// Linked reports whether the agent is governed by a subject's quota.
func (a Agent) Linked() bool {
	return a.ChildID != ""
}

// Action is a symbolic instruction the agent executes on a policy trigger.
type Action string

const (
	ActionCheckQuota  Action = "check-quota"
	ActionKillProcess Action = "kill-process"
	ActionNotifyOnly  Action = "notify-only"
)

// PolicyActions binds triggers to actions.
type PolicyActions struct {
	OnDetected  Action `json:"onDetected"`
	OnViolation Action `json:"onViolation"`
}

// Policy is the per-agent monitoring rule for the Steam process family.
type Policy struct {
	ProcessName      string        `json:"processName"`
	AlternativeNames []string      `json:"alternativeNames"`
	Allowed          bool          `json:"allowed"`
	CheckInterval    time.Duration `json:"checkInterval"`
	Actions          PolicyActions `json:"actions"`
	CreatedAt        time.Time     `json:"createdAt"`
}

// ProcessNames returns the main process name followed by the alternatives.
func (p Policy) ProcessNames() []string {
	names := make([]string, 0, 1+len(p.AlternativeNames))
	names = append(names, p.ProcessName)
	return append(names, p.AlternativeNames...)
}

type policyAlias Policy

// MarshalJSON encodes CheckInterval in milliseconds, like Settings.
func (p Policy) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		policyAlias
		CheckInterval int64 `json:"checkInterval"`
	}{policyAlias(p), p.CheckInterval.Milliseconds()})
}

// UnmarshalJSON decodes CheckInterval from milliseconds.
func (p *Policy) UnmarshalJSON(data []byte) error {
	aux := struct {
		*policyAlias
		CheckInterval int64 `json:"checkInterval"`
	}{policyAlias: (*policyAlias)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.CheckInterval = time.Duration(aux.CheckInterval) * time.Millisecond
	return nil
}

// PolicyPatch is a partial policy update. Nil fields are left unchanged.
type PolicyPatch struct {
	Allowed       *bool          `json:"allowed,omitempty"`
	CheckInterval *time.Duration `json:"checkInterval,omitempty"`
	OnViolation   *Action        `json:"onViolation,omitempty"`
}

type policyPatchAlias PolicyPatch

// MarshalJSON encodes CheckInterval in milliseconds.
func (pp PolicyPatch) MarshalJSON() ([]byte, error) {
	aux := struct {
		policyPatchAlias
		CheckInterval *int64 `json:"checkInterval,omitempty"`
	}{policyPatchAlias: policyPatchAlias(pp)}
	if pp.CheckInterval != nil {
		ms := pp.CheckInterval.Milliseconds()
		aux.CheckInterval = &ms
	}
	return json.Marshal(aux)
}

// UnmarshalJSON decodes CheckInterval from milliseconds.
func (pp *PolicyPatch) UnmarshalJSON(data []byte) error {
	aux := struct {
		*policyPatchAlias
		CheckInterval *int64 `json:"checkInterval,omitempty"`
	}{policyPatchAlias: (*policyPatchAlias)(pp)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	pp.CheckInterval = nil
	if aux.CheckInterval != nil {
		d := time.Duration(*aux.CheckInterval) * time.Millisecond
		pp.CheckInterval = &d
	}
	return nil
}

// Apply returns p with the patch applied.
func (pp PolicyPatch) Apply(p Policy) Policy {
	if pp.Allowed != nil {
		p.Allowed = *pp.Allowed
	}
	if pp.CheckInterval != nil {
		p.CheckInterval = *pp.CheckInterval
	}
	if pp.OnViolation != nil {
		p.Actions.OnViolation = *pp.OnViolation
	}
	return p
}

// Violation is an immutable record of the monitored process running while disallowed.
type Violation struct {
	AgentID     string    `json:"agentId"`
	Hostname    string    `json:"hostname"`
	ProcessName string    `json:"processName"`
	Timestamp   time.Time `json:"timestamp"`
}

// Detection is reported when the agent sees a monitored process, allowed or not.
type Detection struct {
	AgentID     string    `json:"agentId"`
	ProcessName string    `json:"processName"`
	Timestamp   time.Time `json:"timestamp"`
}

// AuthState is the authorization decision for a subject.
type AuthState struct {
	Paused         bool  `json:"paused"`
	RemainingQuota int64 `json:"remainingQuota"`
}

// Permits reports whether the target application may run under this state.
func (s AuthState) Permits() bool {
	return !s.Paused && s.RemainingQuota > 0
}

const (
	DefaultCheckInterval = 30 * time.Second
	MinCheckInterval     = time.Second

	// MaxViolations caps the violation log; older entries are evicted.
	MaxViolations = 100
)

// Settings is the user-tunable plugin configuration.
type Settings struct {
	CheckInterval   time.Duration
	KillOnViolation bool
	NotifyParent    bool
}

// DefaultSettings returns the settings used before any update.
func DefaultSettings() Settings {
	return Settings{
		CheckInterval:   DefaultCheckInterval,
		KillOnViolation: true,
		NotifyParent:    true,
	}
}

// ViolationAction maps KillOnViolation to the policy's on-violation action.
func (s Settings) ViolationAction() Action {
	if s.KillOnViolation {
		return ActionKillProcess
	}
	return ActionNotifyOnly
}

type settingsJSON struct {
	CheckInterval   int64 `json:"checkInterval"` // milliseconds
	KillOnViolation bool  `json:"killOnViolation"`
	NotifyParent    bool  `json:"notifyParent"`
}

// MarshalJSON encodes CheckInterval in milliseconds, the unit the presentation layer uses.
func (s Settings) MarshalJSON() ([]byte, error) {
	return json.Marshal(settingsJSON{
		CheckInterval:   s.CheckInterval.Milliseconds(),
		KillOnViolation: s.KillOnViolation,
		NotifyParent:    s.NotifyParent,
	})
}

// UnmarshalJSON decodes CheckInterval from milliseconds.
func (s *Settings) UnmarshalJSON(data []byte) error {
	var raw settingsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.CheckInterval = time.Duration(raw.CheckInterval) * time.Millisecond
	s.KillOnViolation = raw.KillOnViolation
	s.NotifyParent = raw.NotifyParent
	return nil
}

// SettingsPatch is a partial settings update. Nil fields are left unchanged.
type SettingsPatch struct {
	CheckInterval   *int64 `json:"checkInterval,omitempty" validate:"omitempty,min=1000"` // milliseconds
	KillOnViolation *bool  `json:"killOnViolation,omitempty"`
	NotifyParent    *bool  `json:"notifyParent,omitempty"`
}

// PluginState is the aggregate root persisted by the host between loads.
type PluginState struct {
	Agents     map[string]Agent  `json:"agents"`
	Policies   map[string]Policy `json:"policies"`
	Violations []Violation       `json:"violations"`
	Settings   Settings          `json:"settings"`
	LastSync   time.Time         `json:"lastSync"`
}

// NewPluginState returns an empty state with default settings.
func NewPluginState() *PluginState {
	return &PluginState{
		Agents:     make(map[string]Agent),
		Policies:   make(map[string]Policy),
		Violations: make([]Violation, 0),
		Settings:   DefaultSettings(),
	}
}

// Normalize fills nil collections and zero settings left by an older or partial snapshot.
func (s *PluginState) Normalize() {
	if s.Agents == nil {
		s.Agents = make(map[string]Agent)
	}
	if s.Policies == nil {
		s.Policies = make(map[string]Policy)
	}
	if s.Violations == nil {
		s.Violations = make([]Violation, 0)
	}
	if s.Settings.CheckInterval <= 0 {
		s.Settings.CheckInterval = DefaultCheckInterval
	}
	if len(s.Violations) > MaxViolations {
		s.Violations = s.Violations[:MaxViolations]
	}
}

// Clone returns a deep copy safe to hand to a store or another goroutine.
func (s *PluginState) Clone() *PluginState {
	c := &PluginState{
		Agents:     make(map[string]Agent, len(s.Agents)),
		Policies:   make(map[string]Policy, len(s.Policies)),
		Violations: make([]Violation, len(s.Violations)),
		Settings:   s.Settings,
		LastSync:   s.LastSync,
	}
	for id, a := range s.Agents {
		c.Agents[id] = a
	}
	for id, p := range s.Policies {
		p.AlternativeNames = append([]string(nil), p.AlternativeNames...)
		c.Policies[id] = p
	}
	copy(c.Violations, s.Violations)
	return c
}
