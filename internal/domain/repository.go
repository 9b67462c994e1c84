package domain

import "context"

// AgentService is the external agent subsystem that scans and terminates processes.
// Implementations: hub.Client (remote agents), infra.LocalAgent (this machine).
type AgentService interface {
	// ListAgents returns the live agent list.
	ListAgents(ctx context.Context) ([]Agent, error)

	// GetAgent returns the live record for one agent.
	GetAgent(ctx context.Context, agentID string) (*Agent, error)

	// CreatePolicy registers a monitoring policy on the agent.
	CreatePolicy(ctx context.Context, agentID string, policy Policy) error

	// UpdatePolicy applies a partial update to the agent's policy.
	UpdatePolicy(ctx context.Context, agentID string, patch PolicyPatch) error

	// DeletePolicy removes the policy keyed by its main process name.
	DeletePolicy(ctx context.Context, agentID, processName string) error
}

// AgentEvents receives the events an agent service emits.
type AgentEvents interface {
	AgentDiscovered(agent Agent)
	AgentRemoved(agentID string)
	Violation(v Violation)
	ProcessDetected(d Detection)
}

// AuthEvents receives authorization-state changes for subjects.
type AuthEvents interface {
	StateChange(subjectID string, state AuthState)
}

// QuotaChecker asks the authorization service to evaluate a subject's quota now.
// The resulting decision arrives later as an AuthEvents.StateChange.
type QuotaChecker interface {
	CheckQuota(ctx context.Context, agentID string) error
}

// StateStore persists the plugin state between loads.
// Implementations: infra.FileStateStore (JSON), infra.EncryptedStateStore (SQLCipher).
type StateStore interface {
	// Load returns the stored state, or (nil, nil) when nothing was saved yet.
	Load() (*PluginState, error)

	// Save replaces the stored state.
	Save(state *PluginState) error
}

// Notification kinds forwarded to the presentation layer.
const (
	NotifySteamViolation = "steamViolation"
	NotifySteamDetected  = "steamDetected"
)

// Notifier forwards selected events to the presentation layer.
type Notifier interface {
	Notify(kind string, payload any)
}

// ActivityLog records user-facing activity entries.
type ActivityLog interface {
	Record(kind, message string, fields map[string]string)
}

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// FindByName returns matching processes (case-insensitive substring).
	FindByName(pattern string) ([]ProcessInfo, error)

	// Kill terminates a process by PID (SIGKILL).
	Kill(pid int) error
}

// ProcessInfo is a running process matched by name.
type ProcessInfo struct {
	PID  int
	Name string
}

// FileSystemManager handles filesystem lookups.
type FileSystemManager interface {
	// Exists checks if a path exists.
	Exists(path string) bool

	// ExpandHome expands ~ to the user's home directory.
	ExpandHome(path string) string
}

// SecretStore hands out the secrets steamwatch generates for itself.
// Implementation: infra.FileSecretStore.
type SecretStore interface {
	// StateKey returns the key of the encrypted state database.
	StateKey() ([]byte, error)

	// HTTPToken returns the bearer token of the local HTTP surface.
	HTTPToken() (string, error)
}

// ServiceManager installs steamwatch as an OS-managed background service.
// Implementation: infra.LaunchdService (macOS launchd).
type ServiceManager interface {
	// Install registers and starts the service running `run` with configPath.
	Install(execPath, configPath string) error

	// Uninstall stops and removes the service.
	Uninstall() error

	// IsInstalled checks if the service definition exists.
	IsInstalled() bool

	// NeedsUpdate reports whether the installed definition is stale.
	NeedsUpdate(execPath, configPath string) bool
}
