package infra

import (
	"os"
	"path/filepath"
)

// ExecMode represents how the service was started.
type ExecMode string

const (
	// ExecModeUser runs under the logged-in user (per-user data directory)
	ExecModeUser ExecMode = "user"
	// ExecModeSystem runs as root (machine-wide data directory)
	ExecModeSystem ExecMode = "system"
)

// ExecModeConfig holds the directories used in an execution mode.
type ExecModeConfig struct {
	Mode    ExecMode
	DataDir string // Plugin state, state key and encrypted database
	LogDir  string // Rotated service and activity logs
	IsRoot  bool
}

// DetectExecMode determines the execution mode based on effective UID.
func DetectExecMode() *ExecModeConfig {
	if os.Geteuid() == 0 {
		return &ExecModeConfig{
			Mode:    ExecModeSystem,
			DataDir: "/var/lib/steamwatch",
			LogDir:  "/var/log/steamwatch",
			IsRoot:  true,
		}
	}
	return GetUserModeConfig()
}

// GetUserModeConfig returns user mode directories regardless of current euid.
// Under sudo the invoking user's home is used.
func GetUserModeConfig() *ExecModeConfig {
	home := RealUserHome()
	dataDir := filepath.Join(home, ".steamwatch")
	return &ExecModeConfig{
		Mode:    ExecModeUser,
		DataDir: dataDir,
		LogDir:  filepath.Join(dataDir, "logs"),
		IsRoot:  os.Geteuid() == 0,
	}
}

// String returns a human-readable description of the mode.
func (m ExecMode) String() string {
	switch m {
	case ExecModeSystem:
		return "system (root)"
	case ExecModeUser:
		return "user"
	default:
		return "unknown"
	}
}
