package policy

import (
	"github.com/eliteGoblin/focusd/steamwatch/internal/domain"
)

// DefaultPlatform's table is used for platforms we have no table for.
const DefaultPlatform = domain.PlatformWindows

// processTable lists the Steam process family per platform.
// The first entry is the main process; the rest are helpers the agent also matches.
var processTable = map[domain.Platform][]string{
	domain.PlatformWindows: {
		"steam.exe",
		"steamwebhelper.exe",
		"steamservice.exe",
	},
	domain.PlatformDarwin: {
		"steam_osx",
		"steamwebhelper",
		"Steam Helper",
	},
	domain.PlatformLinux: {
		"steam",
		"steamwebhelper",
		"steam-runtime",
	},
}

// ProcessNames returns the Steam process names for the platform, main process first.
// Unknown platforms get DefaultPlatform's names.
func ProcessNames(p domain.Platform) []string {
	names, ok := processTable[domain.ParsePlatform(string(p))]
	if !ok {
		names = processTable[DefaultPlatform]
	}
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// MainProcess returns the process name the policy is keyed by.
func MainProcess(p domain.Platform) string {
	return ProcessNames(p)[0]
}

// KnownPlatforms returns the platforms with a dedicated process table.
func KnownPlatforms() []domain.Platform {
	return []domain.Platform{domain.PlatformWindows, domain.PlatformDarwin, domain.PlatformLinux}
}
