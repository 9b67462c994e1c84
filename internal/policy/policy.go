// Package policy describes the Steam process family and where Steam keeps its
// files on each platform, and builds the per-agent monitoring policy from them.
package policy

import (
	"strings"
	"time"

	"github.com/eliteGoblin/focusd/steamwatch/internal/domain"
)

// TargetSubstring identifies the target application in reported process names.
const TargetSubstring = "steam"

// MatchesTarget reports whether a reported process belongs to the Steam family.
// Matching is a case-insensitive substring test.
func MatchesTarget(processName string) bool {
	return strings.Contains(strings.ToLower(processName), TargetSubstring)
}

// Build returns the initial policy for an agent on the given platform.
// New policies always start blocked; the first authorization update decides.
func Build(p domain.Platform, settings domain.Settings, now time.Time) domain.Policy {
	return domain.Policy{
		ProcessName:      MainProcess(p),
		AlternativeNames: ProcessNames(p)[1:],
		Allowed:          false,
		CheckInterval:    settings.CheckInterval,
		Actions: domain.PolicyActions{
			OnDetected:  domain.ActionCheckQuota,
			OnViolation: settings.ViolationAction(),
		},
		CreatedAt: now,
	}
}
