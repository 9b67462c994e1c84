package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/steamwatch/internal/domain"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestReconciler(agents *mockAgentService) (*Reconciler, *mockStateStore) {
	store := &mockStateStore{}
	r := NewReconciler(agents, store, zap.NewNop())
	r.now = func() time.Time { return fixedNow }
	return r, store
}

func winAgent(id string) domain.Agent {
	return domain.Agent{ID: id, Hostname: "host-" + id, Platform: domain.PlatformWindows, Online: true}
}

func TestReconciler_ConfigureAgentCreatesBlockedPolicy(t *testing.T) {
	svc := newMockAgentService()
	r, store := newTestReconciler(svc)

	require.NoError(t, r.ConfigureAgent(context.Background(), winAgent("A1")))

	creates := svc.callsOf("create")
	require.Len(t, creates, 1)
	p := creates[0].Policy
	assert.Equal(t, "A1", creates[0].AgentID)
	assert.Equal(t, "steam.exe", p.ProcessName)
	assert.Equal(t, []string{"steamwebhelper.exe", "steamservice.exe"}, p.AlternativeNames)
	assert.False(t, p.Allowed)
	assert.Equal(t, domain.ActionCheckQuota, p.Actions.OnDetected)
	assert.Equal(t, domain.ActionKillProcess, p.Actions.OnViolation)
	assert.Equal(t, domain.DefaultCheckInterval, p.CheckInterval)
	assert.Equal(t, fixedNow, p.CreatedAt)

	got, ok := r.Policy("A1")
	require.True(t, ok)
	assert.Equal(t, p, got)

	saved := store.last()
	require.NotNil(t, saved)
	assert.Contains(t, saved.Agents, "A1")
	assert.Contains(t, saved.Policies, "A1")
	assert.Equal(t, fixedNow, saved.LastSync)
}

func TestReconciler_ConfigureAgentIsIdempotent(t *testing.T) {
	svc := newMockAgentService()
	r, _ := newTestReconciler(svc)
	ctx := context.Background()

	require.NoError(t, r.ConfigureAgent(ctx, winAgent("A1")))
	require.NoError(t, r.ConfigureAgent(ctx, winAgent("A1")))

	assert.Len(t, svc.callsOf("create"), 1)
}

func TestReconciler_ConfigureAgentUnknownPlatformFallsBackToWindows(t *testing.T) {
	svc := newMockAgentService()
	r, _ := newTestReconciler(svc)

	a := domain.Agent{ID: "A1", Platform: "plan9"}
	require.NoError(t, r.ConfigureAgent(context.Background(), a))

	creates := svc.callsOf("create")
	require.Len(t, creates, 1)
	assert.Equal(t, "steam.exe", creates[0].Policy.ProcessName)
}

func TestReconciler_ConfigureAgentPlatformTables(t *testing.T) {
	tests := []struct {
		platform domain.Platform
		main     string
	}{
		{domain.PlatformWindows, "steam.exe"},
		{domain.PlatformDarwin, "steam_osx"},
		{domain.PlatformLinux, "steam"},
	}

	for _, tt := range tests {
		t.Run(string(tt.platform), func(t *testing.T) {
			svc := newMockAgentService()
			r, _ := newTestReconciler(svc)
			require.NoError(t, r.ConfigureAgent(context.Background(), domain.Agent{ID: "A", Platform: tt.platform}))
			creates := svc.callsOf("create")
			require.Len(t, creates, 1)
			assert.Equal(t, tt.main, creates[0].Policy.ProcessName)
		})
	}
}

func TestReconciler_ConfigureAgentCreateFailure(t *testing.T) {
	svc := newMockAgentService()
	svc.createErr = map[string]error{"A1": errAgentOffline}
	r, _ := newTestReconciler(svc)
	ctx := context.Background()

	err := r.ConfigureAgent(ctx, winAgent("A1"))
	require.Error(t, err)
	var ec *domain.ExternalCallError
	require.ErrorAs(t, err, &ec)
	assert.Equal(t, "A1", ec.AgentID)
	assert.ErrorIs(t, err, errAgentOffline)

	_, known := r.Agent("A1")
	assert.True(t, known, "agent is recorded even when policy creation fails")
	_, hasPolicy := r.Policy("A1")
	assert.False(t, hasPolicy)

	// next discovery retries
	svc.createErr = nil
	require.NoError(t, r.ConfigureAgent(ctx, winAgent("A1")))
	_, hasPolicy = r.Policy("A1")
	assert.True(t, hasPolicy)
	assert.Len(t, svc.callsOf("create"), 2)
}

func TestReconciler_ConfigureAgentKeepsLinkAnnotations(t *testing.T) {
	svc := newMockAgentService(winAgent("A1"))
	r, _ := newTestReconciler(svc)
	ctx := context.Background()

	require.NoError(t, r.ConfigureAgent(ctx, winAgent("A1")))
	require.NoError(t, r.LinkAgent(ctx, "A1", "S1"))

	renamed := winAgent("A1")
	renamed.Hostname = "new-name"
	renamed.Online = false
	require.NoError(t, r.ConfigureAgent(ctx, renamed))

	a, _ := r.Agent("A1")
	assert.Equal(t, "new-name", a.Hostname)
	assert.False(t, a.Online)
	assert.Equal(t, "S1", a.ChildID)
	assert.True(t, a.Enabled)
}

func TestReconciler_AuthorizationStateMachine(t *testing.T) {
	svc := newMockAgentService(winAgent("A1"))
	r, _ := newTestReconciler(svc)
	ctx := context.Background()

	require.NoError(t, r.ConfigureAgent(ctx, winAgent("A1")))
	require.NoError(t, r.LinkAgent(ctx, "A1", "S1"))

	require.NoError(t, r.ApplyAuthorization(ctx, "A1", domain.AuthState{RemainingQuota: 5}))
	updates := svc.callsOf("update")
	require.Len(t, updates, 1)
	require.NotNil(t, updates[0].Patch.Allowed)
	assert.True(t, *updates[0].Patch.Allowed)
	assert.Nil(t, updates[0].Patch.CheckInterval)
	p, _ := r.Policy("A1")
	assert.True(t, p.Allowed)

	require.NoError(t, r.ApplyAuthorization(ctx, "A1", domain.AuthState{Paused: true, RemainingQuota: 5}))
	updates = svc.callsOf("update")
	require.Len(t, updates, 2)
	assert.False(t, *updates[1].Patch.Allowed)
	p, _ = r.Policy("A1")
	assert.False(t, p.Allowed)

	require.NoError(t, r.ApplyAuthorization(ctx, "A1", domain.AuthState{RemainingQuota: 0}))
	updates = svc.callsOf("update")
	require.Len(t, updates, 3, "update is issued even when the state does not change")
	assert.False(t, *updates[2].Patch.Allowed)
}

func TestReconciler_ApplyAuthorizationSkipsUnlinkedAgent(t *testing.T) {
	svc := newMockAgentService(winAgent("A1"))
	r, _ := newTestReconciler(svc)
	ctx := context.Background()

	require.NoError(t, r.ConfigureAgent(ctx, winAgent("A1")))
	require.NoError(t, r.ApplyAuthorization(ctx, "A1", domain.AuthState{RemainingQuota: 5}))

	assert.Empty(t, svc.callsOf("update"))
	p, _ := r.Policy("A1")
	assert.False(t, p.Allowed)
}

func TestReconciler_ApplyAuthorizationUnknownAgent(t *testing.T) {
	r, _ := newTestReconciler(newMockAgentService())
	err := r.ApplyAuthorization(context.Background(), "nope", domain.AuthState{RemainingQuota: 1})
	assert.True(t, domain.IsNotFound(err))
}

func TestReconciler_ApplyAuthorizationFailureKeepsState(t *testing.T) {
	svc := newMockAgentService(winAgent("A1"))
	r, _ := newTestReconciler(svc)
	ctx := context.Background()
	require.NoError(t, r.ConfigureAgent(ctx, winAgent("A1")))
	require.NoError(t, r.LinkAgent(ctx, "A1", "S1"))

	svc.updateErr = map[string]error{"A1": errAgentOffline}
	err := r.ApplyAuthorization(ctx, "A1", domain.AuthState{RemainingQuota: 5})

	assert.Equal(t, domain.KindExternalCall, domain.ErrorKind(err))
	p, _ := r.Policy("A1")
	assert.False(t, p.Allowed)
}

func TestReconciler_RemoveAgentDeletesPolicy(t *testing.T) {
	svc := newMockAgentService()
	r, store := newTestReconciler(svc)
	ctx := context.Background()
	require.NoError(t, r.ConfigureAgent(ctx, winAgent("A1")))

	require.NoError(t, r.RemoveAgent(ctx, "A1"))

	deletes := svc.callsOf("delete")
	require.Len(t, deletes, 1)
	assert.Equal(t, "steam.exe", deletes[0].Process)
	_, ok := r.Policy("A1")
	assert.False(t, ok)
	assert.NotContains(t, store.last().Agents, "A1")
}

func TestReconciler_UnloadDeletesAllPoliciesBestEffort(t *testing.T) {
	svc := newMockAgentService()
	r, store := newTestReconciler(svc)
	ctx := context.Background()
	for _, id := range []string{"A1", "A2", "A3"} {
		require.NoError(t, r.ConfigureAgent(ctx, winAgent(id)))
	}
	svc.deleteErr = map[string]error{"A2": errAgentOffline}

	require.NoError(t, r.Unload(ctx))

	deletes := svc.callsOf("delete")
	require.Len(t, deletes, 3)
	assert.Equal(t, "A1", deletes[0].AgentID)
	assert.Equal(t, "A3", deletes[2].AgentID)
	assert.Empty(t, store.last().Policies)
	assert.Len(t, store.last().Agents, 3)
}

func TestReconciler_LinkUnknownAgentFetchesIt(t *testing.T) {
	svc := newMockAgentService(winAgent("A9"))
	r, _ := newTestReconciler(svc)

	require.NoError(t, r.LinkAgent(context.Background(), "A9", "S1"))

	a, ok := r.Agent("A9")
	require.True(t, ok)
	assert.Equal(t, "host-A9", a.Hostname)
	assert.Equal(t, "S1", a.ChildID)
	assert.True(t, a.Enabled)
	assert.Empty(t, svc.callsOf("update"), "linking does not re-run authorization")
}

func TestReconciler_LinkMissingAgent(t *testing.T) {
	r, _ := newTestReconciler(newMockAgentService())

	err := r.LinkAgent(context.Background(), "ghost", "S1")

	require.Error(t, err)
	assert.True(t, domain.IsNotFound(err))
}

func TestReconciler_UnlinkIsIdempotent(t *testing.T) {
	svc := newMockAgentService(winAgent("A1"))
	r, _ := newTestReconciler(svc)
	ctx := context.Background()
	require.NoError(t, r.LinkAgent(ctx, "A1", "S1"))

	require.NoError(t, r.UnlinkAgent("A1"))
	first, _ := r.Agent("A1")
	require.NoError(t, r.UnlinkAgent("A1"))
	second, _ := r.Agent("A1")

	assert.Equal(t, first, second)
	assert.Empty(t, second.ChildID)
	assert.False(t, second.Enabled)
	assert.Empty(t, r.AgentsLinkedTo("S1"))
}

func TestReconciler_UnlinkUnknownAgent(t *testing.T) {
	r, _ := newTestReconciler(newMockAgentService())
	assert.True(t, domain.IsNotFound(r.UnlinkAgent("nope")))
}

func TestReconciler_UpdateSettingsPropagatesInterval(t *testing.T) {
	svc := newMockAgentService()
	r, store := newTestReconciler(svc)
	ctx := context.Background()
	for _, id := range []string{"A1", "A2"} {
		require.NoError(t, r.ConfigureAgent(ctx, winAgent(id)))
	}
	svc.reset()

	ms := int64(60000)
	got, err := r.UpdateSettings(ctx, domain.SettingsPatch{CheckInterval: &ms})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, got.CheckInterval)
	assert.Equal(t, time.Minute, r.Settings().CheckInterval)
	assert.Equal(t, time.Minute, store.last().Settings.CheckInterval)

	updates := svc.callsOf("update")
	require.Len(t, updates, 2)
	for _, u := range updates {
		require.NotNil(t, u.Patch.CheckInterval)
		assert.Equal(t, time.Minute, *u.Patch.CheckInterval)
		assert.Nil(t, u.Patch.Allowed)
		assert.Nil(t, u.Patch.OnViolation)
	}
	p, _ := r.Policy("A2")
	assert.Equal(t, time.Minute, p.CheckInterval)
}

func TestReconciler_UpdateSettingsKillOnViolationSingleCallPerAgent(t *testing.T) {
	svc := newMockAgentService()
	r, _ := newTestReconciler(svc)
	ctx := context.Background()
	require.NoError(t, r.ConfigureAgent(ctx, winAgent("A1")))
	svc.reset()

	ms := int64(5000)
	kill := false
	_, err := r.UpdateSettings(ctx, domain.SettingsPatch{CheckInterval: &ms, KillOnViolation: &kill})
	require.NoError(t, err)

	updates := svc.callsOf("update")
	require.Len(t, updates, 1)
	require.NotNil(t, updates[0].Patch.OnViolation)
	assert.Equal(t, domain.ActionNotifyOnly, *updates[0].Patch.OnViolation)
	assert.Equal(t, 5*time.Second, *updates[0].Patch.CheckInterval)

	p, _ := r.Policy("A1")
	assert.Equal(t, domain.ActionNotifyOnly, p.Actions.OnViolation)
}

func TestReconciler_UpdateSettingsNotifyOnlyChangeSkipsAgents(t *testing.T) {
	svc := newMockAgentService()
	r, _ := newTestReconciler(svc)
	ctx := context.Background()
	require.NoError(t, r.ConfigureAgent(ctx, winAgent("A1")))
	svc.reset()

	off := false
	got, err := r.UpdateSettings(ctx, domain.SettingsPatch{NotifyParent: &off})
	require.NoError(t, err)

	assert.False(t, got.NotifyParent)
	assert.Empty(t, svc.callsOf("update"))
}

func TestReconciler_UpdateSettingsIsolatesFailures(t *testing.T) {
	svc := newMockAgentService()
	r, _ := newTestReconciler(svc)
	ctx := context.Background()
	for _, id := range []string{"A1", "A2", "A3"} {
		require.NoError(t, r.ConfigureAgent(ctx, winAgent(id)))
	}
	svc.reset()
	svc.updateErr = map[string]error{"A2": errAgentOffline}

	ms := int64(10000)
	_, err := r.UpdateSettings(ctx, domain.SettingsPatch{CheckInterval: &ms})
	require.NoError(t, err)

	assert.Len(t, svc.callsOf("update"), 3)
	p1, _ := r.Policy("A1")
	p2, _ := r.Policy("A2")
	p3, _ := r.Policy("A3")
	assert.Equal(t, 10*time.Second, p1.CheckInterval)
	assert.Equal(t, domain.DefaultCheckInterval, p2.CheckInterval)
	assert.Equal(t, 10*time.Second, p3.CheckInterval)
}

func TestReconciler_UpdateSettingsRejectsShortInterval(t *testing.T) {
	svc := newMockAgentService()
	r, _ := newTestReconciler(svc)

	ms := int64(999)
	_, err := r.UpdateSettings(context.Background(), domain.SettingsPatch{CheckInterval: &ms})

	assert.Equal(t, domain.KindValidation, domain.ErrorKind(err))
	assert.Equal(t, domain.DefaultCheckInterval, r.Settings().CheckInterval)
}

func TestReconciler_ViolationLogIsCappedNewestFirst(t *testing.T) {
	r, store := newTestReconciler(newMockAgentService())

	for i := 0; i < 150; i++ {
		require.NoError(t, r.RecordViolation(domain.Violation{
			AgentID:     "A1",
			ProcessName: fmt.Sprintf("steam-%d", i),
			Timestamp:   fixedNow.Add(time.Duration(i) * time.Second),
		}))
	}

	all := r.Violations(0)
	require.Len(t, all, domain.MaxViolations)
	assert.Equal(t, "steam-149", all[0].ProcessName)
	assert.Equal(t, "steam-50", all[domain.MaxViolations-1].ProcessName)
	assert.Len(t, store.last().Violations, domain.MaxViolations)

	assert.Len(t, r.Violations(5), 5)
	assert.Equal(t, "steam-149", r.Violations(1)[0].ProcessName)
}

func TestReconciler_ClearViolations(t *testing.T) {
	r, store := newTestReconciler(newMockAgentService())
	require.NoError(t, r.RecordViolation(domain.Violation{AgentID: "A1", ProcessName: "steam.exe"}))

	require.NoError(t, r.ClearViolations())

	assert.Empty(t, r.Violations(0))
	assert.NotNil(t, store.last().Violations)
	assert.Empty(t, store.last().Violations)
}

func TestReconciler_PersistFailureIsReported(t *testing.T) {
	svc := newMockAgentService(winAgent("A1"))
	r, store := newTestReconciler(svc)
	store.saveErr = errors.New("disk full")

	err := r.LinkAgent(context.Background(), "A1", "S1")

	assert.EqualError(t, err, "disk full")
	a, _ := r.Agent("A1")
	assert.Equal(t, "S1", a.ChildID, "in-memory state still changes")
}

func TestReconciler_LoadNormalizesAndSnapshotIsolated(t *testing.T) {
	r, _ := newTestReconciler(newMockAgentService())

	r.Load(&domain.PluginState{Agents: map[string]domain.Agent{"A1": winAgent("A1")}})

	snap := r.Snapshot()
	assert.Equal(t, domain.DefaultCheckInterval, snap.Settings.CheckInterval)
	assert.NotNil(t, snap.Policies)

	snap.Agents["A1"] = domain.Agent{ID: "A1", Hostname: "mutated"}
	a, _ := r.Agent("A1")
	assert.Equal(t, "host-A1", a.Hostname)
}

func TestReconciler_RestorePolicies(t *testing.T) {
	svc := newMockAgentService()
	r, _ := newTestReconciler(svc)
	state := domain.NewPluginState()
	for _, id := range []string{"A1", "A2"} {
		state.Agents[id] = winAgent(id)
		state.Policies[id] = domain.Policy{ProcessName: "steam.exe", Allowed: id == "A1"}
	}
	r.Load(state)
	svc.createErr = map[string]error{"A2": errAgentOffline}

	restored := r.RestorePolicies(context.Background())

	assert.Equal(t, 1, restored)
	creates := svc.callsOf("create")
	require.Len(t, creates, 2)
	assert.Equal(t, "A1", creates[0].AgentID)
	assert.True(t, creates[0].Policy.Allowed)

	_, ok := r.Policy("A2")
	assert.True(t, ok, "a policy that failed to restore is kept")

	svc.createErr = nil
	assert.Equal(t, 1, r.RestorePolicies(context.Background()))
	creates = svc.callsOf("create")
	require.Len(t, creates, 3)
	assert.Equal(t, "A2", creates[2].AgentID)

	assert.Equal(t, 0, r.RestorePolicies(context.Background()))
	assert.Len(t, svc.callsOf("create"), 3)
}

func TestReconciler_ConfigureAgentRegistersLoadedPolicyOnce(t *testing.T) {
	svc := newMockAgentService()
	r, _ := newTestReconciler(svc)
	state := domain.NewPluginState()
	state.Agents["A1"] = winAgent("A1")
	state.Policies["A1"] = domain.Policy{ProcessName: "steam.exe", Allowed: true, CheckInterval: time.Minute}
	r.Load(state)
	ctx := context.Background()

	require.NoError(t, r.ConfigureAgent(ctx, winAgent("A1")))
	require.NoError(t, r.ConfigureAgent(ctx, winAgent("A1")))

	creates := svc.callsOf("create")
	require.Len(t, creates, 1)
	assert.True(t, creates[0].Policy.Allowed)
	assert.Equal(t, time.Minute, creates[0].Policy.CheckInterval)
	assert.Equal(t, 0, r.RestorePolicies(ctx))
}
