package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/steamwatch/internal/domain"
	"github.com/eliteGoblin/focusd/steamwatch/internal/events"
)

type bridgeFixture struct {
	svc        *mockAgentService
	reconciler *Reconciler
	notifier   *mockNotifier
	activity   *mockActivityLog
	bridge     *Bridge
}

func newBridgeFixture(agents ...domain.Agent) *bridgeFixture {
	svc := newMockAgentService(agents...)
	r, _ := newTestReconciler(svc)
	n := &mockNotifier{}
	act := &mockActivityLog{}
	b := NewBridge(r, svc, n, act, zap.NewNop())
	b.now = func() time.Time { return fixedNow }
	return &bridgeFixture{svc: svc, reconciler: r, notifier: n, activity: act, bridge: b}
}

func TestBridge_DiscoveryConfiguresAgent(t *testing.T) {
	f := newBridgeFixture()

	f.bridge.OnAgentDiscovered(context.Background(), winAgent("A1"))

	assert.Len(t, f.svc.callsOf("create"), 1)
	_, ok := f.reconciler.Policy("A1")
	assert.True(t, ok)
}

func TestBridge_AgentRemovedDeletesPolicy(t *testing.T) {
	f := newBridgeFixture()
	ctx := context.Background()
	f.bridge.OnAgentDiscovered(ctx, winAgent("A1"))

	f.bridge.OnAgentRemoved(ctx, "A1")
	f.bridge.OnAgentRemoved(ctx, "ghost")

	deletes := f.svc.callsOf("delete")
	require.Len(t, deletes, 1, "unknown agents make no calls")
	assert.Equal(t, "A1", deletes[0].AgentID)
	_, known := f.reconciler.Agent("A1")
	assert.False(t, known)
	_, ok := f.reconciler.Policy("A1")
	assert.False(t, ok)
}

func TestBridge_StateChangeAppliesToLinkedAgentsOnly(t *testing.T) {
	f := newBridgeFixture(winAgent("A1"), winAgent("A2"), winAgent("A3"))
	ctx := context.Background()
	for _, id := range []string{"A1", "A2", "A3"} {
		f.bridge.OnAgentDiscovered(ctx, winAgent(id))
	}
	require.NoError(t, f.reconciler.LinkAgent(ctx, "A1", "S1"))
	require.NoError(t, f.reconciler.LinkAgent(ctx, "A2", "S1"))
	require.NoError(t, f.reconciler.LinkAgent(ctx, "A3", "S2"))

	f.bridge.OnAuthStateChange(ctx, "S1", domain.AuthState{RemainingQuota: 30})

	updates := f.svc.callsOf("update")
	require.Len(t, updates, 2)
	assert.Equal(t, "A1", updates[0].AgentID)
	assert.Equal(t, "A2", updates[1].AgentID)
	p3, _ := f.reconciler.Policy("A3")
	assert.False(t, p3.Allowed)
}

func TestBridge_StateChangeIsolatesFetchFailure(t *testing.T) {
	f := newBridgeFixture(winAgent("A1"), winAgent("A2"))
	ctx := context.Background()
	for _, id := range []string{"A1", "A2"} {
		f.bridge.OnAgentDiscovered(ctx, winAgent(id))
		require.NoError(t, f.reconciler.LinkAgent(ctx, id, "S1"))
	}
	f.svc.getErr = map[string]error{"A1": errAgentOffline}

	f.bridge.OnAuthStateChange(ctx, "S1", domain.AuthState{RemainingQuota: 30})

	updates := f.svc.callsOf("update")
	require.Len(t, updates, 1)
	assert.Equal(t, "A2", updates[0].AgentID)
	p2, _ := f.reconciler.Policy("A2")
	assert.True(t, p2.Allowed)
}

func TestBridge_StateChangeRefreshesLiveRecord(t *testing.T) {
	f := newBridgeFixture(winAgent("A1"))
	ctx := context.Background()
	f.bridge.OnAgentDiscovered(ctx, winAgent("A1"))
	require.NoError(t, f.reconciler.LinkAgent(ctx, "A1", "S1"))

	f.svc.mu.Lock()
	live := f.svc.agents["A1"]
	live.Online = false
	f.svc.agents["A1"] = live
	f.svc.mu.Unlock()

	f.bridge.OnAuthStateChange(ctx, "S1", domain.AuthState{Paused: true})

	a, _ := f.reconciler.Agent("A1")
	assert.False(t, a.Online)
	assert.Equal(t, "S1", a.ChildID)
}

func TestBridge_SteamViolationRecordedAndNotified(t *testing.T) {
	f := newBridgeFixture()
	ctx := context.Background()
	f.bridge.OnAgentDiscovered(ctx, winAgent("A1"))

	f.bridge.OnViolation(ctx, domain.Violation{AgentID: "A1", ProcessName: "Steam.exe"})

	sent := f.notifier.ofKind(domain.NotifySteamViolation)
	require.Len(t, sent, 1)
	v := sent[0].Payload.(domain.Violation)
	assert.Equal(t, "host-A1", v.Hostname)
	assert.Equal(t, fixedNow, v.Timestamp)

	log := f.reconciler.Violations(0)
	require.Len(t, log, 1)
	assert.Equal(t, "Steam.exe", log[0].ProcessName)
	assert.Equal(t, []string{"steam_violation"}, f.activity.entries)
}

func TestBridge_NonSteamViolationIgnored(t *testing.T) {
	f := newBridgeFixture()

	f.bridge.OnViolation(context.Background(), domain.Violation{AgentID: "A1", ProcessName: "chrome.exe"})

	assert.Empty(t, f.reconciler.Violations(0))
	assert.Empty(t, f.notifier.sent)
	assert.Empty(t, f.activity.entries)
}

func TestBridge_NotifyParentDisabled(t *testing.T) {
	f := newBridgeFixture()
	ctx := context.Background()
	off := false
	_, err := f.reconciler.UpdateSettings(ctx, domain.SettingsPatch{NotifyParent: &off})
	require.NoError(t, err)

	f.bridge.OnViolation(ctx, domain.Violation{AgentID: "A1", ProcessName: "steamwebhelper"})

	assert.Len(t, f.reconciler.Violations(0), 1)
	assert.Empty(t, f.notifier.ofKind(domain.NotifySteamViolation))
}

func TestBridge_DetectionForwarded(t *testing.T) {
	f := newBridgeFixture()
	ctx := context.Background()

	f.bridge.OnProcessDetected(ctx, domain.Detection{AgentID: "A1", ProcessName: "steam_osx"})
	f.bridge.OnProcessDetected(ctx, domain.Detection{AgentID: "A1", ProcessName: "Finder"})

	sent := f.notifier.ofKind(domain.NotifySteamDetected)
	require.Len(t, sent, 1)
	assert.Equal(t, "steam_osx", sent[0].Payload.(domain.Detection).ProcessName)
	assert.Empty(t, f.reconciler.Violations(0))
}

func TestBridge_SubscribeRoutesBusEvents(t *testing.T) {
	f := newBridgeFixture(winAgent("A1"))
	ctx, cancel := context.WithCancel(context.Background())
	bus := events.NewBus(16, zap.NewNop())
	f.bridge.Subscribe(bus, nil)
	bus.Start(ctx)
	defer func() {
		cancel()
		bus.Wait()
	}()
	em := events.NewEmitter(bus, zap.NewNop())

	em.AgentDiscovered(winAgent("A1"))
	bus.Flush()
	require.NoError(t, f.reconciler.LinkAgent(ctx, "A1", "S1"))

	em.StateChange("S1", domain.AuthState{RemainingQuota: 10})
	em.Violation(domain.Violation{AgentID: "A1", ProcessName: "steam.exe", Timestamp: fixedNow})
	em.ProcessDetected(domain.Detection{AgentID: "A1", ProcessName: "steam.exe", Timestamp: fixedNow})
	bus.Flush()

	p, _ := f.reconciler.Policy("A1")
	assert.True(t, p.Allowed)
	assert.Len(t, f.notifier.ofKind(domain.NotifySteamViolation), 1)
	assert.Len(t, f.notifier.ofKind(domain.NotifySteamDetected), 1)

	em.AgentRemoved("A1")
	bus.Flush()
	_, ok := f.reconciler.Policy("A1")
	assert.False(t, ok)
}

func TestBridge_GateDropsEvents(t *testing.T) {
	f := newBridgeFixture()
	ctx, cancel := context.WithCancel(context.Background())
	bus := events.NewBus(16, zap.NewNop())
	f.bridge.Subscribe(bus, func() bool { return false })
	bus.Start(ctx)
	defer func() {
		cancel()
		bus.Wait()
	}()

	events.NewEmitter(bus, zap.NewNop()).AgentDiscovered(winAgent("A1"))
	bus.Flush()

	assert.Empty(t, f.svc.callsOf("create"))
}
