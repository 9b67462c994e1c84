// Package plugin hosts the steamwatch core behind the four host entry points:
// OnLoad, OnSetEnabled, NewState and OnUnload. It owns the event bus and wires
// the reconciler, event bridge and request router together.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/steamwatch/internal/domain"
	"github.com/eliteGoblin/focusd/steamwatch/internal/events"
	"github.com/eliteGoblin/focusd/steamwatch/internal/usecase"
)

// ErrAlreadyLoaded is returned by a second OnLoad.
var ErrAlreadyLoaded = errors.New("plugin already loaded")

const defaultUnloadTimeout = 30 * time.Second

// Options configures a Plugin. Store, Notifier and Activity may be nil.
type Options struct {
	Agents    domain.AgentService
	Store     domain.StateStore
	Notifier  domain.Notifier
	Activity  domain.ActivityLog
	QueueSize int
	// UnloadTimeout bounds the policy cleanup done by OnUnload.
	UnloadTimeout time.Duration
	Logger        *zap.Logger
}

// Plugin is one loaded steamwatch instance.
type Plugin struct {
	opts       Options
	bus        *events.Bus
	emitter    *events.Emitter
	reconciler *usecase.Reconciler
	bridge     *usecase.Bridge
	handlers   *usecase.Handlers
	router     *usecase.Router

	enabled atomic.Bool

	mu     sync.Mutex
	loaded bool
	cancel context.CancelFunc
}

// New wires a plugin. Nothing runs until OnLoad. A Plugin is loaded once.
func New(opts Options) *Plugin {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.UnloadTimeout <= 0 {
		opts.UnloadTimeout = defaultUnloadTimeout
	}
	logger := opts.Logger

	bus := events.NewBus(opts.QueueSize, logger.Named("events"))
	reconciler := usecase.NewReconciler(opts.Agents, opts.Store, logger.Named("reconciler"))
	handlers := usecase.NewHandlers(reconciler, opts.Agents, logger.Named("handlers"))

	p := &Plugin{
		opts:       opts,
		bus:        bus,
		emitter:    events.NewEmitter(bus, logger),
		reconciler: reconciler,
		bridge:     usecase.NewBridge(reconciler, opts.Agents, opts.Notifier, opts.Activity, logger.Named("bridge")),
		handlers:   handlers,
		router:     usecase.NewRouter(handlers, logger.Named("router")),
	}
	p.enabled.Store(true)
	p.bridge.Subscribe(bus, p.enabled.Load)
	return p
}

// Emitter is the sink agent and authorization sources publish into.
func (p *Plugin) Emitter() *events.Emitter {
	return p.emitter
}

// OnLoad restores state, registers the persisted policies again and starts
// event processing. When persisted is nil the configured store is read; an
// unreadable store starts from empty state. It then syncs the agent list
// once. A failed sync is logged, not returned.
func (p *Plugin) OnLoad(ctx context.Context, persisted *domain.PluginState) error {
	p.mu.Lock()
	if p.loaded {
		p.mu.Unlock()
		return ErrAlreadyLoaded
	}
	p.loaded = true
	busCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	state := persisted
	if state == nil && p.opts.Store != nil {
		loaded, err := p.opts.Store.Load()
		if err != nil {
			p.opts.Logger.Warn("failed to load persisted state, starting fresh", zap.Error(err))
		} else {
			state = loaded
		}
	}
	p.reconciler.Load(state)
	p.bus.Start(busCtx)

	snapshot := p.reconciler.Snapshot()
	p.opts.Logger.Info("plugin loaded",
		zap.Int("agents", len(snapshot.Agents)),
		zap.Int("policies", len(snapshot.Policies)),
		zap.Int("violations", len(snapshot.Violations)))

	if err := p.Sync(ctx); err != nil {
		p.opts.Logger.Warn("initial agent sync failed", zap.Error(err))
	}
	return nil
}

// Sync registers persisted policies not yet confirmed on their agent
// service, then lists agents and configures any without a policy.
func (p *Plugin) Sync(ctx context.Context) error {
	p.reconciler.RestorePolicies(ctx)
	_, err := p.handlers.GetAgents(ctx)
	return err
}

// OnSetEnabled gates event handling. Events arriving while disabled are
// dropped; requests are still served.
func (p *Plugin) OnSetEnabled(enabled bool) {
	if p.enabled.Swap(enabled) != enabled {
		p.opts.Logger.Info("plugin enabled state changed", zap.Bool("enabled", enabled))
	}
}

// Enabled reports whether events are being handled.
func (p *Plugin) Enabled() bool {
	return p.enabled.Load()
}

// NewState replaces the in-memory state with one handed over by the host
// and persists it.
func (p *Plugin) NewState(state *domain.PluginState) error {
	p.reconciler.Load(state)
	if p.opts.Store == nil {
		return nil
	}
	if err := p.opts.Store.Save(p.reconciler.Snapshot()); err != nil {
		p.opts.Logger.Error("failed to persist new state", zap.Error(err))
		return err
	}
	return nil
}

// State returns a copy of the current state.
func (p *Plugin) State() *domain.PluginState {
	return p.reconciler.Snapshot()
}

// Handle serves one named request.
func (p *Plugin) Handle(ctx context.Context, name string, payload json.RawMessage) usecase.Response {
	return p.router.Handle(ctx, name, payload)
}

// OnUnload stops event processing, deletes every registered policy and then
// calls done. It returns immediately; the work runs in the background.
func (p *Plugin) OnUnload(done func()) {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	go func() {
		if done != nil {
			defer done()
		}

		p.enabled.Store(false)
		if cancel != nil {
			cancel()
			p.bus.Wait()
		}

		ctx, stop := context.WithTimeout(context.Background(), p.opts.UnloadTimeout)
		defer stop()
		if err := p.reconciler.Unload(ctx); err != nil {
			p.opts.Logger.Warn("unload finished with errors", zap.Error(err))
		}
		p.opts.Logger.Info("plugin unloaded")
	}()
}
