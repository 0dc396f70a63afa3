// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

// Package engine owns the process-scoped runtime: the sandbox host, the
// host function bridge, the job scheduler, and the event router. Nothing
// here is global; every registry lives on an Engine with explicit Start and
// Shutdown.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel/trace"

	"github.com/composebot/composebot/internal/bridge"
	"github.com/composebot/composebot/internal/bridge/ratelimit"
	"github.com/composebot/composebot/internal/config"
	"github.com/composebot/composebot/internal/observability"
	"github.com/composebot/composebot/internal/platform"
	"github.com/composebot/composebot/internal/plugin"
	"github.com/composebot/composebot/internal/router"
	"github.com/composebot/composebot/internal/sandbox"
	"github.com/composebot/composebot/internal/scheduler"
	"github.com/composebot/composebot/internal/store"
	"github.com/composebot/composebot/pkg/errutil"
)

// ErrNotRunning is returned by Reload when the engine has not been started
// or is shutting down.
var ErrNotRunning = errors.New("engine is not running")

// Options wires an Engine.
type Options struct {
	Config *config.Config
	Client platform.Client
	KV     store.KV
	// Plugins skips discovery under Config.PluginsDir when set. Plugins
	// still need an entry in Config.Plugins to be loaded.
	Plugins []*plugin.Plugin
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer
}

type loaded struct {
	plugin *plugin.Plugin
	grant  *plugin.Grant
	handle sandbox.Handle
}

// Engine is one running ComposeBot.
type Engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	manager *plugin.Manager
	given   []*plugin.Plugin
	bridge  *bridge.Bridge
	host    *sandbox.Host
	sched   *scheduler.Scheduler
	router  *router.Router
	watcher *watcher

	mu        sync.Mutex
	instances map[string]*loaded
	running   bool
	ready     atomic.Bool
	stopOnce  sync.Once

	done        chan struct{}
	quit        chan struct{}
	stopReq     chan struct{}
	stopReqOnce sync.Once
	restart     atomic.Bool
}

// Stats is a point-in-time view of the runtime.
type Stats struct {
	Scheduler scheduler.Stats
	Router    router.Stats
}

// New builds the runtime without starting it.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, oops.In("engine").Errorf("config is required")
	}
	if opts.Client == nil {
		return nil, oops.In("engine").Errorf("platform client is required")
	}
	if opts.KV == nil {
		return nil, oops.In("engine").Errorf("kv store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg := opts.Config

	e := &Engine{
		cfg:       cfg,
		logger:    opts.Logger.With("component", "engine"),
		manager:   plugin.NewManager(cfg.PluginsDir, plugin.WithLogger(opts.Logger.With("component", "plugin"))),
		given:     opts.Plugins,
		instances: make(map[string]*loaded),
		done:      make(chan struct{}),
		quit:      make(chan struct{}),
		stopReq:   make(chan struct{}),
	}

	e.bridge = bridge.New(bridge.Config{
		Workers:     cfg.Bridge.Workers,
		QueueSize:   cfg.Bridge.QueueSize,
		CallTimeout: cfg.Bridge.CallTimeout,
		MaxAttempts: cfg.Bridge.MaxAttempts,
		BaseBackoff: cfg.Bridge.BaseBackoff,
		MaxTimers:   cfg.Bridge.MaxTimers,
		RateLimit: ratelimit.Config{
			Rate:  cfg.Bridge.RateLimit.Rate,
			Burst: cfg.Bridge.RateLimit.Burst,
		},
		Lookup: e.Handle,
		Entries: func(hd sandbox.Handle) (plugin.EntryPoints, error) {
			return e.host.EntryPoints(hd)
		},
		OnShutdown: e.requestShutdown,
		Logger:     opts.Logger,
		Metrics:    opts.Metrics,
		Tracer:     opts.Tracer,
	}, opts.Client, opts.KV)

	e.host = sandbox.NewHost(sandbox.Config{
		MaxMemoryPages: cfg.Sandbox.MaxMemoryPages,
		EnableWASI:     cfg.Sandbox.EnableWASI,
		InitTimeout:    cfg.Sandbox.InitTimeout,
		Logger:         opts.Logger,
		Tracer:         opts.Tracer,
		Metrics:        opts.Metrics,
	}, e.bridge)

	e.sched = scheduler.New(scheduler.Config{
		Workers:    cfg.Scheduler.Workers,
		QueueBound: cfg.Scheduler.QueueBound,
		JobTimeout: cfg.Scheduler.JobTimeout,
		Restart: scheduler.RestartPolicy{
			MaxRestarts: cfg.Scheduler.Restart.MaxRestarts,
			BaseBackoff: cfg.Scheduler.Restart.BaseBackoff,
			MaxBackoff:  cfg.Scheduler.Restart.MaxBackoff,
		},
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
		OnReset:   e.bridge.CancelInstance,
		OnJobDone: e.bridge.JobDone,
		OnFaulted: e.faulted,
	}, e.host)
	e.bridge.SetEnqueuer(e.sched)

	e.router = router.New(router.Config{Logger: opts.Logger}, opts.Client, e.sched)
	return e, nil
}

// Start loads every enabled plugin and begins consuming platform events.
// A plugin that fails to load is logged and skipped; the rest keep running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return oops.In("engine").Errorf("engine already started")
	}
	e.running = true
	e.mu.Unlock()

	plugins, err := e.plugins(ctx)
	if err != nil {
		return err
	}

	e.bridge.Start()
	e.sched.Start(ctx)

	enabled := make(map[string]bool, len(e.cfg.Plugins))
	for _, pc := range e.cfg.Plugins {
		enabled[pc.Name] = true
	}
	for _, p := range plugins {
		pc, ok := e.cfg.Plugin(p.Name())
		if !ok {
			e.logger.Info("plugin not enabled", "plugin", p.Name())
			continue
		}
		delete(enabled, p.Name())
		if err := e.load(ctx, p, pc); err != nil {
			errutil.LogError(e.logger, "plugin failed to load", err)
		}
	}
	for name := range enabled {
		e.logger.Warn("enabled plugin not found", "plugin", name, "plugins_dir", e.cfg.PluginsDir)
	}

	e.router.Start(ctx)
	go e.watchDone()

	if e.cfg.HotReload {
		w, err := newWatcher(e, e.logger)
		if err != nil {
			errutil.LogError(e.logger, "hot reload disabled", err)
		} else {
			e.watcher = w
			w.start(ctx, e.watchedDirs())
		}
	}

	e.ready.Store(true)
	e.logger.Info("engine started", "plugins", len(e.Plugins()))
	return nil
}

func (e *Engine) plugins(ctx context.Context) ([]*plugin.Plugin, error) {
	if e.given != nil {
		return e.given, nil
	}
	plugins, err := e.manager.Discover(ctx)
	if err != nil {
		return nil, oops.In("engine").With("plugins_dir", e.cfg.PluginsDir).Wrapf(err, "discover plugins")
	}
	return plugins, nil
}

// load instantiates p under its grant, makes it schedulable, and subscribes
// it to its events.
func (e *Engine) load(ctx context.Context, p *plugin.Plugin, pc config.PluginConfig) error {
	grant, err := plugin.ResolveGrant(p, pc.Grants, pc.Events)
	if err != nil {
		return err
	}
	hd, err := e.host.Load(ctx, p, grant)
	if err != nil {
		return err
	}
	if err := e.sched.Register(hd, p.Name()); err != nil {
		_ = e.host.Destroy(ctx, hd)
		return err
	}
	if err := e.router.Subscribe(hd, p.Name(), grant.Events()); err != nil {
		e.sched.Unregister(hd)
		_ = e.host.Destroy(ctx, hd)
		return err
	}

	e.mu.Lock()
	e.instances[p.Name()] = &loaded{plugin: p, grant: grant, handle: hd}
	e.mu.Unlock()
	return nil
}

// Reload re-reads the named plugin from plugins_dir and swaps it in. The
// instance is reset onto the new module after its running job; queued jobs
// are kept. On error the current module keeps running.
func (e *Engine) Reload(ctx context.Context, name string) error {
	p, err := e.manager.Reload(name)
	if err != nil {
		return oops.In("engine").With("plugin", name).Wrapf(err, "reload")
	}
	return e.Replace(ctx, p)
}

// Replace swaps in a new build of an already loaded plugin.
func (e *Engine) Replace(ctx context.Context, p *plugin.Plugin) error {
	if !e.ready.Load() {
		return ErrNotRunning
	}
	e.mu.Lock()
	cur, ok := e.instances[p.Name()]
	e.mu.Unlock()
	if !ok {
		return oops.In("engine").With("plugin", p.Name()).Errorf("plugin is not loaded")
	}
	pc, _ := e.cfg.Plugin(p.Name())

	grant, err := plugin.ResolveGrant(p, pc.Grants, pc.Events)
	if err != nil {
		return err
	}
	if err := e.host.Reload(ctx, cur.handle, p, grant); err != nil {
		return err
	}
	if err := e.router.Subscribe(cur.handle, p.Name(), grant.Events()); err != nil {
		return err
	}
	if err := e.sched.RequestReset(cur.handle); err != nil {
		return err
	}

	e.mu.Lock()
	e.instances[p.Name()] = &loaded{plugin: p, grant: grant, handle: cur.handle}
	e.mu.Unlock()
	e.logger.Info("plugin reloaded", "plugin", p.Name(), "version", p.Manifest.Version, "digest", p.Digest)
	return nil
}

// Shutdown stops event intake, drains queued work until ctx ends, cancels
// outstanding bridge calls, and destroys every instance.
func (e *Engine) Shutdown(ctx context.Context) error {
	var errs []error
	e.stopOnce.Do(func() {
		e.ready.Store(false)
		close(e.quit)
		if e.watcher != nil {
			e.watcher.stop()
		}
		e.router.Stop()
		if err := e.sched.Drain(ctx); err != nil {
			errs = append(errs, err)
		}
		e.bridge.Stop()
		if err := e.host.Close(context.WithoutCancel(ctx)); err != nil {
			errs = append(errs, err)
		}
		e.logger.Info("engine stopped")
	})
	return errors.Join(errs...)
}

// Ready reports whether the engine is started and not shutting down.
func (e *Engine) Ready() bool {
	return e.ready.Load()
}

// Done is closed when the platform stream ended for good or a plugin
// requested shutdown.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// RestartRequested reports whether a plugin asked for the runtime to be
// restarted rather than stopped.
func (e *Engine) RestartRequested() bool {
	return e.restart.Load()
}

func (e *Engine) watchDone() {
	select {
	case <-e.router.Done():
	case <-e.stopReq:
	case <-e.quit:
		return
	}
	close(e.done)
}

func (e *Engine) requestShutdown(name string, restart bool) {
	if restart {
		e.restart.Store(true)
	}
	e.stopReqOnce.Do(func() {
		e.logger.Info("shutdown requested by plugin", "plugin", name, "restart", restart)
		close(e.stopReq)
	})
}

// Handle returns the instance handle of a loaded plugin.
func (e *Engine) Handle(name string) (sandbox.Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.instances[name]
	if !ok {
		return sandbox.Handle{}, false
	}
	return l.handle, true
}

// Plugins returns the names of loaded plugins in sorted order.
func (e *Engine) Plugins() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.instances))
	for name := range e.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Info returns the sandbox view of a loaded plugin.
func (e *Engine) Info(name string) (sandbox.Info, error) {
	hd, ok := e.Handle(name)
	if !ok {
		return sandbox.Info{}, oops.In("engine").With("plugin", name).Errorf("plugin is not loaded")
	}
	return e.host.Info(hd)
}

// Stats returns scheduler and router counters.
func (e *Engine) Stats() Stats {
	return Stats{Scheduler: e.sched.Stats(), Router: e.router.Stats()}
}

// Dispatch routes one event as if it came from the platform stream.
func (e *Engine) Dispatch(ev platform.Event) int {
	return e.router.Dispatch(ev)
}

// Bridge exposes the host function bridge, mainly for inspection in tests.
func (e *Engine) Bridge() *bridge.Bridge {
	return e.bridge
}

func (e *Engine) faulted(hd sandbox.Handle, name string) {
	e.logger.Error("plugin instance faulted; restarts exhausted",
		"plugin", name,
		"handle", hd.String())
}

// watchedDirs maps plugin directories to plugin names for hot reload.
func (e *Engine) watchedDirs() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	dirs := make(map[string]string, len(e.instances))
	for name, l := range e.instances {
		if l.plugin.Dir != "" {
			dirs[l.plugin.Dir] = name
		}
	}
	return dirs
}
