// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

// Package sandbox runs plugin WebAssembly modules under wazero, one isolated
// runtime per instance, with host functions bound according to the
// instance's capability table.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/composebot/composebot/internal/observability"
	"github.com/composebot/composebot/internal/plugin"
	"github.com/composebot/composebot/internal/plugin/capability"
	"github.com/composebot/composebot/internal/runerr"
	"github.com/composebot/composebot/pkg/abi"
)

// Defaults applied by NewHost to zero Config fields.
const (
	DefaultMaxMemoryPages = 256
	DefaultInitTimeout    = 5 * time.Second
)

// ErrHostClosed is returned when operations are attempted on a closed host.
var ErrHostClosed = errors.New("sandbox host is closed")

// Config tunes the sandbox host.
type Config struct {
	// MaxMemoryPages caps every instance's linear memory (64 KiB pages).
	// A manifest may ask for less, never more.
	MaxMemoryPages uint32
	// EnableWASI exposes wasi_snapshot_preview1 to guests.
	EnableWASI  bool
	InitTimeout time.Duration
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Metrics     *observability.Metrics
}

// Result is the outcome of one entry point invocation.
type Result struct {
	// Status is the entry point's return value; negative means the plugin
	// reported failure.
	Status int32
	// Skipped is set when the module does not export the entry point.
	Skipped  bool
	Duration time.Duration
}

// Info describes a loaded instance.
type Info struct {
	Handle      Handle
	Plugin      string
	Digest      string
	State       State
	Incarnation uint64
	Functions   []string
}

type instance struct {
	handle     Handle
	pluginName string

	mu          sync.Mutex
	plugin      *plugin.Plugin
	table       *capability.Table
	entries     plugin.EntryPoints
	rt          wazero.Runtime
	mod         api.Module
	state       State
	incarnation uint64
	staged      *staged
}

type staged struct {
	plugin *plugin.Plugin
	table  *capability.Table
}

func (i *instance) name() string {
	return i.pluginName
}

// Host owns every plugin instance. It is safe for concurrent use; callers
// must not Invoke the same handle concurrently.
type Host struct {
	cfg     Config
	fns     HostFunctions
	cache   wazero.CompilationCache
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.Metrics

	mu     sync.RWMutex
	arena  arena
	closed bool
}

// NewHost creates a sandbox host whose granted host functions are served
// by fns.
func NewHost(cfg Config, fns HostFunctions) *Host {
	if cfg.MaxMemoryPages == 0 {
		cfg.MaxMemoryPages = DefaultMaxMemoryPages
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("sandbox")
	}
	return &Host{
		cfg:     cfg,
		fns:     fns,
		cache:   wazero.NewCompilationCache(),
		logger:  cfg.Logger.With("component", "sandbox"),
		tracer:  cfg.Tracer,
		metrics: cfg.Metrics,
	}
}

func loadErr(name string, err error, msg string) error {
	return oops.In("sandbox").Code(runerr.CodeLoad).With("plugin", name).
		Wrapf(runerr.Mark(runerr.ErrLoad, err), "%s", msg)
}

// Load verifies p against g, compiles and instantiates it, and runs its
// init entry point if exported.
func (h *Host) Load(ctx context.Context, p *plugin.Plugin, g *plugin.Grant) (Handle, error) {
	if p == nil || p.Manifest == nil {
		return Handle{}, loadErr("", errors.New("plugin is nil"), "load")
	}
	ctx, span := h.tracer.Start(ctx, "sandbox.Load",
		trace.WithAttributes(attribute.String("plugin.name", p.Name())))
	defer span.End()

	table, err := h.prepare(p, g)
	if err != nil {
		span.RecordError(err)
		return Handle{}, err
	}

	inst := &instance{
		pluginName: p.Name(),
		plugin:     p,
		table:      table,
		entries:    p.EntryPoints(),
		state:      StateLoaded,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return Handle{}, ErrHostClosed
	}
	inst.handle = h.arena.insert(inst)
	h.mu.Unlock()

	inst.mu.Lock()
	err = h.start(ctx, inst)
	inst.mu.Unlock()
	if err != nil {
		h.mu.Lock()
		h.arena.remove(inst.handle)
		h.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return Handle{}, err
	}

	h.logger.Info("plugin instance loaded",
		"plugin", p.Name(),
		"version", p.Manifest.Version,
		"handle", inst.handle.String(),
		"digest", p.Digest,
		"functions", table.Functions())
	return inst.handle, nil
}

// prepare checks integrity and the grant, and builds the capability table.
func (h *Host) prepare(p *plugin.Plugin, g *plugin.Grant) (*capability.Table, error) {
	if g == nil {
		return nil, loadErr(p.Name(), errors.New("grant is nil"), "load")
	}
	if g.Plugin() != p.Name() {
		return nil, loadErr(p.Name(), fmt.Errorf("grant belongs to %q", g.Plugin()), "manifest/grant mismatch")
	}
	if err := plugin.VerifyDigest(p.Digest, p.Module); err != nil {
		return nil, loadErr(p.Name(), err, "module integrity")
	}
	// Re-resolve so a hand-built grant cannot exceed the manifest.
	if _, err := plugin.ResolveGrant(p, g.Capabilities(), g.Events()); err != nil {
		return nil, loadErr(p.Name(), err, "manifest/grant mismatch")
	}
	table, err := capability.NewTable(p.Name(), g.Capabilities())
	if err != nil {
		return nil, loadErr(p.Name(), err, "capability table")
	}
	return table, nil
}

// start instantiates inst.plugin into a fresh runtime and runs init.
// Caller holds inst.mu.
func (h *Host) start(ctx context.Context, inst *instance) error {
	rt, mod, err := h.instantiate(ctx, inst)
	if err != nil {
		inst.state = StateFaulted
		return err
	}
	inst.rt, inst.mod = rt, mod

	if err := h.runInit(ctx, inst); err != nil {
		h.closeRuntime(ctx, inst)
		inst.state = StateFaulted
		return err
	}
	inst.state = StateReady
	return nil
}

func (h *Host) memoryPages(p *plugin.Plugin) uint32 {
	pages := h.cfg.MaxMemoryPages
	if m := p.Manifest.MemoryPages; m > 0 && m < pages {
		pages = m
	}
	return pages
}

func (h *Host) instantiate(ctx context.Context, inst *instance) (wazero.Runtime, api.Module, error) {
	p := inst.plugin
	rtCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(h.memoryPages(p)).
		WithCloseOnContextDone(true).
		WithCompilationCache(h.cache)
	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)

	fail := func(err error, msg string) (wazero.Runtime, api.Module, error) {
		_ = rt.Close(ctx)
		return nil, nil, loadErr(p.Name(), err, msg)
	}

	if h.cfg.EnableWASI {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
			return fail(err, "instantiate WASI")
		}
	}

	compiled, err := rt.CompileModule(ctx, p.Module)
	if err != nil {
		return fail(err, "compile module")
	}
	if err := checkImports(compiled, h.cfg.EnableWASI); err != nil {
		return fail(err, "unsatisfiable imports")
	}
	entries := inst.entries
	if err := checkExports(compiled, []string{entries.Event, entries.Timer, entries.Result, entries.Call}, entries.Init); err != nil {
		return fail(err, "missing exports")
	}
	if err := h.buildHostModule(ctx, rt, inst); err != nil {
		return fail(err, "bind host functions")
	}

	modCfg := wazero.NewModuleConfig().
		WithName(p.Name()).
		WithStartFunctions()
	mod, err := rt.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		return fail(err, "instantiate module")
	}
	return rt, mod, nil
}

func (h *Host) runInit(ctx context.Context, inst *instance) error {
	fn := inst.mod.ExportedFunction(inst.entries.Init)
	if fn == nil {
		return nil
	}
	ictx, cancel := context.WithTimeout(ctx, h.cfg.InitTimeout)
	defer cancel()
	out, err := fn.Call(ictx)
	if err != nil {
		return loadErr(inst.name(), err, "init")
	}
	if st := api.DecodeI32(out[0]); st < 0 {
		return loadErr(inst.name(), fmt.Errorf("init returned status %d", st), "init")
	}
	return nil
}

func (h *Host) closeRuntime(ctx context.Context, inst *instance) {
	if inst.rt == nil {
		return
	}
	if err := inst.rt.Close(context.WithoutCancel(ctx)); err != nil {
		h.logger.Warn("failed to close runtime", "plugin", inst.name(), "error", err)
	}
	inst.rt, inst.mod = nil, nil
}

func (h *Host) lookup(hd Handle) (*instance, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil, ErrHostClosed
	}
	inst, ok := h.arena.get(hd)
	if !ok {
		return nil, oops.In("sandbox").Code(runerr.CodeUnknownInstance).With("handle", hd.String()).
			Wrap(runerr.ErrUnknownInstance)
	}
	return inst, nil
}

// Invoke runs entry with payload on the instance and returns its status.
// A missing export yields a skipped Result. Traps and deadline expiry leave
// the instance Faulted; it must be Reset before it runs again.
func (h *Host) Invoke(ctx context.Context, hd Handle, entry string, payload []byte) (Result, error) {
	inst, err := h.lookup(hd)
	if err != nil {
		return Result{}, err
	}

	ctx, span := h.tracer.Start(ctx, "sandbox.Invoke",
		trace.WithAttributes(
			attribute.String("plugin.name", inst.name()),
			attribute.String("plugin.entry", entry),
			attribute.String("job.id", JobIDFromContext(ctx)),
		))
	defer span.End()

	inst.mu.Lock()
	switch inst.state {
	case StateReady:
	case StateFaulted:
		inst.mu.Unlock()
		return Result{}, oops.In("sandbox").Code(runerr.CodeInstanceFaulted).With("plugin", inst.name()).
			Wrap(runerr.ErrInstanceFaulted)
	default:
		st := inst.state
		inst.mu.Unlock()
		return Result{}, oops.In("sandbox").With("plugin", inst.name()).Errorf("instance is %s", st)
	}
	mod, incarnation := inst.mod, inst.incarnation
	inst.state = StateRunning
	inst.mu.Unlock()

	start := time.Now()
	res, callErr := h.call(ctx, mod, entry, payload)
	res.Duration = time.Since(start)

	inst.mu.Lock()
	if inst.incarnation == incarnation && inst.state == StateRunning {
		if callErr != nil {
			inst.state = StateFaulted
		} else {
			inst.state = StateReady
		}
	}
	inst.mu.Unlock()

	if callErr != nil {
		err := h.classify(ctx, inst, entry, callErr)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invoke failed")
		return res, err
	}
	span.SetAttributes(attribute.Int("plugin.status", int(res.Status)))
	return res, nil
}

func (h *Host) call(ctx context.Context, mod api.Module, entry string, payload []byte) (Result, error) {
	fn := mod.ExportedFunction(entry)
	if fn == nil {
		return Result{Skipped: true}, nil
	}
	alloc := mod.ExportedFunction(abi.ExportAlloc)
	out, err := alloc.Call(ctx, uint64(len(payload)))
	if err != nil {
		return Result{}, fmt.Errorf("alloc: %w", err)
	}
	ptr := api.DecodeU32(out[0])
	if len(payload) > 0 && !mod.Memory().Write(ptr, payload) {
		return Result{}, fmt.Errorf("alloc returned out-of-range pointer %d for %d bytes", ptr, len(payload))
	}
	out, err = fn.Call(ctx, uint64(ptr), uint64(len(payload)))
	if err != nil {
		return Result{}, err
	}
	return Result{Status: api.DecodeI32(out[0])}, nil
}

func (h *Host) classify(ctx context.Context, inst *instance, entry string, err error) error {
	builder := oops.In("sandbox").With("plugin", inst.name()).With("entry", entry)

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case sys.ExitCodeDeadlineExceeded:
			return builder.Code(runerr.CodeTimeout).Wrap(runerr.Mark(runerr.ErrTimeout, err))
		case sys.ExitCodeContextCanceled:
			return builder.Code(runerr.CodeCancelled).Wrap(runerr.Mark(runerr.ErrCancelled, err))
		}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return builder.Code(runerr.CodeTimeout).Wrap(runerr.Mark(runerr.ErrTimeout, err))
	}
	return builder.Code(runerr.CodeSandboxTrap).Wrap(runerr.Mark(runerr.ErrSandboxTrap, err))
}

// Reset discards the instance's module and memory and instantiates a fresh
// one under the same handle. A staged Reload is applied here. Side effects
// of an interrupted job are not rolled back.
func (h *Host) Reset(ctx context.Context, hd Handle) error {
	inst, err := h.lookup(hd)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state == StateDestroyed {
		return oops.In("sandbox").Code(runerr.CodeUnknownInstance).With("handle", hd.String()).
			Wrap(runerr.ErrUnknownInstance)
	}

	h.closeRuntime(ctx, inst)
	inst.incarnation++
	if s := inst.staged; s != nil {
		inst.plugin, inst.table, inst.entries = s.plugin, s.table, s.plugin.EntryPoints()
		inst.staged = nil
	}
	if err := h.start(ctx, inst); err != nil {
		h.logger.Error("instance reset failed", "plugin", inst.name(), "handle", hd.String(), "error", err)
		return err
	}
	h.logger.Info("instance reset",
		"plugin", inst.name(),
		"handle", hd.String(),
		"incarnation", inst.incarnation)
	return nil
}

// Reload validates a new build of the instance's plugin and stages it; the
// next Reset swaps it in. The name must not change. On error the current
// module stays in place.
func (h *Host) Reload(ctx context.Context, hd Handle, p *plugin.Plugin, g *plugin.Grant) error {
	inst, err := h.lookup(hd)
	if err != nil {
		return err
	}
	if p == nil || p.Manifest == nil || p.Name() != inst.name() {
		return loadErr(inst.name(), errors.New("reload must keep the plugin name"), "reload")
	}
	table, err := h.prepare(p, g)
	if err != nil {
		return err
	}

	// Compile in a scratch runtime so a broken build never replaces a
	// working one.
	scratch := &instance{handle: hd, pluginName: p.Name(), plugin: p, table: table, entries: p.EntryPoints()}
	rt, _, err := h.instantiate(ctx, scratch)
	if err != nil {
		return err
	}
	_ = rt.Close(ctx)

	inst.mu.Lock()
	inst.staged = &staged{plugin: p, table: table}
	inst.mu.Unlock()
	h.logger.Info("plugin reload staged", "plugin", p.Name(), "handle", hd.String(), "digest", p.Digest)
	return nil
}

// Destroy releases the instance. Destroying an unknown or already
// destroyed handle is a no-op.
func (h *Host) Destroy(ctx context.Context, hd Handle) error {
	h.mu.Lock()
	inst, ok := h.arena.remove(hd)
	h.mu.Unlock()
	if !ok {
		return nil
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	h.closeRuntime(ctx, inst)
	inst.state = StateDestroyed
	h.logger.Info("plugin instance destroyed", "plugin", inst.name(), "handle", hd.String())
	return nil
}

// Info returns a snapshot of the instance.
func (h *Host) Info(hd Handle) (Info, error) {
	inst, err := h.lookup(hd)
	if err != nil {
		return Info{}, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return Info{
		Handle:      hd,
		Plugin:      inst.name(),
		Digest:      inst.plugin.Digest,
		State:       inst.state,
		Incarnation: inst.incarnation,
		Functions:   inst.table.Functions(),
	}, nil
}

// EntryPoints returns the entry point names of the instance's plugin.
func (h *Host) EntryPoints(hd Handle) (plugin.EntryPoints, error) {
	inst, err := h.lookup(hd)
	if err != nil {
		return plugin.EntryPoints{}, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.entries, nil
}

// Exists reports whether hd addresses a live instance.
func (h *Host) Exists(hd Handle) bool {
	_, err := h.lookup(hd)
	return err == nil
}

// Handles returns the handles of all live instances.
func (h *Host) Handles() []Handle {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.arena.handles()
}

// Close destroys every instance and releases the compilation cache.
// After Close, the Host should not be reused.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	handles := h.arena.handles()
	h.mu.Unlock()

	for _, hd := range handles {
		_ = h.Destroy(ctx, hd)
	}

	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return h.cache.Close(ctx)
}
