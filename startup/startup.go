// Package startup runs the bootstrap: an ordered pipeline of stages over one explicit Context.
//
// Stages run on the thread loading the bootstrap, before the engine starts other threads:
//
//	runtime      attach the engine runtime, classify it, refuse an unsupported flavor
//	layout       check the managed host artifacts exist
//	hosted       load the hosted runtime library
//	patches      configure the hosted runtime (trace, exception observer, thread checker)
//	init hook    detour the runtime init export
//	invoke hook  detour the runtime invoke export, it only forwards until the managed host is ready
//	icalls       register the internal calls
//
// The handshake runs later, inside the init detour, once the engine initialized its runtime.
package startup

import (
	"os"
	"sync/atomic"

	"github.com/ZenLiuCN/bootstrap"
	"github.com/ZenLiuCN/bootstrap/config"
	"github.com/ZenLiuCN/bootstrap/engine"
	"github.com/ZenLiuCN/bootstrap/hook"
	"github.com/ZenLiuCN/bootstrap/host"
	"github.com/ZenLiuCN/bootstrap/icall"
	"github.com/ZenLiuCN/bootstrap/patch"
	"github.com/ZenLiuCN/bootstrap/pool"
	"go.uber.org/zap"
)

const (
	// SceneChanged is the managed method whose first invocation starts the managed host.
	SceneChanged = "Internal_ActiveSceneChanged"
	// SymMethodName resolves the name of a runtime method.
	SymMethodName = "il2cpp_method_get_name"
)

// Options replace the native collaborators of a Context, zero fields use the process ones.
type Options struct {
	ABI     bootstrap.ABI
	Memory  bootstrap.Memory
	Open    pool.Opener
	Arch    hook.Arch
	Loader  func(c *Context) (host.Loader, error) //default loads hostfxr from the layout
	JavaVM  func() uintptr
	Exe     string //executable, default os.Executable
	Cmdline string //default /proc/self/cmdline
	Fatal   *Fatal
}

// Context owns every long lived object of the bootstrap.
type Context struct {
	Config   config.Config
	Layout   config.Layout
	ABI      bootstrap.ABI
	Memory   bootstrap.Memory
	Pool     *pool.Pool
	Runtime  *engine.Runtime
	Hosted   bootstrap.Library
	Hooks    *hook.Engine
	Patches  *patch.Layer
	Natives  *icall.Natives
	Registry *icall.Registry
	Bridge   *host.Bridge
	Fatal    *Fatal

	opts       Options
	init       atomic.Pointer[hook.Record]
	invoke     atomic.Pointer[hook.Record]
	methodName bootstrap.Func
	ready      atomic.Bool //handshake done and PreStart invoked
	started    atomic.Bool
}

// New create a Context for cfg.
func New(cfg config.Config, opts Options) *Context {
	if opts.ABI == nil {
		opts.ABI = bootstrap.Native
	}
	if opts.Memory == nil {
		opts.Memory = bootstrap.ProcessMemory()
	}
	if opts.Open == nil {
		opts.Open = bootstrap.Open
	}
	if opts.Loader == nil {
		opts.Loader = hostfxrLoader
	}
	if opts.Cmdline == "" {
		opts.Cmdline = "/proc/self/cmdline"
	}
	if opts.Fatal == nil {
		opts.Fatal = new(Fatal)
	}
	return &Context{
		Config: cfg,
		ABI:    opts.ABI,
		Memory: opts.Memory,
		Pool:   pool.NewPool(opts.Open),
		Hooks:  hook.NewEngine(opts.Memory, opts.Arch),
		Fatal:  opts.Fatal,
		opts:   opts,
	}
}

// Stage is one step of the pipeline.
type Stage struct {
	Name string
	Run  func(c *Context) error
}

// Stages of the pipeline in execution order.
func Stages() []Stage {
	return []Stage{
		{"runtime", (*Context).attachRuntime},
		{"layout", (*Context).preflight},
		{"hosted", (*Context).loadHosted},
		{"patches", (*Context).applyPatches},
		{"init hook", (*Context).hookInit},
		{"invoke hook", (*Context).hookInvoke},
		{"icalls", (*Context).registerCalls},
	}
}

// Run execute the stages in order and returns the first failure.
func (c *Context) Run() error {
	log := bootstrap.Logger()
	for _, s := range Stages() {
		log.Debug("stage", zap.String("stage", s.Name))
		if err := s.Run(c); err != nil {
			return bootstrap.Fail(bootstrap.KindOf(err), s.Name, err)
		}
	}
	log.Info("bootstrap ready, waiting for runtime init", zap.Stringer("variant", c.Runtime.Variant()))
	return nil
}

// Execute run a Context for cfg, any failure ends in the Fatal path.
func Execute(cfg config.Config, opts Options) *Context {
	c := New(cfg, opts)
	if err := c.Run(); err != nil {
		c.Fatal.Abort(err)
	}
	return c
}

// Main load the configuration from args and the environment, set up logging, then Execute.
func Main(args []string, opts Options) *Context {
	fatal := opts.Fatal
	if fatal == nil {
		fatal = new(Fatal)
		opts.Fatal = fatal
	}
	cfg, err := config.Load(args)
	if err != nil {
		fatal.Abort(err)
		return nil
	}
	log, err := bootstrap.NewLogger(cfg.LogFile, cfg.Debug)
	if err != nil {
		fatal.Abort(bootstrap.Fail(bootstrap.KindEnvironment, "log", err))
		return nil
	}
	bootstrap.SetLogger(log)
	log.Info("bootstrap starting", zap.String("base", cfg.BaseDir), zap.Strings("runtimes", cfg.Runtimes))
	return Execute(cfg, opts)
}

func (c *Context) attachRuntime() (err error) {
	if c.Runtime, err = engine.Attach(c.Pool, c.Config.Runtimes...); err != nil {
		return
	}
	if err = c.Runtime.RequireSupported(); err != nil {
		return
	}
	c.Layout = c.Config.Layout(c.Runtime.Variant().RuntimeDir())
	return
}

func (c *Context) preflight() error {
	return c.Layout.Preflight()
}

func (c *Context) loadHosted() (err error) {
	c.Hosted, err = c.Pool.Load(pool.Hosted, c.Layout.Hosted)
	return
}

func (c *Context) applyPatches() (err error) {
	c.Patches, err = patch.New(c.ABI, c.Memory, c.Hosted, c.Runtime.Library(), patch.Options{
		TraceLevel: c.Config.TraceLevel,
		TraceMask:  c.Config.TraceMask,
	})
	if err != nil {
		return
	}
	return c.Patches.Apply()
}

func (c *Context) hookInit() error {
	return c.detour(c.Runtime.Variant().InitExport(), &c.init, c.initDetour)
}

func (c *Context) hookInvoke() (err error) {
	if c.methodName, err = bootstrap.Bind(c.ABI, c.Runtime.Library(), SymMethodName, 1); err != nil {
		return
	}
	return c.detour(c.Runtime.Variant().InvokeExport(), &c.invoke, c.invokeDetour)
}

// detour hook the runtime export sym with fn, the record is stored into slot before the export jumps to fn.
func (c *Context) detour(sym string, slot *atomic.Pointer[hook.Record], fn any) error {
	target, err := c.Runtime.Export(sym)
	if err != nil {
		return err
	}
	r, err := c.Hooks.Prepare(target, c.ABI.Callback(fn))
	if err != nil {
		return err
	}
	slot.Store(r)
	return c.Hooks.Install(r)
}

func (c *Context) registerCalls() (err error) {
	exe := c.opts.Exe
	if exe == "" {
		if exe, err = os.Executable(); err != nil {
			return bootstrap.Fail(bootstrap.KindEnvironment, "executable", err)
		}
	}
	log := bootstrap.Logger()
	managed, err := config.ManagedDir(exe)
	if err != nil {
		log.Warn("managed directory", zap.Error(err))
	}
	name := c.Config.PackageName
	if name == "" {
		if name, err = config.PackageName(c.opts.Cmdline); err != nil {
			log.Debug("package name", zap.Error(err))
		}
	}
	c.Natives = icall.NewNatives(c.ABI, c.Memory, c.Hooks, icall.Options{
		Hosted:      c.Hosted,
		JavaVM:      c.opts.JavaVM,
		PackageName: name,
		ManagedDir:  managed,
		SearchDirs:  c.Layout.SearchDirs(managed),
	})
	if c.Registry, err = icall.NewRegistry(c.ABI, c.Runtime); err != nil {
		return
	}
	return c.Registry.RegisterAll(c.Natives.Calls())
}

// initDetour replaces the runtime init export: the engine runtime is initialized first, then the managed host.
func (c *Context) initDetour(domain uintptr) uintptr {
	ret := c.ABI.Call(c.init.Load().Trampoline, domain)
	bootstrap.Logger().Debug("runtime initialized", zap.Uintptr("result", ret))
	if err := c.startHost(); err != nil {
		c.Fatal.Abort(err)
	}
	return ret
}

func (c *Context) startHost() (err error) {
	loader, err := c.opts.Loader(c)
	if err != nil {
		return
	}
	paths := host.Paths{Config: c.Layout.Config, Assembly: c.Layout.HostAssembly}
	c.Bridge = host.NewBridge(c.ABI, loader, paths, c.Natives.ExportTable(), nil)
	if err = c.Bridge.Handshake(); err != nil {
		return
	}
	if err = c.Bridge.PreStart(); err != nil {
		return
	}
	c.ready.Store(true)
	return
}

func hostfxrLoader(c *Context) (host.Loader, error) {
	lib, err := c.Pool.Load(pool.Hostfxr, c.Layout.Hostfxr)
	if err != nil {
		return nil, err
	}
	return host.NewHostfxr(c.ABI, lib, "", c.Layout.DotnetRoot), nil
}

// invokeDetour replaces the runtime invoke export, the first scene change after PreStart starts the managed host.
func (c *Context) invokeDetour(method, obj, params, exc uintptr) uintptr {
	ret := c.ABI.Call(c.invoke.Load().Trampoline, method, obj, params, exc)
	if !c.ready.Load() || c.started.Load() {
		return ret
	}
	name := bootstrap.GoString(c.Memory, bootstrap.Sym(c.methodName.Call(method)))
	if name == SceneChanged && c.started.CompareAndSwap(false, true) {
		bootstrap.Logger().Debug("starting managed host", zap.String("method", name))
		if err := c.Bridge.Start(); err != nil {
			c.Fatal.Abort(err)
		}
	}
	return ret
}

// Started reports whether the managed host was started.
func (c *Context) Started() bool { return c.started.Load() }

// ManagedHost returns the published Import Table.
func (c *Context) ManagedHost() (host.ImportTable, error) {
	if c.Bridge == nil {
		return host.ImportTable{}, bootstrap.Fail(bootstrap.KindHandshake, "imports", host.ErrNotReady)
	}
	t, ok := c.Bridge.Slot().Load()
	if !ok {
		return t, bootstrap.Fail(bootstrap.KindHandshake, "imports", host.ErrNotReady)
	}
	return t, nil
}
