package icall

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/ZenLiuCN/bootstrap"
	"github.com/ZenLiuCN/bootstrap/hook"
	"github.com/ZenLiuCN/bootstrap/host"
	"go.uber.org/zap"
)

// managed names of the internal calls.
const (
	NameIs32Bit             = "MelonLoader.MelonUtils::IsGame32Bit"
	NameHookAttach          = "MelonLoader.BootstrapInterop::NativeHookAttach"
	NameHookDetach          = "MelonLoader.BootstrapInterop::NativeHookDetach"
	NameLogConsole          = "MelonLoader.BootstrapInterop::NativeLogConsole"
	NameGetJavaVM           = "MelonLoader.BootstrapInterop::NativeGetJavaVM"
	NameGetPackageName      = "MelonLoader.BootstrapInterop::NativeGetPackageName"
	NameGetLibPtr           = "MelonLoader.MonoInternals.MonoLibrary::GetLibPtr"
	NameCastAssemblyPtr     = "MelonLoader.MonoInternals.MonoLibrary::CastManagedAssemblyPtr"
	NameGetRootDomainPtr    = "MelonLoader.MonoInternals.MonoLibrary::GetRootDomainPtr"
	NameInstallHooks        = "MelonLoader.MonoInternals.ResolveInternals.AssemblyManager::InstallHooks"
	NameGetManagedDirectory = "MelonLoader.Support.Preload::GetManagedDirectory"
)

// hosted runtime exports used by the mono accessors.
const (
	SymRootDomain       = "mono_get_root_domain"
	SymPreloadHook      = "mono_install_assembly_preload_hook"
	SymSearchHook       = "mono_install_assembly_search_hook"
	SymAssemblyNameGet  = "mono_assembly_name_get_name"
	SymAssemblyOpenFull = "mono_assembly_open_full"
)

// Options of Natives.
type Options struct {
	Hosted      bootstrap.Library //hosted runtime, nil leaves the mono accessors returning null
	JavaVM      func() uintptr    //JavaVM recorded at load, nil is null
	PackageName string
	ManagedDir  string   //empty is null
	SearchDirs  []string //directories the assembly hooks look into
}

// Natives is the set of callbacks managed code reaches, through internal calls or the Export Table.
type Natives struct {
	abi   bootstrap.ABI
	mem   bootstrap.Memory
	hooks *hook.Engine
	opts  Options
	once  sync.Once
	syms  map[string]bootstrap.Sym

	installOnce sync.Once
	nameGet     bootstrap.Func
	openFull    bootstrap.Func
}

// NewNatives create the callback set attaching hooks through hooks.
func NewNatives(abi bootstrap.ABI, mem bootstrap.Memory, hooks *hook.Engine, opts Options) *Natives {
	return &Natives{abi: abi, mem: mem, hooks: hooks, opts: opts}
}

// Calls returns the callback address of every internal call by managed name, callbacks are created once.
func (n *Natives) Calls() map[string]bootstrap.Sym {
	n.once.Do(func() {
		n.syms = map[string]bootstrap.Sym{
			NameIs32Bit:             n.abi.Callback(n.Is32Bit),
			NameHookAttach:          n.abi.Callback(n.HookAttach),
			NameHookDetach:          n.abi.Callback(n.HookDetach),
			NameLogConsole:          n.abi.Callback(n.LogConsole),
			NameGetJavaVM:           n.abi.Callback(n.JavaVM),
			NameGetPackageName:      n.abi.Callback(n.PackageName),
			NameGetLibPtr:           n.abi.Callback(n.LibPtr),
			NameCastAssemblyPtr:     n.abi.Callback(n.CastAssemblyPtr),
			NameGetRootDomainPtr:    n.abi.Callback(n.RootDomainPtr),
			NameInstallHooks:        n.abi.Callback(n.InstallAssemblyHooks),
			NameGetManagedDirectory: n.abi.Callback(n.ManagedDir),
		}
	})
	out := make(map[string]bootstrap.Sym, len(n.syms))
	for k, v := range n.syms {
		out[k] = v
	}
	return out
}

// ExportTable returns the Export Table built from the same callbacks as the internal calls.
func (n *Natives) ExportTable() host.ExportTable {
	c := n.Calls()
	return host.ExportTable{
		HookAttach:     c[NameHookAttach],
		HookDetach:     c[NameHookDetach],
		LogConsole:     c[NameLogConsole],
		GetJavaVM:      c[NameGetJavaVM],
		GetPackageName: c[NameGetPackageName],
	}
}

func (n *Natives) Is32Bit() uintptr {
	if bootstrap.PtrSize == 4 {
		return 1
	}
	return 0
}

// HookAttach hook the function in *slot with detour, *slot becomes the trampoline.
func (n *Natives) HookAttach(slot, detour uintptr) {
	if _, err := n.hooks.Attach(bootstrap.Sym(slot), bootstrap.Sym(detour)); err != nil {
		bootstrap.Logger().Error("managed hook attach", zap.Error(err))
	}
}

// HookDetach undo HookAttach.
func (n *Natives) HookDetach(slot, detour uintptr) {
	if err := n.hooks.Detach(bootstrap.Sym(slot), bootstrap.Sym(detour)); err != nil {
		bootstrap.Logger().Error("managed hook detach", zap.Error(err))
	}
}

// LogConsole write a managed message to the log.
func (n *Natives) LogConsole(msg uintptr) {
	bootstrap.Logger().Named("managed").Info(bootstrap.GoString(n.mem, bootstrap.Sym(msg)))
}

func (n *Natives) JavaVM() uintptr {
	if n.opts.JavaVM == nil {
		return 0
	}
	return n.opts.JavaVM()
}

func (n *Natives) PackageName() uintptr {
	if n.opts.PackageName == "" {
		return 0
	}
	return uintptr(bootstrap.CString(n.opts.PackageName))
}

func (n *Natives) ManagedDir() uintptr {
	if n.opts.ManagedDir == "" {
		return 0
	}
	return uintptr(bootstrap.CString(n.opts.ManagedDir))
}

// LibPtr returns the native handle of the hosted runtime.
func (n *Natives) LibPtr() uintptr {
	if n.opts.Hosted == nil {
		return 0
	}
	return n.opts.Hosted.Handle()
}

// CastAssemblyPtr hands a managed assembly pointer back as a native one.
func (n *Natives) CastAssemblyPtr(p uintptr) uintptr { return p }

// RootDomainPtr returns the root domain of the hosted runtime.
func (n *Natives) RootDomainPtr() uintptr {
	if n.opts.Hosted == nil {
		return 0
	}
	f, err := bootstrap.Bind(n.abi, n.opts.Hosted, SymRootDomain, 0)
	if err != nil {
		bootstrap.Logger().Error("root domain", zap.Error(err))
		return 0
	}
	return f.Call()
}

// InstallAssemblyHooks install the assembly preload and search hooks of the hosted runtime, once.
func (n *Natives) InstallAssemblyHooks() {
	n.installOnce.Do(func() {
		if err := n.installAssemblyHooks(); err != nil {
			bootstrap.Logger().Error("assembly hooks", zap.Error(err))
		}
	})
}

func (n *Natives) installAssemblyHooks() (err error) {
	if n.opts.Hosted == nil {
		return bootstrap.Fail(bootstrap.KindEnvironment, "assembly hooks", bootstrap.ErrNullAddress)
	}
	lib := n.opts.Hosted
	var preload, search bootstrap.Func
	if preload, err = bootstrap.Bind(n.abi, lib, SymPreloadHook, 2); err != nil {
		return
	}
	if search, err = bootstrap.Bind(n.abi, lib, SymSearchHook, 2); err != nil {
		return
	}
	if n.nameGet, err = bootstrap.Bind(n.abi, lib, SymAssemblyNameGet, 1); err != nil {
		return
	}
	if n.openFull, err = bootstrap.Bind(n.abi, lib, SymAssemblyOpenFull, 3); err != nil {
		return
	}
	return bootstrap.Protect(func() {
		preload.Call(uintptr(n.abi.Callback(n.preloadHook)), 0)
		search.Call(uintptr(n.abi.Callback(n.searchHook)), 0)
		bootstrap.Logger().Debug("assembly hooks installed", zap.Strings("dirs", n.opts.SearchDirs))
	})
}

func (n *Natives) preloadHook(name, paths, userData uintptr) uintptr { return n.resolve(name) }
func (n *Natives) searchHook(name, userData uintptr) uintptr         { return n.resolve(name) }

// resolve open <name>.dll from the search directories, null lets the runtime continue.
func (n *Natives) resolve(aname uintptr) uintptr {
	name := bootstrap.GoString(n.mem, bootstrap.Sym(n.nameGet.Call(aname)))
	if name == "" {
		return 0
	}
	for _, dir := range n.opts.SearchDirs {
		path := filepath.Join(dir, name+".dll")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		status := new(int32)
		sp, release := bootstrap.Pointer(status)
		asm := n.openFull.Call(uintptr(bootstrap.CString(path)), sp, 0)
		release()
		if asm != 0 {
			bootstrap.Logger().Debug("assembly resolved", zap.String("name", name), zap.String("path", path))
			return asm
		}
		bootstrap.Logger().Debug("assembly open failed", zap.String("path", path), zap.Int32("status", *status))
	}
	return 0
}
