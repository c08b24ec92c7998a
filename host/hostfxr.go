package host

import (
	"fmt"
	"sync"

	"github.com/ZenLiuCN/bootstrap"
	"go.uber.org/zap"
)

// hostfxr exports and constants.
const (
	SymInitializeForRuntimeConfig = "hostfxr_initialize_for_runtime_config"
	SymGetRuntimeDelegate         = "hostfxr_get_runtime_delegate"

	delegateLoadAssemblyAndGetFunctionPointer = 5
	unmanagedCallersOnly                      = ^uintptr(0) //UNMANAGEDCALLERSONLY_METHOD (-1)
)

// managed exception HRESULTs meaning the assembly loaded but the entry point did not resolve.
var entryPointStatus = map[uint32]string{
	0x80131513: "missing method",
	0x80131522: "type load",
	0x80131523: "entry point not found",
	0x80131511: "missing member",
}

// initializeParameters is hostfxr_initialize_parameters.
type initializeParameters struct {
	Size       uintptr
	HostPath   bootstrap.Sym
	DotnetRoot bootstrap.Sym
}

// Hostfxr is a Loader over a loaded libhostfxr.
//
// The runtime is initialized on the first Load from its config, later loads reuse the delegate.
type Hostfxr struct {
	abi        bootstrap.ABI
	lib        bootstrap.Library
	hostPath   string
	dotnetRoot string
	mu         sync.Mutex
	load       bootstrap.Func //load_assembly_and_get_function_pointer
}

// NewHostfxr create a Loader over lib, dotnetRoot is the private runtime directory.
func NewHostfxr(abi bootstrap.ABI, lib bootstrap.Library, hostPath, dotnetRoot string) *Hostfxr {
	return &Hostfxr{abi: abi, lib: lib, hostPath: hostPath, dotnetRoot: dotnetRoot}
}

func failed(rc uintptr) bool { return int32(uint32(rc)) < 0 }

func (h *Hostfxr) delegate(config string) (bootstrap.Func, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.load.Valid() {
		return h.load, nil
	}
	initialize, err := bootstrap.Bind(h.abi, h.lib, SymInitializeForRuntimeConfig, 3)
	if err != nil {
		return h.load, err
	}
	getDelegate, err := bootstrap.Bind(h.abi, h.lib, SymGetRuntimeDelegate, 3)
	if err != nil {
		return h.load, err
	}
	params := &initializeParameters{
		Size:       3 * uintptr(bootstrap.PtrSize),
		DotnetRoot: bootstrap.CString(h.dotnetRoot),
	}
	if h.hostPath != "" {
		params.HostPath = bootstrap.CString(h.hostPath)
	}
	pp, releaseParams := bootstrap.Pointer(params)
	defer releaseParams()
	handle := new(uintptr)
	hp, releaseHandle := bootstrap.Pointer(handle)
	defer releaseHandle()
	if rc := initialize.Call(uintptr(bootstrap.CString(config)), pp, hp); failed(rc) {
		return h.load, bootstrap.Fail(bootstrap.KindEnvironment, "hostfxr", fmt.Errorf("initialize %s: status %#x", config, uint32(rc)))
	}
	bootstrap.Logger().Debug("hosted runtime initialized", zap.String("config", config), zap.String("dotnet", h.dotnetRoot))
	fn := new(bootstrap.Sym)
	fp, releaseFn := bootstrap.Pointer(fn)
	defer releaseFn()
	if rc := getDelegate.Call(*handle, delegateLoadAssemblyAndGetFunctionPointer, fp); failed(rc) || fn.IsNil() {
		return h.load, bootstrap.Fail(bootstrap.KindEnvironment, "hostfxr", fmt.Errorf("runtime delegate: status %#x", uint32(rc)))
	}
	h.load = bootstrap.Bound(h.abi, "load_assembly_and_get_function_pointer", *fn, 6)
	return h.load, nil
}

// Load resolve method of typeName in assembly as an unmanaged callers only function.
//
// A module that fails to load is an environment failure, a resolved module without the
// entry point is ErrEntryPoint.
func (h *Hostfxr) Load(config, assembly, typeName, method string) (bootstrap.Sym, error) {
	load, err := h.delegate(config)
	if err != nil {
		return 0, err
	}
	out := new(bootstrap.Sym)
	op, release := bootstrap.Pointer(out)
	defer release()
	rc := load.Call(
		uintptr(bootstrap.CString(assembly)),
		uintptr(bootstrap.CString(typeName)),
		uintptr(bootstrap.CString(method)),
		unmanagedCallersOnly, 0, op)
	if failed(rc) {
		if reason, ok := entryPointStatus[uint32(rc)]; ok {
			return 0, bootstrap.Fail(bootstrap.KindHandshake, "hostfxr", fmt.Errorf("%w: %s::%s %s", ErrEntryPoint, typeName, method, reason))
		}
		return 0, bootstrap.Fail(bootstrap.KindEnvironment, "hostfxr", fmt.Errorf("load %s: status %#x", assembly, uint32(rc)))
	}
	if out.IsNil() {
		return 0, bootstrap.Fail(bootstrap.KindHandshake, "hostfxr", fmt.Errorf("%w: %s::%s", ErrEntryPoint, typeName, method))
	}
	bootstrap.Logger().Debug("managed entry resolved", zap.String("method", method), zap.Stringer("addr", *out))
	return *out, nil
}
