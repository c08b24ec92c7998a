// Package engine attaches to the game engine runtime and tells which flavor it is.
package engine

import (
	"errors"
	"fmt"

	"github.com/ZenLiuCN/bootstrap"
	"github.com/ZenLiuCN/bootstrap/pool"
	"go.uber.org/zap"
)

// Variant is the flavor of the engine runtime.
type Variant int

const (
	Unknown Variant = iota
	Il2Cpp
	Mono
)

var (
	ErrUnknownRuntime   = errors.New("no known runtime exports")
	ErrAmbiguousRuntime = errors.New("exports of more than one runtime")
	ErrUnsupported      = errors.New("runtime is unsupported")
)

// marker sets are disjoint, a variant matches when all of its names resolve.
var markers = map[Variant][]string{
	Il2Cpp: {"il2cpp_init", "il2cpp_add_internal_call", "il2cpp_thread_get_all_attached_threads"},
	Mono:   {"mono_jit_init_version", "mono_add_internal_call", "mono_get_root_domain"},
}

func (v Variant) String() string {
	switch v {
	case Il2Cpp:
		return "il2cpp"
	case Mono:
		return "mono"
	default:
		return "unknown"
	}
}

// Supported reports whether the bootstrap can run on v.
func (v Variant) Supported() bool { return v == Il2Cpp }

// Markers returns the export names identifying v.
func (v Variant) Markers() []string { return append([]string(nil), markers[v]...) }

// InitExport is the export the engine calls to initialize the runtime.
func (v Variant) InitExport() string {
	if v == Mono {
		return "mono_jit_init_version"
	}
	return "il2cpp_init"
}

// InvokeExport is the export the engine calls to invoke a managed method.
func (v Variant) InvokeExport() string {
	if v == Mono {
		return "mono_runtime_invoke"
	}
	return "il2cpp_runtime_invoke"
}

// AddInternalCall is the export binding a native function to a managed name.
func (v Variant) AddInternalCall() string {
	if v == Mono {
		return "mono_add_internal_call"
	}
	return "il2cpp_add_internal_call"
}

// RuntimeDir is the MelonLoader folder holding the managed assemblies for v.
func (v Variant) RuntimeDir() string {
	if v == Mono {
		return "net35"
	}
	return "net6"
}

// Classify inspects lib for the runtime flavor.
func Classify(lib bootstrap.Library) (Variant, error) {
	var found []Variant
	for _, v := range []Variant{Il2Cpp, Mono} {
		if matches(lib, markers[v]) {
			found = append(found, v)
		}
	}
	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		return Unknown, bootstrap.Fail(bootstrap.KindEnvironment, "classify", fmt.Errorf("%s: %w", lib.Name(), ErrUnknownRuntime))
	default:
		return Unknown, bootstrap.Fail(bootstrap.KindEnvironment, "classify", fmt.Errorf("%s: %w %v", lib.Name(), ErrAmbiguousRuntime, found))
	}
}

func matches(lib bootstrap.Library, names []string) bool {
	for _, n := range names {
		if _, ok := lib.Fetch(n); !ok {
			return false
		}
	}
	return true
}

// Runtime is the handle of the attached engine runtime, its Variant never changes.
type Runtime struct {
	lib     bootstrap.Library
	variant Variant
}

// Resolve classify lib once and wrap it.
func Resolve(lib bootstrap.Library) (*Runtime, error) {
	v, err := Classify(lib)
	if err != nil {
		return nil, err
	}
	bootstrap.Logger().Info("runtime detected", zap.String("library", lib.Name()), zap.Stringer("variant", v))
	return &Runtime{lib: lib, variant: v}, nil
}

// Attach load the first loadable of candidates into p as pool.Runtime and resolve it.
func Attach(p *pool.Pool, candidates ...string) (*Runtime, error) {
	lib, err := p.LoadFirst(pool.Runtime, candidates...)
	if err != nil {
		return nil, err
	}
	return Resolve(lib)
}

// Variant of the runtime.
func (r *Runtime) Variant() Variant { return r.variant }

// Library of the runtime.
func (r *Runtime) Library() bootstrap.Library { return r.lib }

// Export fetch an export of the runtime, missing export is a symbol failure.
func (r *Runtime) Export(sym string) (bootstrap.Sym, error) { return r.lib.Export(sym) }

// RequireSupported fails for a runtime the bootstrap refuses to run on.
func (r *Runtime) RequireSupported() error {
	if r.variant.Supported() {
		return nil
	}
	return bootstrap.Fail(bootstrap.KindEnvironment, "runtime", fmt.Errorf("%s %w", r.variant, ErrUnsupported))
}
