//go:build linux || darwin

package bootstrap

import (
	"fmt"

	"github.com/ebitengine/purego"
)

// Open load or attach the shared library at path, an image already mapped into the process is returned as is.
func Open(path string) (Library, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, Fail(KindEnvironment, "open", fmt.Errorf("load %s: %w", path, err))
	}
	return NewLibrary(path, handle, func(sym string) (uintptr, error) {
		return purego.Dlsym(handle, sym)
	}), nil
}

type nativeABI struct{}

// Native is the ABI of the running process.
var Native ABI = nativeABI{}

func (nativeABI) Call(fn Sym, args ...uintptr) uintptr {
	if fn.IsNil() {
		panic(ErrNullFunction)
	}
	r1, _, _ := purego.SyscallN(uintptr(fn), args...)
	return r1
}

func (nativeABI) Callback(fn any) Sym {
	return Sym(purego.NewCallback(fn))
}
