//go:build !(linux || darwin)

package bootstrap

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrPlatform occurs on a platform the bootstrap can not run on.
var ErrPlatform = errors.New("unsupported platform " + runtime.GOOS)

// Open always fails on this platform.
func Open(path string) (Library, error) {
	return nil, Fail(KindEnvironment, "open", fmt.Errorf("load %s: %w", path, ErrPlatform))
}

type nativeABI struct{}

// Native is the ABI of the running process.
var Native ABI = nativeABI{}

func (nativeABI) Call(Sym, ...uintptr) uintptr { panic(ErrPlatform) }
func (nativeABI) Callback(any) Sym             { panic(ErrPlatform) }
