//go:build !arm64

package bootstrap

// flushInstructionCache is a no-op where instruction fetch is coherent with data writes.
func flushInstructionCache(start, end uintptr) {}
