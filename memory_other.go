//go:build !(linux || darwin)

package bootstrap

// ProcessMemory is not available on this platform.
func ProcessMemory() Memory { panic(ErrPlatform) }
