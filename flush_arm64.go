package bootstrap

//go:noescape
func clearCache(start, end uintptr)

func flushInstructionCache(start, end uintptr) {
	if end > start {
		clearCache(start, end)
	}
}
