//go:build linux || darwin

package bootstrap

import (
	"fmt"
	"sync"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const arenaSize = 1 << 16

type processMemory struct {
	mu     sync.Mutex
	arenas [][]byte
	free   []byte
}

var process = new(processMemory)

// ProcessMemory is the Memory of the running process.
func ProcessMemory() Memory { return process }

func view(addr Sym, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
}

func (m *processMemory) Read(addr Sym, n int) ([]byte, error) {
	if addr.IsNil() {
		return nil, ErrNullAddress
	}
	b := make([]byte, n)
	copy(b, view(addr, n))
	return b, nil
}

func (m *processMemory) Write(addr Sym, b []byte) error {
	if addr.IsNil() {
		return ErrNullAddress
	}
	copy(view(addr, len(b)), b)
	return nil
}

func (m *processMemory) Patch(addr Sym, b []byte) (err error) {
	if addr.IsNil() {
		return ErrNullAddress
	}
	page := uintptr(unix.Getpagesize())
	start := uintptr(addr) &^ (page - 1)
	end := (uintptr(addr) + uintptr(len(b)) + page - 1) &^ (page - 1)
	region := view(Sym(start), int(end-start))
	if err = unix.Mprotect(region, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("unprotect %s: %w", addr, err)
	}
	copy(view(addr, len(b)), b)
	if err = unix.Mprotect(region, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("protect %s: %w", addr, err)
	}
	flushInstructionCache(uintptr(addr), uintptr(addr)+uintptr(len(b)))
	Logger().Debug("patched", zap.Stringer("addr", addr), zap.Int("size", len(b)))
	return nil
}

func (m *processMemory) Alloc(n int) (Sym, error) {
	n = (n + 15) &^ 15
	if n > arenaSize {
		return 0, fmt.Errorf("allocation of %d bytes exceeds arena", n)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.free) < n {
		arena, err := unix.Mmap(-1, 0, arenaSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			return 0, fmt.Errorf("map executable arena: %w", err)
		}
		m.arenas = append(m.arenas, arena)
		m.free = arena
	}
	p := Sym(uintptr(unsafe.Pointer(&m.free[0])))
	m.free = m.free[n:]
	return p, nil
}
