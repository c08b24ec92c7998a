// Package hook detours native functions in memory.
//
// A hook overwrites the entry of a target function with an absolute jump to a detour.
// The overwritten instructions are copied into a trampoline followed by a jump back into
// the target, so calling the trampoline runs the original function.
package hook

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/ZenLiuCN/bootstrap"
	"go.uber.org/zap"
)

var (
	// ErrDoubleHook means already hooked
	ErrDoubleHook = errors.New("double hook")
	// ErrHookNotFound means the hook not found
	ErrHookNotFound = errors.New("hook not found")
	// ErrRelativeAddr means a stolen instruction is relative to its address
	ErrRelativeAddr = errors.New("relative address in instruction")
	// ErrTooShort means the function ends before a jump fits
	ErrTooShort = errors.New("function too short")
	// ErrNoArch means hooks are not supported on this architecture
	ErrNoArch = errors.New("no hook support for architecture")
)

// scan is how many bytes of a target are read to measure the prologue.
const scan = 64

// Record is one installed detour.
type Record struct {
	Target     bootstrap.Sym //hooked function
	Detour     bootstrap.Sym //replacement
	Trampoline bootstrap.Sym //calls the original
	Original   []byte        //overwritten bytes of Target
	Installed  bool
}

// Engine installs and removes hooks, safe between goroutines.
type Engine struct {
	mem   bootstrap.Memory
	arch  Arch
	mu    sync.Mutex
	hooks map[bootstrap.Sym]*Record
}

// NewEngine create an Engine patching mem with arch, a nil arch uses Host.
func NewEngine(mem bootstrap.Memory, arch Arch) *Engine {
	if arch == nil {
		arch = Host()
	}
	return &Engine{mem: mem, arch: arch, hooks: make(map[bootstrap.Sym]*Record)}
}

func fail(op string, err error) error {
	return bootstrap.Fail(bootstrap.KindHook, op, err)
}

// Hook redirect every call of target to detour.
//
// detour must have the same signature as target, nothing can check that.
func (e *Engine) Hook(target, detour bootstrap.Sym) (*Record, error) {
	r, err := e.Prepare(target, detour)
	if err != nil {
		return nil, err
	}
	if err = e.Install(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Prepare reserve target and build the trampoline of its hook, target itself is left untouched.
//
// The returned Record is complete before Install makes the detour reachable.
func (e *Engine) Prepare(target, detour bootstrap.Sym) (*Record, error) {
	if e.arch == nil {
		return nil, fail("hook", ErrNoArch)
	}
	if target.IsNil() || detour.IsNil() {
		return nil, fail("hook", bootstrap.ErrNullAddress)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.hooks[target]; ok {
		return nil, fail("hook", fmt.Errorf("%w: %s", ErrDoubleHook, target))
	}
	code, err := e.read(target)
	if err != nil {
		return nil, fail("hook", fmt.Errorf("read %s: %w", target, err))
	}
	n, err := e.arch.Prologue(code)
	if err != nil {
		return nil, fail("hook", fmt.Errorf("prologue of %s: %w", target, err))
	}
	r := &Record{Target: target, Detour: detour, Original: append([]byte(nil), code[:n]...)}
	body, err := e.arch.Relocate(r.Original, target)
	if err != nil {
		return nil, fail("hook", fmt.Errorf("relocate %s: %w", target, err))
	}
	tramp := append(body, e.arch.Jump(target+bootstrap.Sym(n))...)
	if r.Trampoline, err = e.mem.Alloc(len(tramp)); err != nil {
		return nil, fail("hook", fmt.Errorf("trampoline: %w", err))
	}
	if err = e.mem.Patch(r.Trampoline, tramp); err != nil {
		return nil, fail("hook", fmt.Errorf("trampoline: %w", err))
	}
	e.hooks[target] = r
	return r, nil
}

// Install patch the target of a prepared r with the jump to its detour.
func (e *Engine) Install(r *Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hooks[r.Target] != r {
		return fail("hook", fmt.Errorf("%w: %s", ErrHookNotFound, r.Target))
	}
	if r.Installed {
		return fail("hook", fmt.Errorf("%w: %s", ErrDoubleHook, r.Target))
	}
	if err := e.mem.Patch(r.Target, e.pad(e.arch.Jump(r.Detour), len(r.Original))); err != nil {
		delete(e.hooks, r.Target)
		return fail("hook", fmt.Errorf("patch %s: %w", r.Target, err))
	}
	r.Installed = true
	bootstrap.Logger().Debug("hook installed",
		zap.Stringer("target", r.Target),
		zap.Stringer("detour", r.Detour),
		zap.Stringer("trampoline", r.Trampoline),
		zap.Int("stolen", len(r.Original)))
	return nil
}

// read as much of the scan window as is readable.
func (e *Engine) read(target bootstrap.Sym) (code []byte, err error) {
	for n := scan; n >= e.arch.JumpSize(); n /= 2 {
		if code, err = e.mem.Read(target, n); err == nil {
			return
		}
	}
	return
}

func (e *Engine) pad(jump []byte, n int) []byte {
	b := bytes.NewBuffer(jump)
	for b.Len() < n {
		b.Write(e.arch.Nop())
	}
	return b.Bytes()[:n]
}

// Unhook restore the original entry of target, the trampoline stays valid. A prepared hook is only released.
func (e *Engine) Unhook(target bootstrap.Sym) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.hooks[target]
	if !ok {
		return fail("unhook", fmt.Errorf("%w: %s", ErrHookNotFound, target))
	}
	if !r.Installed {
		delete(e.hooks, target)
		return nil
	}
	if err := e.mem.Patch(target, r.Original); err != nil {
		return fail("unhook", fmt.Errorf("restore %s: %w", target, err))
	}
	r.Installed = false
	delete(e.hooks, target)
	bootstrap.Logger().Debug("hook removed", zap.Stringer("target", target))
	return nil
}

// Lookup the record of an installed hook on target.
func (e *Engine) Lookup(target bootstrap.Sym) (*Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.hooks[target]
	return r, ok
}

// Attach hook the function pointed by slot, then store the trampoline into slot.
//
// This is how managed code hooks: it keeps calling through slot to reach the original.
func (e *Engine) Attach(slot, detour bootstrap.Sym) (*Record, error) {
	target, err := bootstrap.ReadPtr(e.mem, slot)
	if err != nil {
		return nil, fail("attach", fmt.Errorf("read slot %s: %w", slot, err))
	}
	r, err := e.Hook(target, detour)
	if err != nil {
		return nil, err
	}
	if err = bootstrap.WritePtr(e.mem, slot, r.Trampoline); err != nil {
		return r, fail("attach", fmt.Errorf("write slot %s: %w", slot, err))
	}
	return r, nil
}

// Detach remove the hook attached through slot with detour, then restore the target into slot.
func (e *Engine) Detach(slot, detour bootstrap.Sym) error {
	tramp, err := bootstrap.ReadPtr(e.mem, slot)
	if err != nil {
		return fail("detach", fmt.Errorf("read slot %s: %w", slot, err))
	}
	var found *Record
	e.mu.Lock()
	for _, r := range e.hooks {
		if r.Trampoline == tramp && r.Detour == detour {
			found = r
			break
		}
	}
	e.mu.Unlock()
	if found == nil {
		return fail("detach", fmt.Errorf("%w: trampoline %s", ErrHookNotFound, tramp))
	}
	if err = e.Unhook(found.Target); err != nil {
		return err
	}
	if err = bootstrap.WritePtr(e.mem, slot, found.Target); err != nil {
		return fail("detach", fmt.Errorf("write slot %s: %w", slot, err))
	}
	return nil
}
