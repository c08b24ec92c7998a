package host

import (
	"sync"

	"github.com/ZenLiuCN/bootstrap"
)

type (
	//ImportTable holds functions the managed host supplies, field order is shared with the managed struct.
	ImportTable struct {
		LoadAssemblyGetPtr bootstrap.Sym //(assembly, type, method *utf16, out *Sym)
		Initialize         bootstrap.Sym //()
		PreStart           bootstrap.Sym //()
		Start              bootstrap.Sym //()
	}
	//ExportTable holds functions native code supplies to the managed host, field order is shared with the managed struct.
	ExportTable struct {
		HookAttach     bootstrap.Sym //(slot *Sym, detour Sym)
		HookDetach     bootstrap.Sym //(slot *Sym, detour Sym)
		LogConsole     bootstrap.Sym //(msg *char)
		GetJavaVM      bootstrap.Sym //() JavaVM*
		GetPackageName bootstrap.Sym //() *char
	}
)

// Complete reports whether every export is set.
func (e ExportTable) Complete() bool {
	return !e.HookAttach.IsNil() && !e.HookDetach.IsNil() && !e.LogConsole.IsNil() &&
		!e.GetJavaVM.IsNil() && !e.GetPackageName.IsNil()
}

// Slot publishes the Import Table once the handshake completes.
//
// Readers never see a table that is not fully populated: Publish swaps a complete copy under the write lock.
type Slot struct {
	mu    sync.RWMutex
	table *ImportTable
}

// Publish store t, later readers observe it.
func (s *Slot) Publish(t ImportTable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table = &t
}

// Load returns a copy of the published table, ok is false before Publish.
func (s *Slot) Load() (t ImportTable, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.table == nil {
		return
	}
	return *s.table, true
}

// Read run f with the published table while holding the read lock, ok is false before Publish.
func (s *Slot) Read(f func(t ImportTable)) (ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.table == nil {
		return false
	}
	f(*s.table)
	return true
}
