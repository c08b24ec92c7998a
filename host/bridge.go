// Package host drives the handshake with the managed host.
//
// Stage 1 loads the host assembly through a Loader and hands it an empty ImportTable, the host
// fills the resolver. Stage 2 reaches the second entry point through that resolver, in the load
// context the host wants, and exchanges both tables. The completed ImportTable is published
// into a Slot, PreStart and Start only ever read it from there.
package host

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/ZenLiuCN/bootstrap"
	"go.uber.org/zap"
)

// entry point of the managed host.
const (
	EntryType   = "MelonLoader.NativeHost.NativeEntryPoint, MelonLoader.NativeHost"
	Stage1Entry = "LoadStage1"
	Stage2Entry = "LoadStage2"
)

var (
	// ErrEntryPoint means the host module loaded but a stage entry point is absent.
	ErrEntryPoint = errors.New("missing entry point")
	// ErrMissingInitialize means stage 2 left ImportTable.Initialize null.
	ErrMissingInitialize = errors.New("missing initialize")
	// ErrNotReady means a lifecycle call came before the handshake completed.
	ErrNotReady = errors.New("bridge not ready")
	// ErrOutOfOrder means Start came before PreStart.
	ErrOutOfOrder = errors.New("start before pre start")
)

// State of a Bridge, it only moves forward.
type State int32

const (
	Unloaded State = iota
	Stage1Requested
	Stage1Complete
	Stage2Requested
	Ready
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Stage1Requested:
		return "stage 1 requested"
	case Stage1Complete:
		return "stage 1 complete"
	case Stage2Requested:
		return "stage 2 requested"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Loader loads a managed assembly and resolves an unmanaged callers only method from it.
type Loader interface {
	Load(config, assembly, typeName, method string) (bootstrap.Sym, error)
}

// Paths of the managed host artifacts, both must exist before stage 1.
type Paths struct {
	Config   string //runtime configuration
	Assembly string //managed host assembly
}

// Bridge performs the handshake once and serves the lifecycle calls.
type Bridge struct {
	abi      bootstrap.ABI
	loader   Loader
	paths    Paths
	exports  *ExportTable
	slot     *Slot
	state    atomic.Int32
	preStart atomic.Bool
}

// NewBridge create a Bridge handing exports to the managed host and publishing into slot, a nil slot makes one.
func NewBridge(abi bootstrap.ABI, loader Loader, paths Paths, exports ExportTable, slot *Slot) *Bridge {
	if slot == nil {
		slot = new(Slot)
	}
	return &Bridge{abi: abi, loader: loader, paths: paths, exports: &exports, slot: slot}
}

// State returns the current state.
func (b *Bridge) State() State { return State(b.state.Load()) }

// Slot the Import Table is published into.
func (b *Bridge) Slot() *Slot { return b.slot }

func (b *Bridge) advance(from, to State) error {
	if !b.state.CompareAndSwap(int32(from), int32(to)) {
		return bootstrap.Fail(bootstrap.KindHandshake, "handshake", fmt.Errorf("state is %s, want %s", b.State(), from))
	}
	bootstrap.Logger().Debug("bridge state", zap.Stringer("state", to))
	return nil
}

// Handshake run stage 1, stage 2 and the completion check, then publish the Import Table.
//
// Every failure is fatal, the Bridge stays in the state it failed in.
func (b *Bridge) Handshake() error {
	imports := new(ImportTable)
	if err := b.stage1(imports); err != nil {
		return err
	}
	if err := b.stage2(imports); err != nil {
		return err
	}
	if imports.Initialize.IsNil() {
		return bootstrap.Fail(bootstrap.KindHandshake, "initialize", ErrMissingInitialize)
	}
	bootstrap.Logger().Debug("invoking initialize")
	if err := b.invoke("Initialize", imports.Initialize); err != nil {
		return err
	}
	b.slot.Publish(*imports)
	return b.advance(Stage2Requested, Ready)
}

func (b *Bridge) stage1(imports *ImportTable) error {
	for _, f := range []string{b.paths.Config, b.paths.Assembly} {
		if _, err := os.Stat(f); err != nil {
			return bootstrap.Fail(bootstrap.KindEnvironment, "stage 1", fmt.Errorf("required file %s: %w", f, err))
		}
	}
	if err := b.advance(Unloaded, Stage1Requested); err != nil {
		return err
	}
	entry, err := b.loader.Load(b.paths.Config, b.paths.Assembly, EntryType, Stage1Entry)
	if err != nil {
		return bootstrap.Fail(bootstrap.KindHandshake, "stage 1", err)
	}
	if entry.IsNil() {
		return bootstrap.Fail(bootstrap.KindHandshake, "stage 1", fmt.Errorf("%w: %s", ErrEntryPoint, Stage1Entry))
	}
	p, release := bootstrap.Pointer(imports)
	defer release()
	bootstrap.Logger().Debug("invoking stage 1", zap.Stringer("entry", entry))
	if err = bootstrap.Protect(func() { bootstrap.Bound(b.abi, Stage1Entry, entry, 1).Call(p) }); err != nil {
		return bootstrap.Fail(bootstrap.KindHandshake, "stage 1", err)
	}
	return b.advance(Stage1Requested, Stage1Complete)
}

func (b *Bridge) stage2(imports *ImportTable) error {
	if err := b.advance(Stage1Complete, Stage2Requested); err != nil {
		return err
	}
	if imports.LoadAssemblyGetPtr.IsNil() {
		return bootstrap.Fail(bootstrap.KindHandshake, "stage 2", fmt.Errorf("%w: resolver not provided by %s", ErrEntryPoint, Stage1Entry))
	}
	var args [3]uintptr
	for i, s := range []string{b.paths.Assembly, EntryType, Stage2Entry} {
		w, err := bootstrap.WideString(s)
		if err != nil {
			return bootstrap.Fail(bootstrap.KindHandshake, "stage 2", fmt.Errorf("encode %q: %w", s, err))
		}
		args[i] = uintptr(w)
	}
	entry := new(bootstrap.Sym)
	out, release := bootstrap.Pointer(entry)
	defer release()
	bootstrap.Logger().Debug("resolving stage 2")
	err := bootstrap.Protect(func() {
		bootstrap.Bound(b.abi, "LoadAssemblyGetPtr", imports.LoadAssemblyGetPtr, 4).Call(args[0], args[1], args[2], out)
	})
	if err != nil {
		return bootstrap.Fail(bootstrap.KindHandshake, "stage 2", err)
	}
	if entry.IsNil() {
		return bootstrap.Fail(bootstrap.KindHandshake, "stage 2", fmt.Errorf("%w: %s", ErrEntryPoint, Stage2Entry))
	}
	ip, releaseImports := bootstrap.Pointer(imports)
	defer releaseImports()
	ep, releaseExports := bootstrap.Pointer(b.exports)
	defer releaseExports()
	bootstrap.Logger().Debug("invoking stage 2", zap.Stringer("entry", *entry))
	if err = bootstrap.Protect(func() { bootstrap.Bound(b.abi, Stage2Entry, *entry, 2).Call(ip, ep) }); err != nil {
		return bootstrap.Fail(bootstrap.KindHandshake, "stage 2", err)
	}
	return nil
}

func (b *Bridge) invoke(name string, fn bootstrap.Sym) error {
	if fn.IsNil() {
		return bootstrap.Fail(bootstrap.KindHandshake, name, fmt.Errorf("%w: %s", ErrEntryPoint, name))
	}
	return bootstrap.Fail(bootstrap.KindHandshake, name, bootstrap.Protect(func() { bootstrap.Bound(b.abi, name, fn, 0).Call() }))
}

func (b *Bridge) lifecycle(name string, pick func(ImportTable) bootstrap.Sym) (err error) {
	if b.State() != Ready {
		return bootstrap.Fail(bootstrap.KindHandshake, name, ErrNotReady)
	}
	if !b.slot.Read(func(t ImportTable) { err = b.invoke(name, pick(t)) }) {
		return bootstrap.Fail(bootstrap.KindHandshake, name, ErrNotReady)
	}
	return
}

// PreStart invoke the published ImportTable.PreStart.
func (b *Bridge) PreStart() error {
	if err := b.lifecycle("PreStart", func(t ImportTable) bootstrap.Sym { return t.PreStart }); err != nil {
		return err
	}
	b.preStart.Store(true)
	return nil
}

// Start invoke the published ImportTable.Start, PreStart must have run.
func (b *Bridge) Start() error {
	if b.State() == Ready && !b.preStart.Load() {
		return bootstrap.Fail(bootstrap.KindHandshake, "Start", ErrOutOfOrder)
	}
	return b.lifecycle("Start", func(t ImportTable) bootstrap.Sym { return t.Start })
}
