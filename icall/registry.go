// Package icall binds native callbacks to managed method names of the engine runtime.
package icall

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ZenLiuCN/bootstrap"
	"github.com/ZenLiuCN/bootstrap/engine"
	"github.com/ZenLiuCN/fn"
	"go.uber.org/zap"
)

var (
	// ErrDuplicate means a managed name is registered twice.
	ErrDuplicate = errors.New("duplicate internal call")
)

// Registry registers internal calls through the runtime add_internal_call export.
type Registry struct {
	add   bootstrap.Func
	mu    sync.Mutex
	calls map[string]bootstrap.Sym
}

// NewRegistry bind the add_internal_call export of rt, an unsupported runtime fails.
func NewRegistry(abi bootstrap.ABI, rt *engine.Runtime) (*Registry, error) {
	if err := rt.RequireSupported(); err != nil {
		return nil, err
	}
	add, err := bootstrap.Bind(abi, rt.Library(), rt.Variant().AddInternalCall(), 2)
	if err != nil {
		return nil, bootstrap.Fail(bootstrap.KindSymbol, "icall", err)
	}
	return &Registry{add: add, calls: make(map[string]bootstrap.Sym)}, nil
}

// Register bind fn to the managed name.
func (r *Registry) Register(name string, fn bootstrap.Sym) error {
	if fn.IsNil() {
		return bootstrap.Fail(bootstrap.KindSymbol, "icall", fmt.Errorf("%s: %w", name, bootstrap.ErrNullFunction))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[name]; ok {
		return bootstrap.Fail(bootstrap.KindEnvironment, "icall", fmt.Errorf("%w: %s", ErrDuplicate, name))
	}
	if err := bootstrap.Protect(func() { r.add.Call(uintptr(bootstrap.CString(name)), uintptr(fn)) }); err != nil {
		return bootstrap.Fail(bootstrap.KindSymbol, "icall", fmt.Errorf("%s: %w", name, err))
	}
	r.calls[name] = fn
	bootstrap.Logger().Debug("internal call added", zap.String("name", name), zap.Stringer("fn", fn))
	return nil
}

// RegisterAll register every call of s in name order.
func (r *Registry) RegisterAll(s map[string]bootstrap.Sym) error {
	names := fn.MapKeys(s)
	sort.Strings(names)
	for _, name := range names {
		if err := r.Register(name, s[name]); err != nil {
			return err
		}
	}
	return nil
}

// Lookup the function registered under name.
func (r *Registry) Lookup(name string) (bootstrap.Sym, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.calls[name]
	return s, ok
}

// Names of the registered calls, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := fn.MapKeys(r.calls)
	sort.Strings(names)
	return names
}
