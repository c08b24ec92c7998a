// Package pool keeps the native libraries the bootstrap talks to, by role name.
package pool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ZenLiuCN/bootstrap"
	"github.com/ZenLiuCN/fn"
	"go.uber.org/zap"
)

// Well known library roles.
const (
	Runtime = "runtime" //the engine runtime (il2cpp or mono)
	Hosted  = "hosted"  //the runtime library hosting managed code
	Hostfxr = "hostfxr" //the .NET host resolver
)

// Opener load a library by path.
type Opener func(path string) (bootstrap.Library, error)

type Pool struct {
	Open      Opener
	Libraries map[string]bootstrap.Library
	sync.RWMutex
}

var (
	ErrAlreadyLoad = errors.New("library already loaded")
	ErrNotLoad     = errors.New("library not loaded")
	ErrNoCandidate = errors.New("no candidate library could be loaded")
)

// Load open path under name.
func (p *Pool) Load(name, path string) (lib bootstrap.Library, err error) {
	p.Lock()
	defer p.Unlock()
	if _, ok := p.Libraries[name]; ok {
		return nil, bootstrap.Fail(bootstrap.KindEnvironment, name, ErrAlreadyLoad)
	}
	if lib, err = p.Open(path); err != nil {
		return nil, bootstrap.Fail(bootstrap.KindEnvironment, name, err)
	}
	p.Libraries[name] = lib
	bootstrap.Logger().Debug("library loaded", zap.String("role", name), zap.String("path", path))
	return
}

// LoadFirst open the first of paths that loads under name.
func (p *Pool) LoadFirst(name string, paths ...string) (lib bootstrap.Library, err error) {
	var errs []error
	for _, path := range paths {
		if lib, err = p.Load(name, path); err == nil {
			return
		}
		if errors.Is(err, ErrAlreadyLoad) {
			return nil, err
		}
		errs = append(errs, err)
	}
	return nil, bootstrap.Fail(bootstrap.KindEnvironment, name, fmt.Errorf("%w %v: %w", ErrNoCandidate, paths, errors.Join(errs...)))
}

// Put register an already opened library under name.
func (p *Pool) Put(name string, lib bootstrap.Library) error {
	p.Lock()
	defer p.Unlock()
	if _, ok := p.Libraries[name]; ok {
		return bootstrap.Fail(bootstrap.KindEnvironment, name, ErrAlreadyLoad)
	}
	p.Libraries[name] = lib
	return nil
}

// Get fetch the library loaded under name.
func (p *Pool) Get(name string) (lib bootstrap.Library, ok bool) {
	p.RLock()
	defer p.RUnlock()
	lib, ok = p.Libraries[name]
	return
}

// Library fetch the library loaded under name or fails.
func (p *Pool) Library(name string) (bootstrap.Library, error) {
	if lib, ok := p.Get(name); ok {
		return lib, nil
	}
	return nil, bootstrap.Fail(bootstrap.KindEnvironment, name, ErrNotLoad)
}

// Require fetch symbol from the library loaded under name, throws ErrNotLoad or bootstrap.ErrMissingSymbol.
func (p *Pool) Require(name, symbol string) bootstrap.Sym {
	lib, err := p.Library(name)
	if err != nil {
		panic(err)
	}
	return lib.MustFetch(symbol)
}

// Names of the loaded libraries.
func (p *Pool) Names() []string {
	p.RLock()
	defer p.RUnlock()
	return fn.MapKeys(p.Libraries)
}

// NewPool create new pool opening libraries with open.
func NewPool(open Opener) *Pool {
	return &Pool{Open: open, Libraries: make(map[string]bootstrap.Library)}
}
