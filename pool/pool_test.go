package pool

import (
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"github.com/ZenLiuCN/bootstrap"
	"github.com/ZenLiuCN/fn"
	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
)

var images = map[string]bootstrap.Symbols{
	"libil2cpp.so": {"il2cpp_init": 0x10, "il2cpp_runtime_invoke": 0x20},
	"libmono.so":   {"mono_jit_init_version": 0x30},
}

func open(path string) (bootstrap.Library, error) {
	if s, ok := images[filepath.Base(path)]; ok {
		return s.Library(path), nil
	}
	return nil, errors.New("cannot open shared object file: " + path)
}

func TestNewPool(t *testing.T) {
	p := NewPool(open)
	lib := fn.Panic1(p.Load(Runtime, "/game/libil2cpp.so"))
	assert.Equal(t, "/game/libil2cpp.so", lib.Name())
	assert.Equal(t, bootstrap.Sym(0x20), p.Require(Runtime, "il2cpp_runtime_invoke"))
	fn.Panic1(p.Load(Hosted, "libmono.so"))
	names := p.Names()
	slices.Sort(names)
	assert.Equal(t, []string{Hosted, Runtime}, names)

	_, err := p.Load(Runtime, "libmono.so")
	assert.ErrorIs(t, err, ErrAlreadyLoad)
	assert.Equal(t, bootstrap.KindEnvironment, bootstrap.KindOf(err))

	sp := spew.NewDefaultConfig()
	sp.MaxDepth = 2
	t.Log(sp.Sdump(p.Names()))
}

func TestLoadFirst(t *testing.T) {
	p := NewPool(open)
	lib, err := p.LoadFirst(Runtime, "libGameAssembly.so", "libil2cpp.so", "libmono.so")
	assert.NoError(t, err)
	assert.Equal(t, "libil2cpp.so", lib.Name())

	_, err = p.LoadFirst(Runtime, "libmono.so")
	assert.ErrorIs(t, err, ErrAlreadyLoad)

	_, err = NewPool(open).LoadFirst(Runtime, "a.so", "b.so")
	assert.ErrorIs(t, err, ErrNoCandidate)
	assert.Equal(t, bootstrap.KindEnvironment, bootstrap.KindOf(err))
	assert.Contains(t, err.Error(), "b.so")
}

func TestPutGet(t *testing.T) {
	p := NewPool(open)
	lib := images["libmono.so"].Library("libmono.so")
	assert.NoError(t, p.Put(Hosted, lib))
	assert.ErrorIs(t, p.Put(Hosted, lib), ErrAlreadyLoad)
	got, ok := p.Get(Hosted)
	assert.True(t, ok)
	assert.Same(t, lib, got)
	_, ok = p.Get(Hostfxr)
	assert.False(t, ok)

	_, err := p.Library(Hostfxr)
	assert.ErrorIs(t, err, ErrNotLoad)
	assert.Panics(t, func() { p.Require(Hostfxr, "hostfxr_initialize_for_runtime_config") })
	err = bootstrap.Protect(func() { p.Require(Hosted, "mono_absent") })
	assert.ErrorIs(t, err, bootstrap.ErrMissingSymbol)
}
