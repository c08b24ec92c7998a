package host

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"unicode/utf16"
	"unsafe"

	"github.com/ZenLiuCN/bootstrap"
	"github.com/ZenLiuCN/bootstrap/bridgetest"
	"github.com/ZenLiuCN/fn"
	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type loaderFunc func(config, assembly, typeName, method string) (bootstrap.Sym, error)

func (f loaderFunc) Load(config, assembly, typeName, method string) (bootstrap.Sym, error) {
	return f(config, assembly, typeName, method)
}

func wide(p uintptr) string {
	var s []uint16
	for i := uintptr(0); ; i += 2 {
		c := *(*uint16)(unsafe.Pointer(p + i))
		if c == 0 {
			break
		}
		s = append(s, c)
	}
	return string(utf16.Decode(s))
}

func artifacts(t *testing.T) Paths {
	dir := t.TempDir()
	p := Paths{
		Config:   filepath.Join(dir, "MelonLoader.runtimeconfig.json"),
		Assembly: filepath.Join(dir, "MelonLoader.NativeHost.dll"),
	}
	fn.Panic(os.WriteFile(p.Config, []byte("{}"), 0o644))
	fn.Panic(os.WriteFile(p.Assembly, []byte("MZ"), 0o644))
	return p
}

// managed is a fake managed host recording its calls.
type managed struct {
	m          *bridgetest.Machine
	calls      []string
	exports    ExportTable
	resolved   []string
	noResolver bool
	noInit     bool
	noStage2   bool
}

func (h *managed) loader() Loader {
	stage2 := h.m.Func(func(ip, ep uintptr) {
		h.calls = append(h.calls, "stage2")
		h.exports = *(*ExportTable)(unsafe.Pointer(ep))
		t := (*ImportTable)(unsafe.Pointer(ip))
		if !h.noInit {
			t.Initialize = h.m.Func(func() { h.calls = append(h.calls, "initialize") })
		}
		t.PreStart = h.m.Func(func() { h.calls = append(h.calls, "preStart") })
		t.Start = h.m.Func(func() { h.calls = append(h.calls, "start") })
	})
	resolver := h.m.Func(func(asm, typ, method, out uintptr) {
		h.resolved = []string{wide(asm), wide(typ), wide(method)}
		if !h.noStage2 {
			*(*bootstrap.Sym)(unsafe.Pointer(out)) = stage2
		}
	})
	stage1 := h.m.Func(func(ip uintptr) {
		h.calls = append(h.calls, "stage1")
		if !h.noResolver {
			(*ImportTable)(unsafe.Pointer(ip)).LoadAssemblyGetPtr = resolver
		}
	})
	return loaderFunc(func(config, assembly, typeName, method string) (bootstrap.Sym, error) {
		h.calls = append(h.calls, "load:"+method)
		return stage1, nil
	})
}

func exports(m *bridgetest.Machine) ExportTable {
	return ExportTable{
		HookAttach:     m.Func(func(slot, detour uintptr) {}),
		HookDetach:     m.Func(func(slot, detour uintptr) {}),
		LogConsole:     m.Func(func(msg uintptr) {}),
		GetJavaVM:      m.Func(func() uintptr { return 0 }),
		GetPackageName: m.Func(func() uintptr { return 0 }),
	}
}

func TestHandshake(t *testing.T) {
	m := bridgetest.NewMachine()
	h := &managed{m: m}
	paths := artifacts(t)
	ex := exports(m)
	b := NewBridge(m, h.loader(), paths, ex, nil)
	require.NoError(t, b.Handshake())
	assert.Equal(t, Ready, b.State())
	assert.Equal(t, []string{"load:" + Stage1Entry, "stage1", "stage2", "initialize"}, h.calls)
	assert.Equal(t, []string{paths.Assembly, EntryType, Stage2Entry}, h.resolved)
	assert.Equal(t, ex, h.exports)
	imports, ok := b.Slot().Load()
	require.True(t, ok)
	assert.False(t, imports.Initialize.IsNil())
	t.Log(spew.Sdump(imports))

	require.NoError(t, b.PreStart())
	require.NoError(t, b.Start())
	assert.Equal(t, []string{"preStart", "start"}, h.calls[4:])
}

func TestLifecycleBeforeReady(t *testing.T) {
	m := bridgetest.NewMachine()
	b := NewBridge(m, (&managed{m: m}).loader(), artifacts(t), exports(m), nil)
	for _, call := range []func() error{b.PreStart, b.Start} {
		err := call()
		assert.ErrorIs(t, err, ErrNotReady)
		assert.Equal(t, bootstrap.KindHandshake, bootstrap.KindOf(err))
	}
	_, ok := b.Slot().Load()
	assert.False(t, ok)
}

func TestStartBeforePreStart(t *testing.T) {
	m := bridgetest.NewMachine()
	h := &managed{m: m}
	b := NewBridge(m, h.loader(), artifacts(t), exports(m), nil)
	require.NoError(t, b.Handshake())
	assert.ErrorIs(t, b.Start(), ErrOutOfOrder)
	assert.NotContains(t, h.calls, "start")
}

func TestMissingArtifacts(t *testing.T) {
	for _, drop := range []func(Paths) string{
		func(p Paths) string { return p.Config },
		func(p Paths) string { return p.Assembly },
	} {
		m := bridgetest.NewMachine()
		h := &managed{m: m}
		paths := artifacts(t)
		missing := drop(paths)
		fn.Panic(os.Remove(missing))
		b := NewBridge(m, h.loader(), paths, exports(m), nil)
		err := b.Handshake()
		require.Error(t, err)
		assert.Equal(t, bootstrap.KindEnvironment, bootstrap.KindOf(err))
		assert.ErrorIs(t, err, os.ErrNotExist)
		assert.Contains(t, err.Error(), missing)
		assert.Equal(t, Unloaded, b.State())
		assert.Empty(t, h.calls)
	}
}

func TestHandshakeFailures(t *testing.T) {
	cases := []struct {
		name  string
		host  func(*managed)
		err   error
		state State
	}{
		{"no resolver", func(h *managed) { h.noResolver = true }, ErrEntryPoint, Stage2Requested},
		{"no stage 2", func(h *managed) { h.noStage2 = true }, ErrEntryPoint, Stage2Requested},
		{"no initialize", func(h *managed) { h.noInit = true }, ErrMissingInitialize, Stage2Requested},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m := bridgetest.NewMachine()
			h := &managed{m: m}
			c.host(h)
			b := NewBridge(m, h.loader(), artifacts(t), exports(m), nil)
			err := b.Handshake()
			assert.ErrorIs(t, err, c.err)
			assert.Equal(t, bootstrap.KindHandshake, bootstrap.KindOf(err))
			assert.Equal(t, c.state, b.State())
			assert.NotContains(t, h.calls, "initialize")
			_, ok := b.Slot().Load()
			assert.False(t, ok)
		})
	}
}

func TestLoaderFailureKeepsKind(t *testing.T) {
	m := bridgetest.NewMachine()
	env := bootstrap.Fail(bootstrap.KindEnvironment, "hostfxr", errors.New("no such module"))
	b := NewBridge(m, loaderFunc(func(string, string, string, string) (bootstrap.Sym, error) { return 0, env }), artifacts(t), exports(m), nil)
	err := b.Handshake()
	assert.Equal(t, bootstrap.KindEnvironment, bootstrap.KindOf(err))
	assert.Equal(t, Stage1Requested, b.State())

	b = NewBridge(m, loaderFunc(func(string, string, string, string) (bootstrap.Sym, error) { return 0, nil }), artifacts(t), exports(m), nil)
	err = b.Handshake()
	assert.ErrorIs(t, err, ErrEntryPoint)
	assert.Equal(t, bootstrap.KindHandshake, bootstrap.KindOf(err))
}

func TestSlot(t *testing.T) {
	var s Slot
	assert.False(t, s.Read(func(ImportTable) { t.Fatal("read before publish") }))
	s.Publish(ImportTable{Initialize: 1, Start: 3})
	var got ImportTable
	assert.True(t, s.Read(func(t ImportTable) { got = t }))
	assert.Equal(t, bootstrap.Sym(3), got.Start)
}
