package patch_test

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/ZenLiuCN/bootstrap"
	"github.com/ZenLiuCN/bootstrap/bridgetest"
	"github.com/ZenLiuCN/bootstrap/patch"
	"github.com/ZenLiuCN/fn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var layout = patch.ThreadLayout{InternalThread: 8, Tid: 16}

func cstring(p uintptr) string {
	var b []byte
	for ; *(*byte)(unsafe.Pointer(p)) != 0; p++ {
		b = append(b, *(*byte)(unsafe.Pointer(p)))
	}
	return string(b)
}

type engineWorld struct {
	m        *bridgetest.Machine
	calls    []string
	observer uintptr
	checker  uintptr
	printed  []uintptr
	list     bootstrap.Sym
	attached int
	slots    []uintptr
}

// attach lay out an engine thread object whose native id is tid.
func (r *engineWorld) attach(tid uint64) {
	internal := fn.Panic1(r.m.Alloc(24))
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, tid)
	fn.Panic(r.m.Write(internal+bootstrap.Sym(layout.Tid), b))
	thread := fn.Panic1(r.m.Alloc(16))
	fn.Panic(bootstrap.WritePtr(r.m, thread+bootstrap.Sym(layout.InternalThread), internal))
	fn.Panic(bootstrap.WritePtr(r.m, r.list+bootstrap.Sym(r.attached*bootstrap.PtrSize), thread))
	r.attached++
}

func (r *engineWorld) libraries(skip string) (hosted, engine bootstrap.Library) {
	exports := map[string]any{
		patch.SymTraceLevel: func(p uintptr) { r.calls = append(r.calls, "level:"+cstring(p)) },
		patch.SymTraceMask:  func(p uintptr) { r.calls = append(r.calls, "mask:"+cstring(p)) },
		patch.SymUnhandledHook: func(cb, data uintptr) {
			r.calls = append(r.calls, "observer")
			r.observer = cb
		},
		patch.SymPrintUnhandled: func(exc uintptr) { r.printed = append(r.printed, exc) },
		patch.SymThreadChecker: func(cb uintptr) {
			r.calls = append(r.calls, "checker")
			r.checker = cb
		},
	}
	delete(exports, skip)
	hosted = r.m.Library("libmonosgen-2.0.so", exports)
	attached := map[string]any{
		patch.SymAttachedThreads: func(size uintptr) uintptr {
			r.slots = append(r.slots, size)
			*(*uintptr)(unsafe.Pointer(size)) = uintptr(r.attached)
			return uintptr(r.list)
		},
	}
	if skip == patch.SymAttachedThreads {
		attached = map[string]any{}
	}
	engine = r.m.Library("libil2cpp.so", attached)
	return
}

func newWorld() *engineWorld {
	r := &engineWorld{m: bridgetest.NewMachine()}
	r.list = fn.Panic1(r.m.Alloc(8 * bootstrap.PtrSize))
	return r
}

func TestApply(t *testing.T) {
	r := newWorld()
	hosted, engine := r.libraries("")
	l, err := patch.New(r.m, r.m, hosted, engine, patch.Options{Threads: layout})
	require.NoError(t, err)
	assert.Empty(t, r.calls)
	require.NoError(t, l.Apply())
	assert.Equal(t, []string{"level:debug", "mask:all", "observer", "checker"}, r.calls)
	assert.NotZero(t, r.observer)
	assert.NotZero(t, r.checker)

	r.m.Call(bootstrap.Sym(r.observer), 0, 0)
	assert.Empty(t, r.printed)
	r.m.Call(bootstrap.Sym(r.observer), 0xe1, 0)
	assert.Equal(t, []uintptr{0xe1}, r.printed)
}

func TestTraceOptions(t *testing.T) {
	r := newWorld()
	hosted, engine := r.libraries("")
	l := fn.Panic1(patch.New(r.m, r.m, hosted, engine, patch.Options{TraceLevel: "warning", TraceMask: "asm,jit"}))
	l.SetTrace()
	assert.Equal(t, []string{"level:warning", "mask:asm,jit"}, r.calls)
}

func TestMissingSymbol(t *testing.T) {
	for _, sym := range []string{patch.SymTraceLevel, patch.SymThreadChecker, patch.SymAttachedThreads} {
		t.Run(sym, func(t *testing.T) {
			r := newWorld()
			hosted, engine := r.libraries(sym)
			_, err := patch.New(r.m, r.m, hosted, engine, patch.Options{})
			assert.ErrorIs(t, err, bootstrap.ErrMissingSymbol)
			assert.Equal(t, bootstrap.KindSymbol, bootstrap.KindOf(err))
			assert.Contains(t, err.Error(), sym)
			assert.Empty(t, r.calls)
		})
	}
}

func TestThreadChecker(t *testing.T) {
	r := newWorld()
	hosted, engine := r.libraries("")
	l := fn.Panic1(patch.New(r.m, r.m, hosted, engine, patch.Options{Threads: layout}))
	assert.True(t, l.IsThreadSafeToHook(100))
	r.attach(100)
	r.attach(200)
	assert.False(t, l.IsThreadSafeToHook(100))
	assert.False(t, l.IsThreadSafeToHook(200))
	assert.True(t, l.IsThreadSafeToHook(300))

	require.NoError(t, l.Apply())
	assert.Equal(t, uintptr(0), r.m.Call(bootstrap.Sym(r.checker), 200))
	assert.Equal(t, uintptr(1), r.m.Call(bootstrap.Sym(r.checker), 300))
}

func TestThreadCheckerReusesCountSlot(t *testing.T) {
	r := newWorld()
	hosted, engine := r.libraries("")
	l := fn.Panic1(patch.New(r.m, r.m, hosted, engine, patch.Options{Threads: layout}))
	r.attach(100)
	for i := 0; i < 8; i++ {
		assert.False(t, l.IsThreadSafeToHook(100))
		assert.True(t, l.IsThreadSafeToHook(uint64(101+i)))
	}
	require.Len(t, r.slots, 16)
	for _, s := range r.slots {
		assert.Equal(t, r.slots[0], s)
	}
	r.attached = 0
	assert.True(t, l.IsThreadSafeToHook(100))
}

func TestUnreadableThreadIsSkipped(t *testing.T) {
	r := newWorld()
	hosted, engine := r.libraries("")
	l := fn.Panic1(patch.New(r.m, r.m, hosted, engine, patch.Options{Threads: layout}))
	fn.Panic(bootstrap.WritePtr(r.m, r.list, 0xdead0000))
	r.attached = 1
	r.attach(7)
	assert.False(t, l.IsThreadSafeToHook(7))
	assert.True(t, l.IsThreadSafeToHook(8))
}

func TestDefaultThreadLayout(t *testing.T) {
	d := patch.DefaultThreadLayout()
	if bootstrap.PtrSize == 8 {
		assert.Equal(t, patch.ThreadLayout{InternalThread: 16, Tid: 80}, d)
	} else {
		assert.Equal(t, patch.ThreadLayout{InternalThread: 8, Tid: 48}, d)
	}
}
