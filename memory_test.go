//go:build linux || darwin

package bootstrap

import (
	"runtime"
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessMemoryPatch(t *testing.T) {
	m := ProcessMemory()
	a := fn.Panic1(m.Alloc(14))
	b := fn.Panic1(m.Alloc(14))
	assert.Equal(t, a+16, b)
	code := []byte{0xff, 0x25, 0, 0, 0, 0, 1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, m.Patch(a, code))
	assert.Equal(t, code, fn.Panic1(m.Read(a, len(code))))

	_, err := m.Alloc(arenaSize + 1)
	assert.Error(t, err)
	assert.ErrorIs(t, m.Patch(0, code), ErrNullAddress)
	_, err = m.Read(0, 1)
	assert.ErrorIs(t, err, ErrNullAddress)
	assert.ErrorIs(t, m.Write(0, code), ErrNullAddress)
}

func TestPointers(t *testing.T) {
	m := ProcessMemory()
	slot := new(uintptr)
	p, release := Pointer(slot)
	defer release()
	require.NoError(t, WritePtr(m, Sym(p), 0xdeadbeef))
	assert.Equal(t, uintptr(0xdeadbeef), *slot)
	assert.Equal(t, Sym(0xdeadbeef), fn.Panic1(ReadPtr(m, Sym(p))))

	v := new(uint64)
	*v = 0x0102030405060708
	q, releaseV := Pointer(v)
	defer releaseV()
	assert.Equal(t, *v, fn.Panic1(ReadUint64(m, Sym(q))))
	runtime.KeepAlive(v)
}
