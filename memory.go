package bootstrap

import (
	"encoding/binary"
	"errors"
	"runtime"
	"unsafe"
)

// Memory gives access to the address space the bootstrap patches.
type Memory interface {
	Read(addr Sym, n int) ([]byte, error) //copy n bytes at addr
	Write(addr Sym, b []byte) error       //write data, addr must be writable already
	Patch(addr Sym, b []byte) error       //write code, protection is lifted and restored around the write
	Alloc(n int) (Sym, error)             //allocate memory that Patch can turn into code, never released
}

// PtrSize is the size of a native pointer.
const PtrSize = int(unsafe.Sizeof(uintptr(0)))

var (
	// ErrNullAddress occurs when null is read, written or hooked.
	ErrNullAddress = errors.New("null address")
)

// ReadPtr read a native pointer at addr.
func ReadPtr(m Memory, addr Sym) (Sym, error) {
	b, err := m.Read(addr, PtrSize)
	if err != nil {
		return 0, err
	}
	if PtrSize == 4 {
		return Sym(binary.LittleEndian.Uint32(b)), nil
	}
	return Sym(binary.LittleEndian.Uint64(b)), nil
}

// WritePtr write a native pointer at addr.
func WritePtr(m Memory, addr Sym, v Sym) error {
	b := make([]byte, PtrSize)
	if PtrSize == 4 {
		binary.LittleEndian.PutUint32(b, uint32(v))
	} else {
		binary.LittleEndian.PutUint64(b, uint64(v))
	}
	return m.Write(addr, b)
}

// ReadUint64 read a little endian uint64 at addr.
func ReadUint64(m Memory, addr Sym) (uint64, error) {
	b, err := m.Read(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Pointer returns the address of a Go object handed to native code, p stays pinned until release.
func Pointer[T any](p *T) (addr uintptr, release func()) {
	var pn runtime.Pinner
	pn.Pin(p)
	return uintptr(unsafe.Pointer(p)), pn.Unpin
}
