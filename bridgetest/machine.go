// Package bridgetest provides an in-process fake of native code for tests.
//
// A Machine is at the same time the bootstrap.Memory, the bootstrap.ABI and the
// backing store of fake libraries. Functions are laid out as a run of NOP bytes
// followed by a Go body, so hooks patched into them really redirect calls.
package bridgetest

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/ZenLiuCN/bootstrap"
)

const (
	// PrologueSize is the count of NOP bytes in front of every fake function.
	PrologueSize = 32
	nop          = 0x90
	maxSteps     = 4096
)

type region struct {
	base uintptr
	data []byte
}

// Machine is a fake address space and CPU executing amd64 NOP and absolute jump instructions.
type Machine struct {
	mu      sync.Mutex
	next    uintptr
	regions []*region
	bodies  map[uintptr]reflect.Value
	patches int
}

// NewMachine create an empty Machine.
func NewMachine() *Machine {
	return &Machine{next: 0x10000, bodies: make(map[uintptr]reflect.Value)}
}

func (m *Machine) find(addr uintptr, n int) (*region, int, error) {
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].base+uintptr(len(m.regions[i].data)) > addr })
	if i == len(m.regions) || m.regions[i].base > addr {
		return nil, 0, fmt.Errorf("unmapped address %#x", addr)
	}
	r := m.regions[i]
	off := int(addr - r.base)
	if off+n > len(r.data) {
		return nil, 0, fmt.Errorf("access %#x+%d outside region %#x", addr, n, r.base)
	}
	return r, off, nil
}

func (m *Machine) Read(addr bootstrap.Sym, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, off, err := m.find(uintptr(addr), n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), r.data[off:off+n]...), nil
}

func (m *Machine) Write(addr bootstrap.Sym, b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, off, err := m.find(uintptr(addr), len(b))
	if err != nil {
		return err
	}
	copy(r.data[off:], b)
	return nil
}

func (m *Machine) Patch(addr bootstrap.Sym, b []byte) error {
	if err := m.Write(addr, b); err != nil {
		return err
	}
	m.mu.Lock()
	m.patches++
	m.mu.Unlock()
	return nil
}

// Patches count the successful Patch calls.
func (m *Machine) Patches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.patches
}

func (m *Machine) Alloc(n int) (bootstrap.Sym, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := m.next
	m.next += uintptr((n+15)&^15) + 0x100
	m.regions = append(m.regions, &region{base: base, data: make([]byte, n)})
	return bootstrap.Sym(base), nil
}

// Func lay out a fake function whose body is fn, fn takes and returns integer kinds or bool.
func (m *Machine) Func(fn any) bootstrap.Sym {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		panic(fmt.Sprintf("not a function: %T", fn))
	}
	addr, _ := m.Alloc(PrologueSize + 1)
	code := make([]byte, PrologueSize+1)
	for i := range code {
		code[i] = nop
	}
	code[PrologueSize] = 0xc3
	_ = m.Write(addr, code)
	m.mu.Lock()
	m.bodies[uintptr(addr)+PrologueSize] = v
	m.mu.Unlock()
	return addr
}

// Callback is Func.
func (m *Machine) Callback(fn any) bootstrap.Sym { return m.Func(fn) }

// Call execute from fn until a body is reached.
func (m *Machine) Call(fn bootstrap.Sym, args ...uintptr) uintptr {
	pc := uintptr(fn)
	for step := 0; step < maxSteps; step++ {
		m.mu.Lock()
		body, ok := m.bodies[pc]
		m.mu.Unlock()
		if ok {
			return invoke(body, args)
		}
		b, err := m.Read(bootstrap.Sym(pc), 1)
		if err != nil {
			panic(err)
		}
		if b[0] == nop {
			pc++
			continue
		}
		j, err := m.Read(bootstrap.Sym(pc), 14)
		if err != nil || j[0] != 0xff || j[1] != 0x25 || binary.LittleEndian.Uint32(j[2:6]) != 0 {
			panic(fmt.Sprintf("illegal instruction %#x at %#x", b[0], pc))
		}
		pc = uintptr(binary.LittleEndian.Uint64(j[6:14]))
	}
	panic(fmt.Sprintf("no body reached from %#x", uintptr(fn)))
}

func invoke(body reflect.Value, args []uintptr) uintptr {
	t := body.Type()
	if t.NumIn() != len(args) {
		panic(fmt.Sprintf("call %s with %d arguments", t, len(args)))
	}
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		p := t.In(i)
		if p.Kind() == reflect.Bool {
			in[i] = reflect.ValueOf(a != 0)
		} else {
			in[i] = reflect.ValueOf(a).Convert(p)
		}
	}
	out := body.Call(in)
	if len(out) == 0 {
		return 0
	}
	r := out[0]
	switch r.Kind() {
	case reflect.Bool:
		if r.Bool() {
			return 1
		}
		return 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return uintptr(r.Int())
	default:
		return uintptr(r.Uint())
	}
}

// Library create a fake library whose exports are either a bootstrap.Sym or a function body.
func (m *Machine) Library(name string, exports map[string]any) bootstrap.Library {
	s := make(bootstrap.Symbols, len(exports))
	for k, v := range exports {
		switch x := v.(type) {
		case bootstrap.Sym:
			s[k] = x
		default:
			s[k] = m.Func(x)
		}
	}
	return s.Library(name)
}
