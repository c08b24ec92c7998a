package bootstrap

import (
	"sync"
	"unsafe"

	"golang.org/x/text/encoding/unicode"
)

// strings handed to native code live as long as the process, keyed by content and encoding.
var (
	pinned   = make(map[string][]byte)
	pinnedMu sync.Mutex
)

func pin(key string, b []byte) Sym {
	pinnedMu.Lock()
	defer pinnedMu.Unlock()
	if v, ok := pinned[key]; ok {
		return Sym(uintptr(unsafe.Pointer(&v[0])))
	}
	pinned[key] = b
	return Sym(uintptr(unsafe.Pointer(&b[0])))
}

// CString returns a NUL terminated UTF-8 copy of s that native code may keep.
func CString(s string) Sym {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return pin("c:"+s, b)
}

// WideString returns a NUL terminated UTF-16LE copy of s that native code may keep.
func WideString(s string) (Sym, error) {
	b, err := UTF16(s)
	if err != nil {
		return 0, err
	}
	return pin("w:"+s, append(b, 0, 0)), nil
}

// UTF16 encode s as UTF-16LE without terminator.
func UTF16(s string) ([]byte, error) {
	return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(s))
}

// MaxCString bounds GoString reads.
const MaxCString = 4096

// GoString read a NUL terminated string at p, null is empty.
func GoString(m Memory, p Sym) string {
	if p.IsNil() {
		return ""
	}
	var out []byte
	for n := 0; n < MaxCString; n++ {
		b, err := m.Read(p+Sym(n), 1)
		if err != nil || b[0] == 0 {
			break
		}
		out = append(out, b[0])
	}
	return string(out)
}
