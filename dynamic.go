package bootstrap

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type (
	//Lookup resolve one export of a library.
	Lookup func(sym string) (uintptr, error)
	//dynamic is a Library resolved through a Lookup, results are cached.
	dynamic struct {
		name   string
		handle uintptr
		lookup Lookup
		mu     sync.RWMutex
		cache  map[string]Sym
	}
)

// NewLibrary create a Library from a native handle and its lookup.
func NewLibrary(name string, handle uintptr, lookup Lookup) Library {
	return &dynamic{name: name, handle: handle, lookup: lookup, cache: make(map[string]Sym)}
}

func (s *dynamic) Name() string    { return s.name }
func (s *dynamic) Handle() uintptr { return s.handle }

func (s *dynamic) Fetch(sym string) (u Sym, ok bool) {
	s.mu.RLock()
	u, ok = s.cache[sym]
	s.mu.RUnlock()
	if ok {
		return
	}
	p, err := s.lookup(sym)
	if err != nil || p == 0 {
		return 0, false
	}
	u = Sym(p)
	s.mu.Lock()
	s.cache[sym] = u
	s.mu.Unlock()
	Logger().Debug("found symbol", zap.String("library", s.name), zap.String("symbol", sym), zap.Stringer("addr", u))
	return u, true
}

func (s *dynamic) MustFetch(sym string) (u Sym) {
	u, ok := s.Fetch(sym)
	if !ok {
		panic(s.missing(sym))
	}
	return
}

func (s *dynamic) Export(sym string) (Sym, error) {
	if u, ok := s.Fetch(sym); ok {
		return u, nil
	}
	return 0, s.missing(sym)
}

func (s *dynamic) missing(sym string) error {
	return Fail(KindSymbol, s.name, fmt.Errorf("%w: %s", ErrMissingSymbol, sym))
}

// Symbols is a static export table, used for images inspected on disk and as a Library in tests.
type Symbols map[string]Sym

// Library wrap s as a Library named name.
func (s Symbols) Library(name string) Library {
	return NewLibrary(name, 0, func(sym string) (uintptr, error) {
		if u, ok := s[sym]; ok {
			return uintptr(u), nil
		}
		return 0, ErrMissingSymbol
	})
}
