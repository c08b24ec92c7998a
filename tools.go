package bootstrap

import (
	"debug/elf"
	"fmt"
	"slices"
	"strings"

	"github.com/ZenLiuCN/fn"
)

// Inspect list the exported function symbols of the shared object at file.
func Inspect(file string) ([]string, error) {
	s, err := exports(file)
	if err != nil {
		return nil, err
	}
	v := fn.MapKeys(s)
	slices.Sort(v)
	return v, nil
}

// Image open the shared object at file as a Library of symbol offsets, nothing is mapped or executed.
func Image(file string) (Library, error) {
	s, err := exports(file)
	if err != nil {
		return nil, err
	}
	return s.Library(file), nil
}

func exports(file string) (Symbols, error) {
	f, err := elf.Open(file)
	if err != nil {
		return nil, Fail(KindEnvironment, "inspect", err)
	}
	defer fn.IgnoreClose(f)
	syms, err := f.DynamicSymbols()
	if err != nil {
		if syms, err = f.Symbols(); err != nil {
			return nil, Fail(KindEnvironment, "inspect", fmt.Errorf("%s: %w", file, err))
		}
	}
	s := make(Symbols, len(syms))
	for _, sym := range syms {
		if sym.Value == 0 || elf.ST_TYPE(sym.Info) != elf.STT_FUNC {
			continue
		}
		name := sym.Name
		if i := strings.IndexByte(name, '@'); i > 0 {
			name = name[:i]
		}
		s[name] = Sym(sym.Value)
	}
	return s, nil
}

// Info describes a shared object on disk.
type Info struct {
	File    string
	Machine string
	Class   string
	Needed  []string
	Exports int
}

// Describe read Info of the shared object at file.
func Describe(file string) (i *Info, err error) {
	f, err := elf.Open(file)
	if err != nil {
		return nil, Fail(KindEnvironment, "inspect", err)
	}
	defer fn.IgnoreClose(f)
	i = &Info{File: file, Machine: f.Machine.String(), Class: f.Class.String()}
	if i.Needed, err = f.ImportedLibraries(); err != nil {
		return nil, Fail(KindEnvironment, "inspect", err)
	}
	var s Symbols
	if s, err = exports(file); err != nil {
		return
	}
	i.Exports = len(s)
	return
}

func (i Info) String() string {
	s := strings.Builder{}
	s.WriteString(fmt.Sprintf("%s\n\tmachine %s %s\n\texports %d\n", i.File, i.Machine, i.Class, i.Exports))
	for _, n := range i.Needed {
		s.WriteString(fmt.Sprintf("\tneeds %s\n", n))
	}
	return s.String()
}
