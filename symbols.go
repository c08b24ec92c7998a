package bootstrap

import (
	"errors"
	"fmt"
)

type (
	//Sym is a raw address inside the process, zero is null.
	Sym uintptr
	//Library is a loaded native image exposing exported symbols.
	//
	//Note:
	//
	//	1. A Library is never closed, process teardown reclaims it.
	//	2. Library is safe to use between goroutines.
	Library interface {
		Name() string                      //name or path the library was loaded by
		Handle() uintptr                   //native handle
		Fetch(sym string) (u Sym, ok bool) //fetch an export address
		MustFetch(sym string) (u Sym)      //fetch an export address, throws ErrMissingSymbol
		Export(sym string) (Sym, error)    //fetch an export address, missing export is a KindSymbol Failure
	}
	//ABI calls raw addresses with the platform C calling convention and turns Go functions into C callable addresses.
	ABI interface {
		Call(fn Sym, args ...uintptr) uintptr //call fn with integer or pointer arguments
		Callback(fn any) Sym                  //create a C callable address for fn, never released
	}
	//Func is an export resolved by name with an asserted arity.
	Func struct {
		Name  string
		Addr  Sym
		Arity int
		abi   ABI
	}
)

var (
	// ErrMissingSymbol occurs when can't found a symbol.
	ErrMissingSymbol = errors.New("missing symbol")
	// ErrArity occurs when a Func is called with a wrong count of arguments.
	ErrArity = errors.New("arity mismatch")
	// ErrNullFunction occurs when a null address is called.
	ErrNullFunction = errors.New("null function")
)

// IsNil reports whether s is null.
func (s Sym) IsNil() bool { return s == 0 }

func (s Sym) String() string { return fmt.Sprintf("%#x", uintptr(s)) }

// Bind resolve sym from lib as a callable taking arity arguments.
func Bind(abi ABI, lib Library, sym string, arity int) (f Func, err error) {
	var u Sym
	if u, err = lib.Export(sym); err != nil {
		return
	}
	return Bound(abi, sym, u, arity), nil
}

// MustBind is like Bind but throws the failure.
func MustBind(abi ABI, lib Library, sym string, arity int) Func {
	f, err := Bind(abi, lib, sym, arity)
	if err != nil {
		panic(err)
	}
	return f
}

// Bound wrap an already known address as a callable.
func Bound(abi ABI, name string, addr Sym, arity int) Func {
	return Func{Name: name, Addr: addr, Arity: arity, abi: abi}
}

// Valid reports whether f points to something.
func (f Func) Valid() bool { return f.abi != nil && !f.Addr.IsNil() }

// Call invoke f, throws ErrArity or ErrNullFunction.
func (f Func) Call(args ...uintptr) uintptr {
	if len(args) != f.Arity {
		panic(fmt.Errorf("%s: %w: want %d got %d", f.Name, ErrArity, f.Arity, len(args)))
	}
	if !f.Valid() {
		panic(fmt.Errorf("%s: %w", f.Name, ErrNullFunction))
	}
	return f.abi.Call(f.Addr, args...)
}

// Bool invoke f and read the result as a C bool.
func (f Func) Bool(args ...uintptr) bool {
	return f.Call(args...)&0xff != 0
}

// Use create a function to fetch and use symbol on the fly, throws are turned into errors.
func Use[T any](fetch func() T) func(func(t T, err error)) {
	return func(f func(t T, err error)) {
		var x T
		defer func() {
			switch y := recover().(type) {
			case nil:
				f(x, nil)
			case error:
				f(x, y)
			default:
				f(x, fmt.Errorf("%v", y))
			}
		}()
		x = fetch()
	}
}

// Protect run f and turn a throw into an error.
func Protect(f func()) (err error) {
	Use(func() struct{} {
		f()
		return struct{}{}
	})(func(_ struct{}, e error) {
		err = e
	})
	return
}
