package bootstrap

import (
	"errors"
	"fmt"
)

// Kind classifies a Failure.
type Kind int

const (
	KindUnknown     Kind = iota
	KindEnvironment      //missing file, path or an unsupported runtime
	KindSymbol           //an expected runtime export is absent
	KindHandshake        //the managed host left a required slot empty
	KindHook             //a code patch was refused
)

func (k Kind) String() string {
	switch k {
	case KindEnvironment:
		return "environment error"
	case KindSymbol:
		return "symbol error"
	case KindHandshake:
		return "handshake error"
	case KindHook:
		return "hook error"
	default:
		return "internal error"
	}
}

// Failure is an unrecoverable bootstrap error.
type Failure struct {
	Kind Kind
	Op   string
	Err  error
}

// Error states the kind once, ops of directly nested failures are joined.
func (f *Failure) Error() string {
	return f.Kind.String() + ": " + f.message()
}

func (f *Failure) message() string {
	var msg string
	if inner, ok := f.Err.(*Failure); ok {
		msg = inner.message()
	} else {
		msg = fmt.Sprint(f.Err)
	}
	if f.Op == "" {
		return msg
	}
	return f.Op + ": " + msg
}

func (f *Failure) Unwrap() error { return f.Err }

// Fail wrap err as a Failure of kind, an err already carrying a Kind keeps it.
func Fail(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		if op == "" || op == f.Op {
			return err
		}
		return &Failure{Kind: f.Kind, Op: op, Err: err}
	}
	return &Failure{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the outermost Failure in err chain.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUnknown
}
