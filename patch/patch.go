// Package patch configures the hosted runtime through its internal exports.
//
// None of these exports have a public contract. Their signatures are assumed from the
// runtime sources the bootstrap was written against, a runtime upgrade that changes one
// of them corrupts the process instead of failing here.
package patch

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ZenLiuCN/bootstrap"
	"go.uber.org/zap"
)

// hosted runtime exports.
const (
	SymTraceLevel      = "mono_trace_set_level_string"
	SymTraceMask       = "mono_trace_set_mask_string"
	SymUnhandledHook   = "mono_install_unhandled_exception_hook"
	SymPrintUnhandled  = "mono_print_unhandled_exception"
	SymThreadChecker   = "mono_melonloader_set_thread_checker"
	SymAttachedThreads = "il2cpp_thread_get_all_attached_threads"
)

// ThreadLayout locates the native thread id from an attached engine thread object.
type ThreadLayout struct {
	InternalThread uintptr //offset of internal_thread in Il2CppThread
	Tid            uintptr //offset of tid in Il2CppInternalThread
}

// DefaultThreadLayout is the il2cpp object layout for the native pointer size.
func DefaultThreadLayout() ThreadLayout {
	if bootstrap.PtrSize == 4 {
		return ThreadLayout{InternalThread: 8, Tid: 48}
	}
	return ThreadLayout{InternalThread: 16, Tid: 80}
}

// Options of a Layer.
type Options struct {
	TraceLevel string //default debug
	TraceMask  string //default all
	Threads    ThreadLayout
}

// Layer applies the patches, built by New with every export already resolved.
type Layer struct {
	abi     bootstrap.ABI
	mem     bootstrap.Memory
	opts    Options
	level   bootstrap.Func
	mask    bootstrap.Func
	install bootstrap.Func
	print   bootstrap.Func
	checker bootstrap.Func
	threads bootstrap.Func
	mu      sync.Mutex
	count   *uintptr //out slot of SymAttachedThreads, heap allocated once
}

// New resolve every export the Layer needs, any missing export is a bootstrap.KindSymbol failure.
func New(abi bootstrap.ABI, mem bootstrap.Memory, hosted, runtime bootstrap.Library, opts Options) (l *Layer, err error) {
	if opts.TraceLevel == "" {
		opts.TraceLevel = "debug"
	}
	if opts.TraceMask == "" {
		opts.TraceMask = "all"
	}
	if opts.Threads == (ThreadLayout{}) {
		opts.Threads = DefaultThreadLayout()
	}
	l = &Layer{abi: abi, mem: mem, opts: opts, count: new(uintptr)}
	for _, b := range []struct {
		f     *bootstrap.Func
		lib   bootstrap.Library
		name  string
		arity int
	}{
		{&l.level, hosted, SymTraceLevel, 1},
		{&l.mask, hosted, SymTraceMask, 1},
		{&l.install, hosted, SymUnhandledHook, 2},
		{&l.print, hosted, SymPrintUnhandled, 1},
		{&l.checker, hosted, SymThreadChecker, 1},
		{&l.threads, runtime, SymAttachedThreads, 1},
	} {
		if *b.f, err = bootstrap.Bind(abi, b.lib, b.name, b.arity); err != nil {
			return nil, bootstrap.Fail(bootstrap.KindSymbol, "patch", err)
		}
	}
	return
}

// Apply set the trace verbosity, then install the exception observer and the thread checker.
func (l *Layer) Apply() error {
	for _, step := range []struct {
		name string
		run  func()
	}{
		{"trace", l.SetTrace},
		{"unhandled exception observer", l.InstallExceptionObserver},
		{"thread checker", l.InstallThreadChecker},
	} {
		if err := bootstrap.Protect(step.run); err != nil {
			return bootstrap.Fail(bootstrap.KindSymbol, "patch", fmt.Errorf("%s: %w", step.name, err))
		}
		bootstrap.Logger().Debug("runtime patched", zap.String("patch", step.name))
	}
	return nil
}

// SetTrace set the hosted runtime trace level and mask.
func (l *Layer) SetTrace() {
	l.level.Call(uintptr(bootstrap.CString(l.opts.TraceLevel)))
	l.mask.Call(uintptr(bootstrap.CString(l.opts.TraceMask)))
}

// InstallExceptionObserver install OnUnhandledException as the unhandled exception hook.
func (l *Layer) InstallExceptionObserver() {
	l.install.Call(uintptr(l.abi.Callback(l.OnUnhandledException)), 0)
}

// InstallThreadChecker install IsThreadSafeToHook as the hosted runtime thread checker.
func (l *Layer) InstallThreadChecker() {
	l.checker.Call(uintptr(l.abi.Callback(l.checkThread)))
}

// OnUnhandledException forward a faulting managed object to the runtime printer, null is ignored.
func (l *Layer) OnUnhandledException(exc, userData uintptr) {
	if exc == 0 {
		return
	}
	l.print.Call(exc)
}

// checkThread is the C shape of IsThreadSafeToHook, callbacks return word sized results.
func (l *Layer) checkThread(tid uint64) uintptr {
	if l.IsThreadSafeToHook(tid) {
		return 1
	}
	return 0
}

// IsThreadSafeToHook reports false when tid is a thread attached to the engine runtime.
//
// The hosted runtime asks this before suspending a thread, an engine thread must not be touched.
func (l *Layer) IsThreadSafeToHook(tid uint64) bool {
	log := bootstrap.Logger()
	if ce := log.Check(zap.DebugLevel, "checking thread"); ce != nil {
		ce.Write(zap.Uint64("tid", tid))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.count = 0
	list := bootstrap.Sym(l.threads.Call(uintptr(unsafe.Pointer(l.count))))
	for i := uintptr(0); i < *l.count; i++ {
		id, err := l.threadID(list + bootstrap.Sym(i*uintptr(bootstrap.PtrSize)))
		if err != nil {
			if ce := log.Check(zap.DebugLevel, "unreadable attached thread"); ce != nil {
				ce.Write(zap.Uintptr("index", i), zap.Error(err))
			}
			continue
		}
		if id == tid {
			return false
		}
	}
	return true
}

func (l *Layer) threadID(entry bootstrap.Sym) (uint64, error) {
	thread, err := bootstrap.ReadPtr(l.mem, entry)
	if err != nil {
		return 0, err
	}
	internal, err := bootstrap.ReadPtr(l.mem, thread+bootstrap.Sym(l.opts.Threads.InternalThread))
	if err != nil {
		return 0, err
	}
	return bootstrap.ReadUint64(l.mem, internal+bootstrap.Sym(l.opts.Threads.Tid))
}
