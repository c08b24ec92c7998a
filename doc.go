/*
Package bootstrap is a native bootstrap toolkit that bridges a running game engine runtime and a hosted .NET runtime.

# Underwater

 1. The engine runtime (il2cpp or mono) is attached by name, its flavor is detected from its exports.
 2. The runtime's init export is detoured in memory, the detour runs the managed host handshake once the engine initializes.
 3. Native and managed code exchange two function-pointer tables (imports supplied by managed code, exports supplied by native code).
 4. A fixed set of native callbacks is also registered as internal calls of the runtime.

# Notes

 1. Every raw address becomes a callable only through [Func], which asserts the arity it was resolved with.
    Signatures of runtime internal exports are not checked by anything, an upgraded runtime may silently break them.
 2. Every failure is a [Failure] with a [Kind]; the startup pipeline turns the first one into a process abort.
 3. Only mono as the hosted runtime and il2cpp as the engine runtime are supported, mono as the engine runtime is refused.

# Packages

  - [github.com/ZenLiuCN/bootstrap/pool] named set of loaded libraries.
  - [github.com/ZenLiuCN/bootstrap/engine] runtime handle and flavor detector.
  - [github.com/ZenLiuCN/bootstrap/hook] in-memory detours with trampolines.
  - [github.com/ZenLiuCN/bootstrap/patch] trace, unhandled exception and thread checker patches.
  - [github.com/ZenLiuCN/bootstrap/host] two stage handshake with the managed host.
  - [github.com/ZenLiuCN/bootstrap/icall] internal call registry.
  - [github.com/ZenLiuCN/bootstrap/config] environment, arguments and the on-disk layout.
  - [github.com/ZenLiuCN/bootstrap/startup] ordered startup pipeline and the fatal path.
  - [github.com/ZenLiuCN/bootstrap/bridgetest] fake native memory, CPU and libraries for tests.

# Inspect tool

A diagnostic tool can inspect a game's runtime library and MelonLoader layout before injecting:

	go install github.com/ZenLiuCN/bootstrap/cmd/inspect@latest

For more details see the cli help:

	inspect -h
*/
package bootstrap
