// Command bootstrap is built as a shared library loaded into the game process.
//
//	go build -buildmode=c-shared -o libBootstrap.so ./cmd/bootstrap
//
// The library constructor runs startup once the Go runtime is up, JNI_OnLoad records the JavaVM on android.
package main

/*
#include <stdint.h>
*/
import "C"

import (
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	boot "github.com/ZenLiuCN/bootstrap/startup"
)

// jniVersion is JNI_VERSION_1_6.
const jniVersion = 0x00010006

var (
	once   sync.Once
	javaVM atomic.Uintptr
)

//export startup
func startup() {
	once.Do(func() {
		boot.Main(os.Args, boot.Options{JavaVM: javaVM.Load})
	})
}

//export JNI_OnLoad
func JNI_OnLoad(vm unsafe.Pointer, _ unsafe.Pointer) C.int32_t {
	javaVM.Store(uintptr(vm))
	return jniVersion
}

func main() {}
