//go:build linux && !android

package bootstrap

import (
	"os"
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/stretchr/testify/assert"
)

func TestOpen(t *testing.T) {
	lib := fn.Panic1(Open("libc.so.6"))
	getpid := MustBind(Native, lib, "getpid", 0)
	assert.Equal(t, uintptr(os.Getpid()), getpid.Call())

	_, err := Open("libdoes-not-exist.so")
	assert.Equal(t, KindEnvironment, KindOf(err))
}
