//go:build linux

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	var out bytes.Buffer
	a := app()
	a.Writer = &out
	a.ErrWriter = &out
	err := a.Run(append([]string{"inspect"}, args...))
	return out.String(), err
}

func TestLayout(t *testing.T) {
	base := t.TempDir()
	out, err := run(t, "layout", "-b", base)
	assert.Error(t, err)
	assert.Contains(t, out, filepath.Join(base, "MelonLoader", "net6", "MelonLoader.runtimeconfig.json"))

	rt := filepath.Join(base, "MelonLoader", "net6")
	fn.Panic(os.MkdirAll(rt, 0o755))
	fn.Panic(os.WriteFile(filepath.Join(rt, "MelonLoader.runtimeconfig.json"), []byte("{}"), 0o644))
	fn.Panic(os.WriteFile(filepath.Join(rt, "MelonLoader.NativeHost.dll"), []byte("MZ"), 0o644))
	_, err = run(t, "layout", "-b", base)
	assert.NoError(t, err)
}

func TestDescribeSelf(t *testing.T) {
	out, err := run(t, "describe", os.Args[0])
	require.NoError(t, err)
	assert.Contains(t, out, os.Args[0])
	assert.Contains(t, out, "machine")
}

func TestClassifyUnknown(t *testing.T) {
	_, err := run(t, "classify", os.Args[0])
	assert.Error(t, err)
}
