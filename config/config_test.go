package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ZenLiuCN/bootstrap"
	"github.com/ZenLiuCN/fn"
	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := LoadFrom(nil, map[string]string{"MELONLOADER_BASEDIR": "/games/x"})
	require.NoError(t, err)
	t.Log(spew.Sdump(c))
	assert.Equal(t, "/games/x", c.BaseDir)
	assert.Equal(t, "debug", c.TraceLevel)
	assert.Equal(t, "all", c.TraceMask)
	assert.Equal(t, "8.0.6", c.DotnetVersion)
	assert.Equal(t, []string{"libil2cpp.so", "GameAssembly.so", "libmonobdwgc-2.0.so", "libmono.so"}, c.Runtimes)
	assert.Equal(t, "/games/x/MelonLoader/Latest.log", c.LogFile)
	assert.False(t, c.Debug)
}

func TestBaseDirPrecedence(t *testing.T) {
	environ := map[string]string{
		"MELONLOADER_BASEDIR":  "/from/env",
		"MELONLOADER_DATA_DIR": "/from/data",
		"MELONLOADER_RUNTIME":  "libil2cpp.so",
		"MELONLOADER_DEBUG":    "true",
	}
	c := fn.Panic1(LoadFrom([]string{"game", "--basedir=/from/short", "--melonloader.basedir=/from/arg"}, environ))
	assert.Equal(t, "/from/arg", c.BaseDir)
	assert.Equal(t, []string{"libil2cpp.so"}, c.Runtimes)
	assert.True(t, c.Debug)

	c = fn.Panic1(LoadFrom([]string{"game"}, environ))
	assert.Equal(t, "/from/env", c.BaseDir)

	delete(environ, "MELONLOADER_BASEDIR")
	c = fn.Panic1(LoadFrom(nil, environ))
	assert.Equal(t, "/from/data", c.BaseDir)

	c = fn.Panic1(LoadFrom(nil, map[string]string{}))
	assert.Equal(t, fn.Panic1(os.Getwd()), c.BaseDir)
}

func TestBaseDirArg(t *testing.T) {
	assert.Empty(t, BaseDirArg([]string{"--basedir=", "-batchmode"}))
	assert.Equal(t, "/a", BaseDirArg([]string{"--basedir=/a"}))
	assert.Equal(t, "/b", BaseDirArg([]string{"--basedir=/a", "--melonloader.basedir=/b"}))
	assert.Equal(t, "/a", BaseDirArg([]string{"--melonloader.basedir=/b", "--basedir=/a"}))
	assert.Equal(t, "/c", BaseDirArg([]string{"--basedir=/a", "--basedir=/c"}))
}

func TestLayout(t *testing.T) {
	c := fn.Panic1(LoadFrom(nil, map[string]string{"MELONLOADER_BASEDIR": "/g"}))
	l := c.Layout("net6")
	assert.Equal(t, "/g/MelonLoader/net6/MelonLoader.runtimeconfig.json", l.Config)
	assert.Equal(t, "/g/MelonLoader/net6/MelonLoader.NativeHost.dll", l.HostAssembly)
	assert.Equal(t, "/g/MelonLoader/Dependencies/SupportModules", l.SupportModules)
	assert.Equal(t, "/g/MelonLoader/Dependencies/dotnet/host/fxr/8.0.6/libhostfxr.so", l.Hostfxr)
	assert.Equal(t, "/g/MelonLoader/Dependencies/dotnet/shared/Microsoft.NETCore.App/8.0.6/libmonosgen-2.0.so", l.Hosted)
	assert.Equal(t, []string{"/m", "/g/MelonLoader"}, l.SearchDirs("/m"))
	assert.Equal(t, []string{"/g/MelonLoader"}, l.SearchDirs(""))
}

func TestPreflight(t *testing.T) {
	base := t.TempDir()
	l := fn.Panic1(LoadFrom(nil, map[string]string{"MELONLOADER_BASEDIR": base})).Layout("net6")
	err := l.Preflight()
	assert.Equal(t, bootstrap.KindEnvironment, bootstrap.KindOf(err))
	assert.Contains(t, err.Error(), l.Config)

	fn.Panic(os.MkdirAll(l.Runtime, 0o755))
	fn.Panic(os.WriteFile(l.Config, []byte("{}"), 0o644))
	err = l.Preflight()
	assert.Contains(t, err.Error(), l.HostAssembly)

	fn.Panic(os.WriteFile(l.HostAssembly, []byte("MZ"), 0o644))
	assert.NoError(t, l.Preflight())
}

func TestManagedDir(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "Game.x86_64")
	_, err := ManagedDir(exe)
	assert.Equal(t, bootstrap.KindEnvironment, bootstrap.KindOf(err))

	fallback := filepath.Join(dir, "MelonLoader", "Managed")
	fn.Panic(os.MkdirAll(fallback, 0o755))
	assert.Equal(t, fallback, fn.Panic1(ManagedDir(exe)))

	data := filepath.Join(dir, "Game_Data", "Managed")
	fn.Panic(os.MkdirAll(data, 0o755))
	assert.Equal(t, data, fn.Panic1(ManagedDir(exe)))
}

func TestPackageName(t *testing.T) {
	f := filepath.Join(t.TempDir(), "cmdline")
	fn.Panic(os.WriteFile(f, []byte("com.example.game\x00--arg\x00"), 0o644))
	assert.Equal(t, "com.example.game", fn.Panic1(PackageName(f)))
	_, err := PackageName(filepath.Join(t.TempDir(), "none"))
	assert.Error(t, err)
}
