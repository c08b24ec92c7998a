// Package config resolves the bootstrap configuration and the on-disk layout it expects.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ZenLiuCN/bootstrap"
	"github.com/caarlos0/env/v11"
)

// argument prefixes overriding the base directory, the last matching argument wins whatever its prefix.
var baseDirArgs = []string{"--melonloader.basedir=", "--basedir="}

// Config of the bootstrap, read from the environment then from process arguments.
type Config struct {
	BaseDir       string   `env:"MELONLOADER_BASEDIR"`
	DataDir       string   `env:"MELONLOADER_DATA_DIR"` //cached external files dir on android
	Debug         bool     `env:"MELONLOADER_DEBUG"`
	LogFile       string   `env:"MELONLOADER_LOG_FILE"` //default MelonLoader/Latest.log
	TraceLevel    string   `env:"MELONLOADER_TRACE_LEVEL"    envDefault:"debug"`
	TraceMask     string   `env:"MELONLOADER_TRACE_MASK"     envDefault:"all"`
	Runtimes      []string `env:"MELONLOADER_RUNTIME"        envSeparator:"," envDefault:"libil2cpp.so,GameAssembly.so,libmonobdwgc-2.0.so,libmono.so"`
	DotnetVersion string   `env:"MELONLOADER_DOTNET_VERSION" envDefault:"8.0.6"`
	PackageName   string   `env:"MELONLOADER_PACKAGE_NAME"`
}

// Load read the process environment and args.
func Load(args []string) (c Config, err error) {
	if err = env.Parse(&c); err != nil {
		return c, bootstrap.Fail(bootstrap.KindEnvironment, "config", fmt.Errorf("parse env: %w", err))
	}
	return c.resolve(args)
}

// LoadFrom read environ instead of the process environment.
func LoadFrom(args []string, environ map[string]string) (c Config, err error) {
	if err = env.ParseWithOptions(&c, env.Options{Environment: environ}); err != nil {
		return c, bootstrap.Fail(bootstrap.KindEnvironment, "config", fmt.Errorf("parse env: %w", err))
	}
	return c.resolve(args)
}

func (c Config) resolve(args []string) (Config, error) {
	if dir := BaseDirArg(args); dir != "" {
		c.BaseDir = dir
	}
	if c.BaseDir == "" {
		c.BaseDir = c.DataDir
	}
	if c.BaseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return c, bootstrap.Fail(bootstrap.KindEnvironment, "config", fmt.Errorf("base dir: %w", err))
		}
		c.BaseDir = wd
	}
	abs, err := filepath.Abs(c.BaseDir)
	if err != nil {
		return c, bootstrap.Fail(bootstrap.KindEnvironment, "config", fmt.Errorf("base dir %s: %w", c.BaseDir, err))
	}
	c.BaseDir = abs
	if c.LogFile == "" {
		c.LogFile = filepath.Join(c.BaseDir, "MelonLoader", "Latest.log")
	}
	return c, nil
}

// BaseDirArg returns the base directory given by args, the last matching argument wins.
func BaseDirArg(args []string) (dir string) {
	for _, a := range args {
		for _, p := range baseDirArgs {
			if v, ok := strings.CutPrefix(a, p); ok && v != "" {
				dir = v
			}
		}
	}
	return
}

// Layout is where every artifact of the bootstrap lives.
type Layout struct {
	Base           string
	MelonLoader    string //<base>/MelonLoader
	Dependencies   string
	SupportModules string
	Runtime        string //managed assemblies for the runtime flavor
	Config         string //runtime configuration of the managed host
	HostAssembly   string //managed host assembly
	DotnetRoot     string
	Hostfxr        string
	Hosted         string //hosted runtime library
}

// Layout for the runtime directory name runtimeDir (net6 or net35).
func (c Config) Layout(runtimeDir string) Layout {
	ml := filepath.Join(c.BaseDir, "MelonLoader")
	deps := filepath.Join(ml, "Dependencies")
	rt := filepath.Join(ml, runtimeDir)
	dotnet := filepath.Join(deps, "dotnet")
	return Layout{
		Base:           c.BaseDir,
		MelonLoader:    ml,
		Dependencies:   deps,
		SupportModules: filepath.Join(deps, "SupportModules"),
		Runtime:        rt,
		Config:         filepath.Join(rt, "MelonLoader.runtimeconfig.json"),
		HostAssembly:   filepath.Join(rt, "MelonLoader.NativeHost.dll"),
		DotnetRoot:     dotnet,
		Hostfxr:        filepath.Join(dotnet, "host", "fxr", c.DotnetVersion, "libhostfxr.so"),
		Hosted:         filepath.Join(dotnet, "shared", "Microsoft.NETCore.App", c.DotnetVersion, "libmonosgen-2.0.so"),
	}
}

// Preflight check the artifacts the handshake needs, a missing one is an environment failure naming it.
func (l Layout) Preflight() error {
	for _, f := range []string{l.Config, l.HostAssembly} {
		if _, err := os.Stat(f); err != nil {
			return bootstrap.Fail(bootstrap.KindEnvironment, "preflight", fmt.Errorf("required file %s: %w", f, err))
		}
	}
	return nil
}

// ManagedDir locate the engine managed assemblies for the executable exe.
//
// <exe dir>/<exe name>_Data/Managed is preferred, <exe dir>/MelonLoader/Managed is the fallback.
func ManagedDir(exe string) (string, error) {
	dir := filepath.Dir(exe)
	name := strings.TrimSuffix(filepath.Base(exe), filepath.Ext(exe))
	for _, p := range []string{
		filepath.Join(dir, name+"_Data", "Managed"),
		filepath.Join(dir, "MelonLoader", "Managed"),
	} {
		if fi, err := os.Stat(p); err == nil && fi.IsDir() {
			return p, nil
		}
	}
	return "", bootstrap.Fail(bootstrap.KindEnvironment, "managed dir", fmt.Errorf("no managed directory beside %s", exe))
}

// SearchDirs are the directories assembly resolution looks into.
func (l Layout) SearchDirs(managed string) (dirs []string) {
	if managed != "" {
		dirs = append(dirs, managed)
	}
	return append(dirs, l.MelonLoader)
}

// PackageName returns the process name from cmdline, on android that is the package name.
func PackageName(cmdline string) (string, error) {
	b, err := os.ReadFile(cmdline)
	if err != nil {
		return "", err
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b), nil
}
