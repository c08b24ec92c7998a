package main

import (
	"fmt"
	"log"
	"os"

	"github.com/ZenLiuCN/bootstrap"
	"github.com/ZenLiuCN/bootstrap/config"
	"github.com/ZenLiuCN/bootstrap/engine"
	"github.com/ZenLiuCN/bootstrap/icall"
	"github.com/ZenLiuCN/bootstrap/patch"
	"github.com/ZenLiuCN/bootstrap/startup"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := app().Run(os.Args); err != nil {
		log.Fatalf("failure %s", err)
	}
}

func app() *cli.App {
	app := cli.NewApp()
	app.Usage = "bootstrap diagnostics"
	app.Name = "inspect"
	app.Description = "inspect engine runtime images and the bootstrap layout without loading anything"
	app.Commands = []*cli.Command{
		{
			Name:   "exports",
			Action: exports,
			Usage:  "list exported functions of shared objects",
			Args:   true,
		},
		{
			Name:   "describe",
			Action: describe,
			Usage:  "describe shared objects",
			Args:   true,
		},
		{
			Name:   "classify",
			Action: classify,
			Usage:  "detect the runtime flavor of an engine runtime image",
			Args:   true,
		},
		{
			Name:   "symbols",
			Action: symbols,
			Usage:  "check the exports the bootstrap binds",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "runtime", Aliases: []string{"r"}, Usage: "engine runtime image", Required: true},
				&cli.StringFlag{Name: "hosted", Aliases: []string{"m"}, Usage: "hosted runtime image", Required: true},
			},
		},
		{
			Name:   "layout",
			Action: layout,
			Usage:  "print the on-disk layout and check the managed host artifacts",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "basedir", Aliases: []string{"b"}, Usage: "base directory"},
				&cli.StringFlag{Name: "runtime-dir", Aliases: []string{"d"}, Value: engine.Il2Cpp.RuntimeDir(), Usage: "net6 or net35"},
			},
		},
	}
	return app
}

func exports(ctx *cli.Context) error {
	for _, f := range ctx.Args().Slice() {
		names, err := bootstrap.Inspect(f)
		if err != nil {
			return err
		}
		fmt.Fprintf(ctx.App.Writer, "%s: %d\n", f, len(names))
		for _, n := range names {
			fmt.Fprintf(ctx.App.Writer, "\t%s\n", n)
		}
	}
	return nil
}

func describe(ctx *cli.Context) error {
	for _, f := range ctx.Args().Slice() {
		i, err := bootstrap.Describe(f)
		if err != nil {
			return err
		}
		fmt.Fprint(ctx.App.Writer, i)
	}
	return nil
}

func classify(ctx *cli.Context) error {
	for _, f := range ctx.Args().Slice() {
		lib, err := bootstrap.Image(f)
		if err != nil {
			return err
		}
		v, err := engine.Classify(lib)
		if err != nil {
			return err
		}
		fmt.Fprintf(ctx.App.Writer, "%s: %s supported=%t\n", f, v, v.Supported())
	}
	return nil
}

func symbols(ctx *cli.Context) (err error) {
	var rt, hosted bootstrap.Library
	if rt, err = bootstrap.Image(ctx.String("runtime")); err != nil {
		return
	}
	if hosted, err = bootstrap.Image(ctx.String("hosted")); err != nil {
		return
	}
	v, err := engine.Classify(rt)
	if err != nil {
		return
	}
	missing := 0
	check := func(lib bootstrap.Library, names ...string) {
		for _, n := range names {
			state := "ok"
			if _, ok := lib.Fetch(n); !ok {
				state = "MISSING"
				missing++
			}
			fmt.Fprintf(ctx.App.Writer, "%-8s %s %s\n", state, lib.Name(), n)
		}
	}
	check(rt, v.Markers()...)
	check(rt, v.InvokeExport(), startup.SymMethodName, patch.SymAttachedThreads)
	check(hosted, patch.SymTraceLevel, patch.SymTraceMask, patch.SymUnhandledHook, patch.SymPrintUnhandled, patch.SymThreadChecker)
	check(hosted, icall.SymRootDomain, icall.SymPreloadHook, icall.SymSearchHook, icall.SymAssemblyNameGet, icall.SymAssemblyOpenFull)
	if _, err = patch.New(bootstrap.Native, nil, hosted, rt, patch.Options{}); err != nil {
		return
	}
	if missing > 0 {
		return fmt.Errorf("%d exports missing", missing)
	}
	return nil
}

func layout(ctx *cli.Context) error {
	var args []string
	if b := ctx.String("basedir"); b != "" {
		args = append(args, "--basedir="+b)
	}
	c, err := config.Load(args)
	if err != nil {
		return err
	}
	l := c.Layout(ctx.String("runtime-dir"))
	w := ctx.App.Writer
	fmt.Fprintf(w, "base            %s\n", l.Base)
	fmt.Fprintf(w, "runtime config  %s\n", l.Config)
	fmt.Fprintf(w, "host assembly   %s\n", l.HostAssembly)
	fmt.Fprintf(w, "dotnet root     %s\n", l.DotnetRoot)
	fmt.Fprintf(w, "hostfxr         %s\n", l.Hostfxr)
	fmt.Fprintf(w, "hosted runtime  %s\n", l.Hosted)
	fmt.Fprintf(w, "log             %s\n", c.LogFile)
	return l.Preflight()
}
