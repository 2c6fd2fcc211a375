package main

import (
	"fmt"
	"io"
	"runtime/debug"
)

// version is overridden at release time with -ldflags "-X main.version=...".
var version = "devel"

func printVersion(w io.Writer) {
	v := version
	if v == "devel" {
		if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			v = bi.Main.Version
		}
	}
	fmt.Fprintln(w, "devsim", v)
}
