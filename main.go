package main

import "os"

func main() {
	cfg := parseArgs(os.Args[1:])

	switch cfg.mode {
	case mapMode:
		runMap(cfg.Map)
	case versionMode:
		printVersion(os.Stdout)
	default:
		runDemo(cfg.Demo)
	}
}
