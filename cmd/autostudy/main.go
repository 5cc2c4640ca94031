// Package main is the single-binary entrypoint for autostudy.
package main

import "github.com/autostudy/autostudy/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
