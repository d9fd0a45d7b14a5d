package main

import "github.com/always-cache/cache-worker/cli"

// this is set by goreleaser
var version string

func main() {
	cli.Execute(version)
}
