package main

import (
	"fmt"
	"os"

	"github.com/awnumar/memguard"

	"github.com/keyfleet/keyfleet/cmd/keyfleet/cli"
)

// Set via -ldflags at build time
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	err := cli.Execute(version, commit, date)
	memguard.Purge()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
