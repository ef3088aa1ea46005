package main

import (
	"os"

	"github.com/xnoto/agenthub/cmd/hubd/cmd"
)

// version is set via ldflags at build time.
var version = "dev"

func main() {
	cmd.SetVersion(version)
	os.Exit(cmd.Execute())
}
