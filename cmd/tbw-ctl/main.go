package main

import (
	"fmt"
	"os"

	"github.com/gftdcojp/tiered-block-worker/cmd/tbw-ctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
