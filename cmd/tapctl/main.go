// tapctl is a command-line client for a tapwire instrumentation server.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tapctl: %v\n", err)
		os.Exit(1)
	}
}
