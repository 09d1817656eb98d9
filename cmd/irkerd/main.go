// Command irkerd runs the relay daemon described in SPEC_FULL.md: a
// loopback JSON-to-IRC relay with long-lived per-server sessions.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
