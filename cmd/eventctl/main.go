// Command eventctl sends, schedules and receives ping events against a
// broker. It is an end-to-end smoke test for a deployment.
package main

import (
	"fmt"
	"os"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
