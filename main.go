// The main package for the fetchworker executable.
package main

import (
	"github.com/JakeFAU/rss-fetch-worker/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
