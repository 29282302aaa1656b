// The main package for the metafetcher executable.
package main

import (
	"github.com/ilialebedev/metafetcher/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
