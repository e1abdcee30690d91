// The main package for the revision-crawler executable.
package main

import (
	"github.com/JakeFAU/revision-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
