// The main package for the concert-crawler executable.
package main

import (
	"github.com/JakeFAU/concert-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
