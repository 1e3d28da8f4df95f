// The main package for the domaintext executable.
package main

import (
	"github.com/JakeFAU/domaintext/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
