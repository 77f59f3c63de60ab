package main

import (
	"dmagma/cmd/dmagma/commands"
	"os"
)

var version = "dev"

func main() {
	commands.SetVersion(version)

	// errors are printed by the printer package
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
