package main

import (
	"os"

	"github.com/casetrace/casetrace/cmd/casetrace/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
