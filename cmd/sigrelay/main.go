package main

import (
	"os"

	"github.com/gtarcea/sigrelay/cmd/sigrelay/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
