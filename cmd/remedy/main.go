package main

import (
	"fmt"
	"os"

	"github.com/luciancaetano/remedy/internal/cmd"
)

// Set via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := cmd.NewRootCommand(version)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
