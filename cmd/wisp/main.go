package main

import (
	"fmt"
	"os"

	"github.com/tydell/wisp/cmd/wisp/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
