package main

import (
	"os"

	"github.com/pocketwalk/pocketwalk/internal/interfaces/cli"
)

func main() {
	exitCode := 0
	rootCmd := cli.NewRootCommand(os.Args[1:], &exitCode)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
	os.Exit(exitCode)
}
