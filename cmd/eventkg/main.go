package main

import (
	"fmt"
	"os"

	"eventkg/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "eventkg: %v\n", err)
		os.Exit(1)
	}
}
