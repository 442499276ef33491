// Package main is the entry point for the portredir TCP port redirector.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/portredir/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
