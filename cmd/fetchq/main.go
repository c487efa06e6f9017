package main

import (
	"os"

	"github.com/fetchq/fetchq/cmd/fetchq/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
