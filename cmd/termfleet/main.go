package main

import (
	"os"

	"github.com/rustyeddy/termfleet/cmd/termfleet/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
