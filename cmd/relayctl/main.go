package main

import (
	"os"

	"github.com/austindbirch/relayhook/cmd/relayctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
