package main

import (
	"os"

	"github.com/keybridge-labs/authd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
