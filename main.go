package main

import (
	"os"

	"github.com/asterism-org/asterism/cmd"
	"github.com/asterism-org/asterism/internal/config"
)

var version = "dev"

func init() {
	config.Version = version
}

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
