package main

import (
	"os"

	"github.com/yogeelabs/promptchain/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(2)
	}
}
