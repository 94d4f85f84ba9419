package main

import (
	"os"

	"github.com/delverhq/delver/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
