package main

import (
	"os"

	"github.com/vrsandeep/chapterdl/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
