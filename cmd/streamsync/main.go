package main

import (
	"os"

	"github.com/nstewart/streamsync/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
