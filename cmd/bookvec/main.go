package main

import (
	"os"

	"github.com/calev/bookvec/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
