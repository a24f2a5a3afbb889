package main

import (
	"context"
	"os"

	"github.com/andrekirst/eventstore/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background()))
}
