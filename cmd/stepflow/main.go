package main

import (
	"context"
	"os"

	"github.com/flowforgeHQ/stepflow-go/internal/cli"
)

func main() {
	cli.Run(context.Background(), os.Args[1:])
}
