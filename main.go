package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/peterje/conduit/internal/cli"
)

func main() {
	err := cli.Execute(context.Background(), os.Args[1:])
	if err == nil {
		return
	}
	var exitErr *cli.ExitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.Code)
	}
	fmt.Fprintf(os.Stderr, "conduit: %v\n", err)
	os.Exit(1)
}
