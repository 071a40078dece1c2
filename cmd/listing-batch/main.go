package main

import (
	"errors"
	"fmt"
	"os"

	"listing-batch/internal/cli"
)

func main() {
	if err := cli.Run(os.Args[1:]); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
