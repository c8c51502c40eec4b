// Command clearctl assesses document sets and inspects rulebooks offline.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/opensource-finance/clearance/internal/domain"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps configuration problems to 2 and invalid input to 3.
func exitCode(err error) int {
	var cfgErr *domain.ConfigError
	var inErr *domain.InputError
	switch {
	case errors.As(err, &cfgErr):
		return 2
	case errors.As(err, &inErr):
		return 3
	default:
		return 1
	}
}
