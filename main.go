package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/Yelp/pidtree-go/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		// ExitCodeError carries its own exit code; don't prefix it with "Error:".
		var exitErr cmd.ExitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
