package main

import (
	"fmt"
	"os"

	ctag "github.com/thrawn01/ctag"
)

func main() {
	if err := ctag.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
