// Command rtrtr relays RPKI route-origin data from one or more upstream
// sources to RTR clients and other consumers (spec.md §1).
package main

import (
	"fmt"
	"os"

	"github.com/sumkincpp/rtrtr/internal/cmd"
)

func main() {
	opts, err := cmd.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := cmd.Run(opts, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
