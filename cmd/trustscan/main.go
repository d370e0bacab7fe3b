// trustscan reports what needs operator attention on this device:
// credentials due for rotation and certificates inside the renewal window.
// The explain subcommand shows how an access decision is reached.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
