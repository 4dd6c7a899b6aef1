// File: cmd/hiocap/main.go
// Author: momentics <momentics@gmail.com>
//
// hiocap streams a V4L2 capture device into a file or pipe.

package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
