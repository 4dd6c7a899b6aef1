// File: cmd/hiocap/version.go
// Author: momentics <momentics@gmail.com>

package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hiocap %s (%s) %s/%s %s\n",
				version, commit, runtime.GOOS, runtime.GOARCH, runtime.Version())
		},
	}
}
