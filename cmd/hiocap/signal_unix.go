//go:build !windows
// +build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// notifyDump delivers SIGUSR1 to ch for on-demand probe dumps.
func notifyDump(ch chan os.Signal) { signal.Notify(ch, syscall.SIGUSR1) }
