//go:build windows

package main

import (
	"os"
)

// getShutdownSignals returns the signals to listen for on Windows
func getShutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// handlePlatformSignal never continues the loop on Windows
func handlePlatformSignal(os.Signal, *App) bool {
	return false
}
