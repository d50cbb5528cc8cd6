// ABOUTME: Entry point for sacmes-agent, the instrument-side file streamer
// ABOUTME: Commands are defined in this package with cobra

package main

import "os"

// version is set via -ldflags at build time.
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
