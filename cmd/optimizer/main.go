// Package main is the entry point for the VSF optimizer.
// The optimizer collects probe telemetry from the lab farm and applies
// consolidation and power policies in a closed loop.
package main

import (
	"os"

	"github.com/softcane/vsf-optimizer/cmd/optimizer/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
