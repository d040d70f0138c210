// Tuyadp decodes and encodes Tuya DP frames offline.
//
// It loads the same device profile directory as the bridge, so a captured
// frame can be checked against a profile without a radio attached, and a
// profile directory can be validated before deployment.
//
// Usage:
//
//	tuyadp decode <hex> [--manufacturer M --model X]
//	tuyadp encode field=value... --manufacturer M --model X
//	tuyadp validate [dir...]
package main

import (
	"fmt"
	"os"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
