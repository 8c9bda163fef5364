// Package main provides the modsim command, a Modbus slave simulator.
package main

import (
	"os"
)

var version = "1.0.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		outputError("%v", err)
		os.Exit(1)
	}
}
