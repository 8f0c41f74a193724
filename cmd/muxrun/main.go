// Command muxrun runs a write, kernel, read pipeline through the mux
// scheduler on a chosen backend and reports the result.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
