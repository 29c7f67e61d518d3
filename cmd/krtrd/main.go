// Command krtrd runs a standalone KRTR mesh node: generate or load an
// identity key, bring up the engine against a stand-in link layer (no BLE
// hardware integration; see spec.md's external-collaborator boundary), and
// log every delegate callback until interrupted.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
